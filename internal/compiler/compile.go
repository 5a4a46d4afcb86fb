// Package compiler lowers a lint-clean workflow graph into an immutable,
// content-addressed bytecode program.
//
// Lowering is deterministic: nodes are emitted in depth-first preorder from
// the start node, following edge declaration order, so the same DTO and
// contract set always produces the same instruction sequence and therefore
// the same program version.
package compiler

import (
	"fmt"
	"strings"

	"github.com/loomengine/loom/internal/bytecode"
	"github.com/loomengine/loom/internal/contract"
	"github.com/loomengine/loom/internal/graph"
	"github.com/loomengine/loom/internal/lint"
)

// Compile error codes (C100-C199).
const (
	ErrLintBlocked      = "C100" // lint errors block compilation
	ErrBadStructure     = "C101" // structural validation failed
	ErrNoSuccessor      = "C102" // node requires a successor edge
	ErrAmbiguousDefault = "C103" // XOR gateway has multiple unconditional edges
	ErrBadForkArity     = "C104" // parallel gateway is neither a split nor a join
)

// CompileError blocks publishing. It carries the diagnostics or structural
// fault that caused the rejection.
type CompileError struct {
	Code        string
	Message     string
	Diagnostics []lint.Diagnostic
}

func (e *CompileError) Error() string {
	if len(e.Diagnostics) > 0 {
		msgs := make([]string, 0, len(e.Diagnostics))
		for _, d := range e.Diagnostics {
			if d.Severity == lint.SeverityError {
				msgs = append(msgs, d.Error())
			}
		}
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, strings.Join(msgs, "; "))
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ErrorClassNoBranch is raised at runtime when an XOR gateway has no
// matching branch and no unconditional fallback.
const ErrorClassNoBranch = "no_matching_branch"

// Compile lints the workflow and, if clean of errors, lowers it to a
// bytecode program stamped with its content hash.
//
// Lint warnings do not block; they are returned alongside the program so
// callers can surface them.
func Compile(w *graph.Workflow, reg *contract.Registry, opts lint.Options) (*bytecode.Program, []lint.Diagnostic, error) {
	if err := w.Validate(); err != nil {
		return nil, nil, &CompileError{Code: ErrBadStructure, Message: err.Error()}
	}

	diags := lint.Run(w, reg, opts)
	if lint.HasErrors(diags) {
		return nil, diags, &CompileError{
			Code:        ErrLintBlocked,
			Message:     fmt.Sprintf("workflow %q has lint errors", w.ProcessKey),
			Diagnostics: diags,
		}
	}

	em := newEmitter(w)
	if err := em.lower(); err != nil {
		return nil, diags, err
	}

	prog, err := em.finish(reg.Hash())
	if err != nil {
		return nil, diags, err
	}
	return prog, diags, nil
}

// emitter accumulates instructions with symbolic jump targets, then patches
// node ids to addresses once every block has been placed.
type emitter struct {
	w       *graph.Workflow
	instrs  []bytecode.Instruction
	addrOf  map[string]int64 // node id -> block entry address
	order   []string         // DFS preorder emission order
	headers map[string]bool  // loop headers (back-edge targets)

	jumpPatches    []jumpPatch
	forkPatches    []forkPatch
	handlerPatches []handlerPatch
	joinExpected   map[string]int
}

type jumpPatch struct {
	instr  int
	target string
}

type forkPatch struct {
	instr   int
	branch  int
	target  string
}

type handlerPatch struct {
	dispatchAddr int64
	code         string
	target       string
}

func newEmitter(w *graph.Workflow) *emitter {
	return &emitter{
		w:            w,
		addrOf:       make(map[string]int64),
		headers:      make(map[string]bool),
		joinExpected: make(map[string]int),
	}
}

// lower walks the graph depth-first from the start node, detecting loop
// headers, then emits one contiguous block per reachable node in preorder.
func (em *emitter) lower() error {
	start, err := em.w.Start()
	if err != nil {
		return &CompileError{Code: ErrBadStructure, Message: err.Error()}
	}

	em.walk(start.ID, map[string]int{})

	for _, id := range em.order {
		if err := em.emitNode(id); err != nil {
			return err
		}
	}
	return nil
}

// walk computes DFS preorder and marks back-edge targets as loop headers.
// state: 0 unvisited, 1 on stack, 2 done.
func (em *emitter) walk(id string, state map[string]int) {
	state[id] = 1
	em.order = append(em.order, id)
	for _, e := range em.w.Outgoing(id) {
		switch state[e.To] {
		case 0:
			em.walk(e.To, state)
		case 1:
			// Back edge: e.To is re-entered on a cycle, so its block
			// must bump the loop epoch on entry.
			em.headers[e.To] = true
		}
	}
	state[id] = 2
}

func (em *emitter) emit(in bytecode.Instruction) int {
	em.instrs = append(em.instrs, in)
	return len(em.instrs) - 1
}

func (em *emitter) emitJumpTo(op bytecode.Opcode, target string) {
	idx := em.emit(bytecode.Instruction{Op: op})
	em.jumpPatches = append(em.jumpPatches, jumpPatch{instr: idx, target: target})
}

// emitNode lowers one node into its instruction block.
func (em *emitter) emitNode(id string) error {
	em.addrOf[id] = int64(len(em.instrs))
	n, _ := em.w.NodeByID(id)

	if em.headers[id] {
		em.emit(bytecode.Instruction{Op: bytecode.OpEpochBump})
	}

	switch n.Kind {
	case graph.KindStart:
		return em.emitGoto(n)
	case graph.KindEnd:
		em.emit(bytecode.Instruction{Op: bytecode.OpHalt})
		return nil
	case graph.KindServiceTask:
		return em.emitServiceTask(n)
	case graph.KindGateway:
		return em.emitGateway(n)
	case graph.KindMessageWait:
		em.emit(bytecode.Instruction{Op: bytecode.OpWaitMsg, Sym: n.MessageName, Ref: n.CorrKeySource})
		return em.emitGoto(n)
	case graph.KindHumanWait:
		em.emit(bytecode.Instruction{Op: bytecode.OpWaitHuman, Ref: n.ID})
		return em.emitGoto(n)
	default:
		return &CompileError{Code: ErrBadStructure, Message: fmt.Sprintf("node %q: unknown kind %q", n.ID, n.Kind)}
	}
}

// emitGoto emits the unconditional transfer to the node's single successor.
func (em *emitter) emitGoto(n graph.Node) error {
	out := em.w.Outgoing(n.ID)
	if len(out) != 1 {
		return &CompileError{
			Code:    ErrNoSuccessor,
			Message: fmt.Sprintf("node %q must have exactly one outgoing edge, has %d", n.ID, len(out)),
		}
	}
	em.emitJumpTo(bytecode.OpJmp, out[0].To)
	return nil
}

// emitServiceTask lowers a service task to DISPATCH + WAIT_JOB, a handler
// table for its error edges, and a jump to its normal successor.
func (em *emitter) emitServiceTask(n graph.Node) error {
	dispatchAddr := int64(len(em.instrs))
	em.emit(bytecode.Instruction{Op: bytecode.OpDispatch, Sym: n.TaskType, Ref: n.ID})
	em.emit(bytecode.Instruction{Op: bytecode.OpWaitJob, Ref: n.ID})

	var normal []graph.Edge
	for _, e := range em.w.Outgoing(n.ID) {
		if e.OnErrorCode != "" {
			em.handlerPatches = append(em.handlerPatches, handlerPatch{
				dispatchAddr: dispatchAddr,
				code:         e.OnErrorCode,
				target:       e.To,
			})
			continue
		}
		normal = append(normal, e)
	}
	if len(normal) != 1 {
		return &CompileError{
			Code:    ErrNoSuccessor,
			Message: fmt.Sprintf("service task %q must have exactly one non-error outgoing edge, has %d", n.ID, len(normal)),
		}
	}
	em.emitJumpTo(bytecode.OpJmp, normal[0].To)
	return nil
}

// emitGateway lowers XOR gateways to flag-test chains, AND/Race splits to
// FORK, and AND/Race joins to ARRIVE + WAIT_JOIN. A gateway with more than
// one outgoing edge is a split; otherwise it is a join.
func (em *emitter) emitGateway(n graph.Node) error {
	out := em.w.Outgoing(n.ID)

	if n.Gateway == graph.GatewayXOR {
		return em.emitXOR(n, out)
	}

	in := em.w.Incoming(n.ID)
	// A parallel or race gateway splits (several outgoing edges) or joins
	// (several incoming); one-in one-out has nothing to fork and nothing
	// to await.
	if len(out) <= 1 && len(in) <= 1 {
		return &CompileError{
			Code:    ErrBadForkArity,
			Message: fmt.Sprintf("gateway %q: needs two outgoing branches or two incoming arrivals", n.ID),
		}
	}

	if len(out) > 1 {
		// Parallel or race split.
		idx := em.emit(bytecode.Instruction{
			Op:      bytecode.OpFork,
			Sym:     n.ID,
			Targets: make([]int64, len(out)),
		})
		for b, e := range out {
			em.forkPatches = append(em.forkPatches, forkPatch{instr: idx, branch: b, target: e.To})
		}
		return nil
	}

	// Join side. Expected arrivals equal the join's indegree. A race join
	// expects exactly one arrival: the first fiber through proceeds and the
	// coordinator cancels its siblings.
	expected := len(in)
	if n.Gateway == graph.GatewayRace {
		expected = 1
	}
	em.joinExpected[n.ID] = expected
	em.emit(bytecode.Instruction{Op: bytecode.OpArrive, Sym: n.ID})
	em.emit(bytecode.Instruction{Op: bytecode.OpWaitJoin, Sym: n.ID})
	return em.emitGoto(n)
}

// emitXOR lowers an XOR gateway: one PUSH_FLAG/JMP_IF pair per conditional
// edge in declaration order, then the unconditional fallback, or RAISE when
// the author provided none.
func (em *emitter) emitXOR(n graph.Node, out []graph.Edge) error {
	var fallback *graph.Edge
	for i := range out {
		e := out[i]
		if e.ConditionFlag == "" {
			if fallback != nil {
				return &CompileError{
					Code:    ErrAmbiguousDefault,
					Message: fmt.Sprintf("xor gateway %q has multiple unconditional edges", n.ID),
				}
			}
			fallback = &out[i]
			continue
		}
		em.emit(bytecode.Instruction{Op: bytecode.OpPushFlag, Sym: e.ConditionFlag})
		em.emitJumpTo(bytecode.OpJmpIf, e.To)
	}
	if fallback != nil {
		em.emitJumpTo(bytecode.OpJmp, fallback.To)
	} else {
		em.emit(bytecode.Instruction{Op: bytecode.OpRaise, Sym: ErrorClassNoBranch, Ref: n.ID})
	}
	return nil
}

// finish patches symbolic targets and stamps the content hash.
func (em *emitter) finish(contractHash string) (*bytecode.Program, error) {
	for _, p := range em.jumpPatches {
		addr, ok := em.addrOf[p.target]
		if !ok {
			return nil, &CompileError{Code: ErrBadStructure, Message: fmt.Sprintf("jump to unlowered node %q", p.target)}
		}
		em.instrs[p.instr].N = addr
	}
	for _, p := range em.forkPatches {
		addr, ok := em.addrOf[p.target]
		if !ok {
			return nil, &CompileError{Code: ErrBadStructure, Message: fmt.Sprintf("fork to unlowered node %q", p.target)}
		}
		em.instrs[p.instr].Targets[p.branch] = addr
	}

	handlers := make(map[int64][]bytecode.ErrorHandler)
	for _, p := range em.handlerPatches {
		addr, ok := em.addrOf[p.target]
		if !ok {
			return nil, &CompileError{Code: ErrBadStructure, Message: fmt.Sprintf("handler to unlowered node %q", p.target)}
		}
		handlers[p.dispatchAddr] = append(handlers[p.dispatchAddr], bytecode.ErrorHandler{Code: p.code, Addr: addr})
	}
	// Catch-all handlers sort last within each table so exact codes win.
	for addr := range handlers {
		hs := handlers[addr]
		for i := range hs {
			if hs[i].Code == graph.CatchAllError {
				hs = append(append(hs[:i:i], hs[i+1:]...), hs[i])
				handlers[addr] = hs
				break
			}
		}
	}

	prog := &bytecode.Program{
		ProcessKey:   em.w.ProcessKey,
		Instrs:       em.instrs,
		JoinExpected: em.joinExpected,
		Handlers:     handlers,
		ContractHash: contractHash,
	}
	if err := prog.ComputeVersion(); err != nil {
		return nil, err
	}
	return prog, nil
}
