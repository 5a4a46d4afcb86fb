package compiler

import (
	"errors"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomengine/loom/internal/bytecode"
	"github.com/loomengine/loom/internal/contract"
	"github.com/loomengine/loom/internal/graph"
	"github.com/loomengine/loom/internal/lint"
)

func orderRegistry(t *testing.T) *contract.Registry {
	t.Helper()
	reg, err := contract.NewRegistry([]contract.Contract{
		{TaskType: "charge", WritesFlags: []string{"charged"}, MayRaise: []string{"card_declined"}},
		{TaskType: "reserve_stock"},
		{TaskType: "notify_warehouse"},
		{TaskType: "loop_task", WritesFlags: []string{"again"}},
	})
	require.NoError(t, err)
	return reg
}

// orderWorkflow: charge with an error edge, then an XOR on the charged flag.
func orderWorkflow() *graph.Workflow {
	return &graph.Workflow{
		ProcessKey: "order",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "charge", Kind: graph.KindServiceTask, TaskType: "charge"},
			{ID: "gw", Kind: graph.KindGateway, Gateway: graph.GatewayXOR},
			{ID: "done", Kind: graph.KindEnd},
			{ID: "failed", Kind: graph.KindEnd},
			{ID: "compensate", Kind: graph.KindEnd},
		},
		Edges: []graph.Edge{
			{From: "start", To: "charge"},
			{From: "charge", To: "gw"},
			{From: "charge", To: "compensate", OnErrorCode: "card_declined"},
			{From: "gw", To: "done", ConditionFlag: "charged"},
			{From: "gw", To: "failed"},
		},
	}
}

func fanoutWorkflow() *graph.Workflow {
	return &graph.Workflow{
		ProcessKey: "fanout",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "split", Kind: graph.KindGateway, Gateway: graph.GatewayAND},
			{ID: "a", Kind: graph.KindServiceTask, TaskType: "reserve_stock"},
			{ID: "b", Kind: graph.KindServiceTask, TaskType: "notify_warehouse"},
			{ID: "join", Kind: graph.KindGateway, Gateway: graph.GatewayAND},
			{ID: "end", Kind: graph.KindEnd},
		},
		Edges: []graph.Edge{
			{From: "start", To: "split"},
			{From: "split", To: "a"},
			{From: "split", To: "b"},
			{From: "a", To: "join"},
			{From: "b", To: "join"},
			{From: "join", To: "end"},
		},
	}
}

func mustCompile(t *testing.T, w *graph.Workflow) *bytecode.Program {
	t.Helper()
	prog, _, err := Compile(w, orderRegistry(t), lint.Options{})
	require.NoError(t, err)
	return prog
}

func TestCompile_ServiceTaskGolden(t *testing.T) {
	prog := mustCompile(t, orderWorkflow())
	g := goldie.New(t)
	g.Assert(t, "service_task", []byte(prog.Disassemble()))
}

func TestCompile_ParallelJoinGolden(t *testing.T) {
	prog := mustCompile(t, fanoutWorkflow())
	g := goldie.New(t)
	g.Assert(t, "parallel_join", []byte(prog.Disassemble()))

	assert.Equal(t, 2, prog.JoinExpected["join"], "AND join expects its indegree")
}

func TestCompile_Deterministic(t *testing.T) {
	a := mustCompile(t, orderWorkflow())
	b := mustCompile(t, orderWorkflow())
	assert.Equal(t, a.Version, b.Version, "same graph and contracts must yield the same version")
	assert.Equal(t, a.Instrs, b.Instrs)
}

func TestCompile_VersionTracksContracts(t *testing.T) {
	a := mustCompile(t, orderWorkflow())

	reg, err := contract.NewRegistry([]contract.Contract{
		{TaskType: "charge", WritesFlags: []string{"charged", "receipt_sent"}, MayRaise: []string{"card_declined"}},
	})
	require.NoError(t, err)
	b, _, err := Compile(orderWorkflow(), reg, lint.Options{})
	require.NoError(t, err)

	assert.NotEqual(t, a.Version, b.Version, "contract change must change the version")
}

func TestCompile_LintErrorsBlock(t *testing.T) {
	w := orderWorkflow()
	w.Edges[3].ConditionFlag = "never_written"

	_, diags, err := Compile(w, orderRegistry(t), lint.Options{})
	require.Error(t, err)

	var cerr *CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, ErrLintBlocked, cerr.Code)
	assert.True(t, lint.HasErrors(diags), "blocking diagnostics are returned to the caller")
}

func TestCompile_StructuralErrorsBlock(t *testing.T) {
	w := orderWorkflow()
	w.Edges = append(w.Edges, graph.Edge{From: "gw", To: "ghost"})

	_, _, err := Compile(w, orderRegistry(t), lint.Options{})
	var cerr *CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, ErrBadStructure, cerr.Code)
}

func TestCompile_LoopHeaderBumpsEpoch(t *testing.T) {
	w := &graph.Workflow{
		ProcessKey: "retry_loop",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "work", Kind: graph.KindServiceTask, TaskType: "loop_task"},
			{ID: "gw", Kind: graph.KindGateway, Gateway: graph.GatewayXOR},
			{ID: "end", Kind: graph.KindEnd},
		},
		Edges: []graph.Edge{
			{From: "start", To: "work"},
			{From: "work", To: "gw"},
			{From: "gw", To: "work", ConditionFlag: "again"},
			{From: "gw", To: "end"},
		},
	}

	prog := mustCompile(t, w)

	// The back-edge target opens with EPOCH_BUMP, and the loop jump lands
	// on it so every re-entry bumps.
	require.Equal(t, bytecode.OpEpochBump, prog.Instrs[1].Op)
	var loopJmp *bytecode.Instruction
	for i := range prog.Instrs {
		if prog.Instrs[i].Op == bytecode.OpJmpIf {
			loopJmp = &prog.Instrs[i]
		}
	}
	require.NotNil(t, loopJmp)
	assert.Equal(t, int64(1), loopJmp.N)
}

func TestCompile_XORWithoutFallbackRaises(t *testing.T) {
	w := orderWorkflow()
	w.Edges[4].ConditionFlag = "charged" // no unconditional edge left

	prog := mustCompile(t, w)

	var raise *bytecode.Instruction
	for i := range prog.Instrs {
		if prog.Instrs[i].Op == bytecode.OpRaise {
			raise = &prog.Instrs[i]
		}
	}
	require.NotNil(t, raise, "XOR with no fallback must lower to RAISE")
	assert.Equal(t, ErrorClassNoBranch, raise.Sym)
	assert.Equal(t, "gw", raise.Ref)
}

func TestCompile_AmbiguousDefaultRejected(t *testing.T) {
	w := orderWorkflow()
	w.Edges = append(w.Edges, graph.Edge{From: "gw", To: "done"})

	_, _, err := Compile(w, orderRegistry(t), lint.Options{})
	var cerr *CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, ErrAmbiguousDefault, cerr.Code)
}

func TestCompile_DegenerateParallelGatewayRejected(t *testing.T) {
	// One edge in, one edge out: the gateway neither forks nor joins.
	w := &graph.Workflow{
		ProcessKey: "pass_through",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "gw", Kind: graph.KindGateway, Gateway: graph.GatewayAND},
			{ID: "end", Kind: graph.KindEnd},
		},
		Edges: []graph.Edge{
			{From: "start", To: "gw"},
			{From: "gw", To: "end"},
		},
	}

	_, _, err := Compile(w, orderRegistry(t), lint.Options{})
	var cerr *CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, ErrBadForkArity, cerr.Code)
}

func TestCompile_RaceJoinExpectsOne(t *testing.T) {
	w := fanoutWorkflow()
	w.Nodes[1].Gateway = graph.GatewayRace
	w.Nodes[4].Gateway = graph.GatewayRace

	prog := mustCompile(t, w)
	assert.Equal(t, 1, prog.JoinExpected["join"], "race join fires on the first arrival")
}

func TestCompile_CatchAllOrderedLast(t *testing.T) {
	w := orderWorkflow()
	// Declare the wildcard first; the compiled table must still try the
	// exact code before it.
	w.Edges = append(w.Edges[:2:2],
		graph.Edge{From: "charge", To: "failed", OnErrorCode: graph.CatchAllError},
		graph.Edge{From: "charge", To: "compensate", OnErrorCode: "card_declined"},
		w.Edges[3], w.Edges[4],
	)

	prog := mustCompile(t, w)

	var dispatchAddr int64 = -1
	for i := range prog.Instrs {
		if prog.Instrs[i].Op == bytecode.OpDispatch {
			dispatchAddr = int64(i)
		}
	}
	require.NotEqual(t, int64(-1), dispatchAddr)

	hs := prog.HandlersAt(dispatchAddr)
	require.Len(t, hs, 2)
	assert.Equal(t, "card_declined", hs[0].Code)
	assert.Equal(t, graph.CatchAllError, hs[1].Code)
}
