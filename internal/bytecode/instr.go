package bytecode

import "fmt"

// Opcode identifies one instruction.
type Opcode string

const (
	// Stack and control flow.
	OpPushFlag    Opcode = "PUSH_FLAG"   // push bool value of flag Sym
	OpPushInt     Opcode = "PUSH_INT"    // push immediate N
	OpPushCounter Opcode = "PUSH_COUNTER" // push counter Sym
	OpNot         Opcode = "NOT"         // pop, push logical negation
	OpJmp         Opcode = "JMP"         // jump to N
	OpJmpIf       Opcode = "JMP_IF"      // pop; jump to N when truthy
	OpSetFlag     Opcode = "SET_FLAG"    // pop; store truthiness into flag Sym
	OpIncCounter  Opcode = "INC_COUNTER" // increment counter Sym
	OpStoreReg    Opcode = "STORE_REG"   // pop into register Sym
	OpLoadReg     Opcode = "LOAD_REG"    // push register Sym

	// Loop bookkeeping. Emitted at every loop header (back-edge target) so
	// wakeups belonging to a superseded iteration can be detected.
	OpEpochBump Opcode = "EPOCH_BUMP"

	// Suspension points. Nothing else in the instruction set may block.
	OpDispatch  Opcode = "DISPATCH"   // enqueue job for task type Sym at node Ref
	OpWaitJob   Opcode = "WAIT_JOB"   // suspend until job completion
	OpWaitMsg   Opcode = "WAIT_MSG"   // suspend until message Sym with corr key from Ref
	OpWaitHuman Opcode = "WAIT_HUMAN" // suspend until human signal
	OpWaitJoin  Opcode = "WAIT_JOIN"  // suspend at join barrier Sym

	// Parallelism.
	OpFork   Opcode = "FORK"   // spawn fibers at Targets; join barrier Sym
	OpArrive Opcode = "ARRIVE" // arrive at join barrier Sym

	// Termination.
	OpRaise Opcode = "RAISE" // fault with error class Sym
	OpHalt  Opcode = "HALT"  // retire the fiber
)

// Instruction is one bytecode instruction. Operand use depends on Op:
//
//	Sym     flag, counter, register, task type, message name, join id, error class
//	Ref     graph node id (DISPATCH), correlation key source (WAIT_MSG)
//	N       jump target or immediate
//	Targets fork branch addresses
type Instruction struct {
	Op      Opcode  `json:"op"`
	Sym     string  `json:"sym,omitempty"`
	Ref     string  `json:"ref,omitempty"`
	N       int64   `json:"n,omitempty"`
	Targets []int64 `json:"targets,omitempty"`
}

// canonical returns the instruction as a canonical-JSON-ready object.
// Zero operands are omitted so the encoding stays minimal and stable.
func (in Instruction) canonical() map[string]any {
	obj := map[string]any{"op": string(in.Op)}
	if in.Sym != "" {
		obj["sym"] = in.Sym
	}
	if in.Ref != "" {
		obj["ref"] = in.Ref
	}
	if in.N != 0 {
		obj["n"] = in.N
	}
	if len(in.Targets) > 0 {
		obj["targets"] = in.Targets
	}
	return obj
}

// String renders the instruction for disassembly.
func (in Instruction) String() string {
	s := string(in.Op)
	if in.Sym != "" {
		s += " " + in.Sym
	}
	if in.Ref != "" {
		s += ", " + in.Ref
	}
	switch in.Op {
	case OpJmp, OpJmpIf, OpPushInt:
		s += fmt.Sprintf(" %d", in.N)
	}
	if len(in.Targets) > 0 {
		s += " ["
		for i, t := range in.Targets {
			if i > 0 {
				s += " "
			}
			s += fmt.Sprintf("%d", t)
		}
		s += "]"
	}
	return s
}
