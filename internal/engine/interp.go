package engine

import (
	"context"
	"fmt"

	"github.com/loomengine/loom/internal/bytecode"
	"github.com/loomengine/loom/internal/store"
)

// stepFiber runs one fiber from its persisted pc until it suspends,
// retires, or faults. Everything the step touches commits in one
// transaction; a crash mid-step rolls back to the previous suspension
// point and recovery re-drives the fiber from there.
//
// Returns refs for fibers the step made ready (fork children). A blown
// step quota commits its incident first and then surfaces as a
// RuntimeError the caller can classify with IsQuotaError.
func (e *Engine) stepFiber(ctx context.Context, ref fiberRef) ([]fiberRef, error) {
	unlock := e.locks.lock(ref.instanceID)
	defer unlock()

	var (
		spawned  []fiberRef
		quotaErr error
	)
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		f, err := tx.GetFiber(ctx, ref.instanceID, ref.fiberID)
		if err != nil {
			return err
		}
		// Stale ref: the fiber was retired or suspended by an earlier
		// entry in the drive queue (join absorption, race cancel).
		if f.Status != store.FiberActive || f.WaitState != store.WaitRunning {
			return nil
		}

		inst, err := tx.GetInstance(ctx, ref.instanceID)
		if err != nil {
			return err
		}
		if inst.Status != store.InstanceRunning {
			return nil
		}

		prog, err := e.program(ctx, inst.BytecodeVersion)
		if err != nil {
			return err
		}

		s := &step{e: e, ctx: ctx, tx: tx, prog: prog, inst: &inst, fiber: &f}
		spawned, err = s.run()
		if s.quotaErr != nil {
			quotaErr = s.quotaErr
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("step fiber %s/%d: %w", ref.instanceID, ref.fiberID, err)
	}
	if quotaErr != nil {
		return spawned, quotaErr
	}
	return spawned, nil
}

// step is the in-transaction interpreter state for one fiber resume.
type step struct {
	e     *Engine
	ctx   context.Context
	tx    *store.Tx
	prog  *bytecode.Program
	inst  *store.Instance
	fiber *store.Fiber

	// firedJoins records barriers fired by an ARRIVE in this step, so the
	// following WAIT_JOIN falls through instead of suspending. Arrival and
	// the join check always execute in the same step; a fiber that
	// suspended at an unfired barrier is retired by the firing arrival,
	// never re-run.
	firedJoins map[string]bool

	// quotaErr carries a step-quota fault out of the transaction: the
	// incident commits, then the caller receives the classified error.
	quotaErr *RuntimeError

	spawned []fiberRef
}

// run interprets instructions until the fiber suspends or terminates,
// then persists the fiber and instance state.
func (s *step) run() ([]fiberRef, error) {
	f := s.fiber
	inst := s.inst

	for steps := 0; ; steps++ {
		if steps >= s.e.maxSteps {
			qErr := NewQuotaError(inst.InstanceID, f.FiberID, steps, s.e.maxSteps)
			if err := s.fault("quota_exceeded", qErr.Message, ""); err != nil {
				return nil, err
			}
			s.e.log.Warn("step quota exceeded",
				"instance", inst.InstanceID, "fiber", f.FiberID, "pc", f.PC)
			s.quotaErr = qErr
			return s.finish()
		}
		if f.PC < 0 || f.PC >= int64(len(s.prog.Instrs)) {
			return nil, &RuntimeError{
				Code:       ErrCodeBadProgram,
				Message:    fmt.Sprintf("pc %d out of range [0,%d)", f.PC, len(s.prog.Instrs)),
				InstanceID: inst.InstanceID,
				FiberID:    f.FiberID,
			}
		}

		in := s.prog.Instrs[f.PC]
		switch in.Op {

		case bytecode.OpPushFlag:
			s.push(bool01(inst.Flags[in.Sym]))
			f.PC++

		case bytecode.OpPushInt:
			s.push(in.N)
			f.PC++

		case bytecode.OpPushCounter:
			s.push(inst.Counters[in.Sym])
			f.PC++

		case bytecode.OpNot:
			v, err := s.pop()
			if err != nil {
				return nil, err
			}
			s.push(bool01(v == 0))
			f.PC++

		case bytecode.OpJmp:
			f.PC = in.N

		case bytecode.OpJmpIf:
			v, err := s.pop()
			if err != nil {
				return nil, err
			}
			if v != 0 {
				f.PC = in.N
			} else {
				f.PC++
			}

		case bytecode.OpSetFlag:
			v, err := s.pop()
			if err != nil {
				return nil, err
			}
			if inst.Flags == nil {
				inst.Flags = map[string]bool{}
			}
			inst.Flags[in.Sym] = v != 0
			f.PC++

		case bytecode.OpIncCounter:
			if inst.Counters == nil {
				inst.Counters = map[string]int64{}
			}
			inst.Counters[in.Sym]++
			f.PC++

		case bytecode.OpStoreReg:
			v, err := s.pop()
			if err != nil {
				return nil, err
			}
			if f.Regs == nil {
				f.Regs = map[string]int64{}
			}
			f.Regs[in.Sym] = v
			f.PC++

		case bytecode.OpLoadReg:
			s.push(f.Regs[in.Sym])
			f.PC++

		case bytecode.OpEpochBump:
			f.LoopEpoch++
			f.PC++

		case bytecode.OpDispatch:
			if err := s.dispatch(in); err != nil {
				return nil, err
			}
			f.PC++

		case bytecode.OpWaitJob:
			done, err := s.waitJob()
			if err != nil {
				return nil, err
			}
			if done {
				return s.finish()
			}
			// An early completion was parked and applied inline; the
			// fiber keeps running from wherever it landed.

		case bytecode.OpWaitMsg:
			done, err := s.waitMessage(in)
			if err != nil {
				return nil, err
			}
			if done {
				return s.finish()
			}

		case bytecode.OpWaitHuman:
			f.WaitState = store.WaitHuman
			f.WaitName = in.Ref
			f.WaitKey = ""
			return s.finish()

		case bytecode.OpFork:
			if err := s.fork(in); err != nil {
				return nil, err
			}
			return s.finish()

		case bytecode.OpArrive:
			done, err := s.arrive(in.Sym)
			if err != nil {
				return nil, err
			}
			if done {
				return s.finish()
			}
			f.PC++

		case bytecode.OpWaitJoin:
			if s.firedJoins[in.Sym] {
				f.PC++
				continue
			}
			f.WaitState = store.WaitJoin
			f.WaitName = in.Sym
			f.WaitKey = ""
			return s.finish()

		case bytecode.OpRaise:
			if err := s.fault(in.Sym, fmt.Sprintf("raised at %04d", f.PC), ""); err != nil {
				return nil, err
			}
			return s.finish()

		case bytecode.OpHalt:
			if err := s.retireFiber(EventFiberRetired, map[string]any{"pc": f.PC}); err != nil {
				return nil, err
			}
			return s.finish()

		default:
			return nil, &RuntimeError{
				Code:       ErrCodeBadProgram,
				Message:    fmt.Sprintf("unknown opcode %q at %04d", in.Op, f.PC),
				InstanceID: inst.InstanceID,
				FiberID:    f.FiberID,
			}
		}
	}
}

// finish persists the fiber and instance and, when no active fibers
// remain, completes the instance.
func (s *step) finish() ([]fiberRef, error) {
	if err := s.tx.SaveFiber(s.ctx, *s.fiber); err != nil {
		return nil, err
	}
	if err := s.maybeCompleteInstance(); err != nil {
		return nil, err
	}
	if err := s.tx.UpdateInstance(s.ctx, *s.inst); err != nil {
		return nil, err
	}
	return s.spawned, nil
}

func (s *step) push(v int64) {
	s.fiber.Stack = append(s.fiber.Stack, v)
}

func (s *step) pop() (int64, error) {
	n := len(s.fiber.Stack)
	if n == 0 {
		return 0, &RuntimeError{
			Code:       ErrCodeBadProgram,
			Message:    fmt.Sprintf("stack underflow at %04d", s.fiber.PC),
			InstanceID: s.inst.InstanceID,
			FiberID:    s.fiber.FiberID,
		}
	}
	v := s.fiber.Stack[n-1]
	s.fiber.Stack = s.fiber.Stack[:n-1]
	return v, nil
}

func bool01(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// dispatch enqueues the service-task job under its deterministic key and
// records the key on the fiber for the following WAIT_JOB. Re-executing
// after a crash re-derives the same key and the insert is a no-op.
func (s *step) dispatch(in bytecode.Instruction) error {
	jobKey, err := bytecode.JobKey(s.inst.InstanceID, in.Ref, s.fiber.LoopEpoch, s.inst.PayloadHash)
	if err != nil {
		return err
	}

	inserted, err := s.tx.InsertJob(s.ctx, store.JobEntry{
		JobKey:           jobKey,
		InstanceID:       s.inst.InstanceID,
		FiberID:          s.fiber.FiberID,
		NodeID:           in.Ref,
		TaskType:         in.Sym,
		Payload:          s.inst.Payload,
		PayloadHash:      s.inst.PayloadHash,
		LoopEpoch:        s.fiber.LoopEpoch,
		RetriesRemaining: s.e.retryLimit,
		Status:           store.JobPending,
	})
	if err != nil {
		return err
	}

	s.fiber.WaitName = in.Sym
	s.fiber.WaitKey = jobKey

	if inserted {
		_, err = s.tx.AppendEvent(s.ctx, s.inst.InstanceID, EventJobDispatched, s.fiber.FiberID, map[string]any{
			"job_key":   jobKey,
			"node_id":   in.Ref,
			"task_type": in.Sym,
			"epoch":     s.fiber.LoopEpoch,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// waitJob suspends the fiber on its dispatched job, unless a completion
// for the key was parked in the dead letter queue before the dispatch
// landed. Parked completions are applied inline; done=false means the
// fiber keeps running.
func (s *step) waitJob() (done bool, err error) {
	f := s.fiber
	jobKey := f.WaitKey

	d, found, err := s.tx.ConsumeDeadLetter(s.ctx, deadLetterJobName, jobKey, s.e.nowMilli())
	if err != nil {
		return false, err
	}
	if found {
		if _, err := s.tx.AppendEvent(s.ctx, s.inst.InstanceID, EventDeadLetterConsumed, f.FiberID, map[string]any{
			"name":     deadLetterJobName,
			"corr_key": jobKey,
		}); err != nil {
			return false, err
		}
		res, err := decodeResult(d.Payload)
		if err != nil {
			return false, err
		}
		job, err := s.tx.GetJob(s.ctx, jobKey)
		if err != nil {
			return false, err
		}
		resume, err := s.e.applyCompletion(s.ctx, s.tx, s.prog, s.inst, f, job, res)
		if err != nil {
			return false, err
		}
		if resume {
			return false, nil
		}
		// Retry path: the parked result burned one attempt; suspend so
		// the next worker completion finds the waiter.
		if f.Status == store.FiberActive {
			f.WaitState = store.WaitJob
		}
		return true, nil
	}

	f.WaitState = store.WaitJob
	return true, nil
}

// waitMessage suspends on (name, corr key), first draining any parked
// delivery for the pair. The correlation key value comes from the
// instance's produced keys, falling back to its correlation id.
func (s *step) waitMessage(in bytecode.Instruction) (done bool, err error) {
	f := s.fiber
	corrKey := s.inst.CorrKeys[in.Ref]
	if corrKey == "" {
		corrKey = s.inst.CorrelationID
	}

	d, found, err := s.tx.ConsumeDeadLetter(s.ctx, in.Sym, corrKey, s.e.nowMilli())
	if err != nil {
		return false, err
	}
	if found {
		if _, err := s.tx.AppendEvent(s.ctx, s.inst.InstanceID, EventDeadLetterConsumed, f.FiberID, map[string]any{
			"name":     in.Sym,
			"corr_key": corrKey,
		}); err != nil {
			return false, err
		}
		if err := s.applyMessage(d.Payload, in.Sym, corrKey); err != nil {
			return false, err
		}
		f.PC++
		return false, nil
	}

	f.WaitState = store.WaitMessage
	f.WaitName = in.Sym
	f.WaitKey = corrKey
	return true, nil
}

// applyMessage records a received message and, when it carries a payload,
// makes that payload the instance's current one.
func (s *step) applyMessage(payload []byte, name, corrKey string) error {
	seq, err := s.tx.AppendEvent(s.ctx, s.inst.InstanceID, EventMessageReceived, s.fiber.FiberID, map[string]any{
		"name":     name,
		"corr_key": corrKey,
	})
	if err != nil {
		return err
	}
	if len(payload) > 0 {
		s.inst.Payload = payload
		s.inst.PayloadHash = bytecode.PayloadHash(payload)
		if err := s.tx.AppendPayloadHistory(s.ctx, s.inst.InstanceID, seq, payload, s.inst.PayloadHash); err != nil {
			return err
		}
	}
	return nil
}

// fork spawns one child fiber per target and retires the parent. Children
// inherit the loop epoch; registers start empty, branch-local state is
// whatever the branch computes.
func (s *step) fork(in bytecode.Instruction) error {
	f := s.fiber

	next, err := s.nextFiberID()
	if err != nil {
		return err
	}

	group := in.Sym
	for _, target := range in.Targets {
		child := store.Fiber{
			InstanceID: s.inst.InstanceID,
			FiberID:    next,
			PC:         target,
			Regs:       map[string]int64{},
			WaitState:  store.WaitRunning,
			LoopEpoch:  f.LoopEpoch,
			ForkGroup:  group,
			Status:     store.FiberActive,
		}
		if err := s.tx.SaveFiber(s.ctx, child); err != nil {
			return err
		}
		if _, err := s.tx.AppendEvent(s.ctx, s.inst.InstanceID, EventFiberForked, next, map[string]any{
			"parent": f.FiberID,
			"pc":     target,
			"group":  group,
		}); err != nil {
			return err
		}
		s.spawned = append(s.spawned, fiberRef{instanceID: s.inst.InstanceID, fiberID: next})
		next++
	}

	return s.retireFiber(EventFiberRetired, map[string]any{"forked": group})
}

// arrive registers this fiber's arrival at the join barrier. done=true
// means the fiber terminated here (absorbed by an already-fired barrier);
// otherwise it proceeds to the WAIT_JOIN that follows.
func (s *step) arrive(joinID string) (done bool, err error) {
	f := s.fiber

	count, fired, err := s.tx.Arrive(s.ctx, s.inst.InstanceID, joinID)
	if err != nil {
		return false, err
	}
	if fired {
		// Late arrival after the barrier fired: absorbed, exactly-once
		// continuation already happened.
		if _, err := s.tx.AppendEvent(s.ctx, s.inst.InstanceID, EventJoinAbsorbed, f.FiberID, map[string]any{
			"join": joinID,
		}); err != nil {
			return false, err
		}
		f.Status = store.FiberRetired
		f.WaitState = store.WaitRunning
		return true, nil
	}

	expected := int64(s.prog.JoinExpected[joinID])
	if expected == 0 {
		return false, &RuntimeError{
			Code:       ErrCodeBadProgram,
			Message:    fmt.Sprintf("arrive at unknown join %q", joinID),
			InstanceID: s.inst.InstanceID,
			FiberID:    f.FiberID,
		}
	}
	if count < expected {
		return false, nil
	}

	// This arrival fires the barrier. Earlier arrivers parked at the
	// barrier retire; in race mode siblings still running are cancelled.
	if err := s.tx.MarkBarrierFired(s.ctx, s.inst.InstanceID, joinID); err != nil {
		return false, err
	}
	if s.firedJoins == nil {
		s.firedJoins = map[string]bool{}
	}
	s.firedJoins[joinID] = true
	if _, err := s.tx.AppendEvent(s.ctx, s.inst.InstanceID, EventJoinFired, f.FiberID, map[string]any{
		"join":  joinID,
		"count": count,
	}); err != nil {
		return false, err
	}

	siblings, err := s.tx.ListFibers(s.ctx, s.inst.InstanceID)
	if err != nil {
		return false, err
	}
	race := expected == 1
	for _, sib := range siblings {
		if sib.FiberID == f.FiberID || sib.Status != store.FiberActive {
			continue
		}
		switch {
		case sib.WaitState == store.WaitJoin && sib.WaitName == joinID:
			sib.Status = store.FiberRetired
			if err := s.retireOther(sib, EventFiberRetired, map[string]any{"join": joinID}); err != nil {
				return false, err
			}
		case race && sib.ForkGroup == f.ForkGroup && f.ForkGroup != "":
			sib.Status = store.FiberCancelled
			if err := s.retireOther(sib, EventFiberCancelled, map[string]any{"race": joinID}); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

// retireOther persists a terminal state for a fiber other than the one
// being stepped.
func (s *step) retireOther(f store.Fiber, event string, detail map[string]any) error {
	if err := s.tx.SaveFiber(s.ctx, f); err != nil {
		return err
	}
	_, err := s.tx.AppendEvent(s.ctx, s.inst.InstanceID, event, f.FiberID, detail)
	return err
}

// retireFiber marks the stepped fiber retired and logs the event.
func (s *step) retireFiber(event string, detail map[string]any) error {
	s.fiber.Status = store.FiberRetired
	s.fiber.WaitState = store.WaitRunning
	s.fiber.WaitName = ""
	s.fiber.WaitKey = ""
	_, err := s.tx.AppendEvent(s.ctx, s.inst.InstanceID, event, s.fiber.FiberID, detail)
	return err
}

// fault faults the stepped fiber, opens an incident and moves the
// instance to incident status.
func (s *step) fault(errorClass, message, serviceTaskID string) error {
	f := s.fiber
	f.Status = store.FiberFaulted

	inc := store.Incident{
		IncidentID:    s.e.idgen.Generate(),
		InstanceID:    s.inst.InstanceID,
		FiberID:       f.FiberID,
		ServiceTaskID: serviceTaskID,
		BytecodeAddr:  f.PC,
		ErrorClass:    errorClass,
		Message:       message,
	}
	if err := s.tx.InsertIncident(s.ctx, inc); err != nil {
		return err
	}
	s.inst.Status = store.InstanceIncident

	_, err := s.tx.AppendEvent(s.ctx, s.inst.InstanceID, EventIncidentCreated, f.FiberID, map[string]any{
		"incident_id": inc.IncidentID,
		"error_class": errorClass,
		"addr":        f.PC,
	})
	return err
}

// maybeCompleteInstance completes the instance once no active fiber
// remains. The stepped fiber must already be saved.
func (s *step) maybeCompleteInstance() error {
	if s.inst.Status != store.InstanceRunning {
		return nil
	}
	fibers, err := s.tx.ListFibers(s.ctx, s.inst.InstanceID)
	if err != nil {
		return err
	}
	for _, f := range fibers {
		if f.Status == store.FiberActive {
			return nil
		}
	}
	s.inst.Status = store.InstanceCompleted
	_, err = s.tx.AppendEvent(s.ctx, s.inst.InstanceID, EventInstanceCompleted, instanceLevelFiber, nil)
	return err
}

// nextFiberID returns the smallest unused fiber id for the instance.
func (s *step) nextFiberID() (int64, error) {
	fibers, err := s.tx.ListFibers(s.ctx, s.inst.InstanceID)
	if err != nil {
		return 0, err
	}
	var max int64 = -1
	for _, f := range fibers {
		if f.FiberID > max {
			max = f.FiberID
		}
	}
	return max + 1, nil
}
