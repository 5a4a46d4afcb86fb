package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loomengine/loom/internal/bytecode"
	"github.com/loomengine/loom/internal/store"
)

// deadLetterJobName is the dead-letter namespace for job completions that
// arrive before their job exists. The completion's job key doubles as the
// correlation key.
const deadLetterJobName = "job"

// JobResult is what a worker reports back for one job key.
//
// ErrorCode empty means success. On success, Flags and CorrKeys are
// applied to the instance gated by the task's contract, and a non-empty
// Payload becomes the instance's current payload. On error only the code
// matters; error-path routing is decided by the compiled handler table.
type JobResult struct {
	ErrorCode string            `json:"error_code,omitempty"`
	Flags     map[string]bool   `json:"flags,omitempty"`
	CorrKeys  map[string]string `json:"corr_keys,omitempty"`
	Payload   []byte            `json:"payload,omitempty"`
	Message   string            `json:"message,omitempty"`
}

func encodeResult(res JobResult) ([]byte, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode job result: %w", err)
	}
	return data, nil
}

func decodeResult(data []byte) (JobResult, error) {
	var res JobResult
	if err := json.Unmarshal(data, &res); err != nil {
		return JobResult{}, fmt.Errorf("decode job result: %w", err)
	}
	return res, nil
}

// ClaimNextJob claims the next pending job for a worker, filtered to the
// given task types (nil = any). ok=false means nothing is pending.
func (e *Engine) ClaimNextJob(ctx context.Context, taskTypes []string, workerID string) (store.JobEntry, bool, error) {
	var (
		job store.JobEntry
		ok  bool
	)
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		job, ok, err = tx.ClaimNextJob(ctx, taskTypes, workerID, e.nowMilli())
		return err
	})
	return job, ok, err
}

// SubmitJobCompletion applies a worker's result for jobKey.
//
// The operation is idempotent: a key already in the dedupe cache returns
// the first stored result's effect, which is none the second time. A
// completion for a job key never dispatched is parked in the dead letter
// queue; the eventual DISPATCH/WAIT_JOB drains it. A wakeup from a
// superseded loop epoch is discarded and reported as a RuntimeError the
// caller can classify with IsStaleEpoch.
func (e *Engine) SubmitJobCompletion(ctx context.Context, jobKey string, res JobResult) error {
	job, err := e.store.GetJob(ctx, jobKey)
	if errors.Is(err, store.ErrNotFound) {
		return e.parkCompletion(ctx, jobKey, res)
	}
	if err != nil {
		return err
	}

	var (
		resume   bool
		staleErr error
	)
	err = func() error {
		unlock := e.locks.lock(job.InstanceID)
		defer unlock()

		return e.store.WithTx(ctx, func(tx *store.Tx) error {
			// Dedupe first: replays of an applied completion are absorbed
			// without touching state.
			if _, hit, err := tx.GetCompletion(ctx, jobKey); err != nil {
				return err
			} else if hit {
				e.log.Debug("duplicate completion absorbed", "job_key", jobKey)
				return nil
			}

			job, err := tx.GetJob(ctx, jobKey)
			if err != nil {
				return err
			}
			f, err := tx.GetFiber(ctx, job.InstanceID, job.FiberID)
			if err != nil {
				return err
			}
			inst, err := tx.GetInstance(ctx, job.InstanceID)
			if err != nil {
				return err
			}

			// Wakeups from a superseded loop iteration are discarded: the
			// fiber re-entered the loop and dispatched under a fresh epoch.
			if job.LoopEpoch != f.LoopEpoch {
				if err := e.discardCompletion(ctx, tx, job, res, EventStaleWakeup, map[string]any{
					"job_key":     jobKey,
					"job_epoch":   job.LoopEpoch,
					"fiber_epoch": f.LoopEpoch,
				}); err != nil {
					return err
				}
				staleErr = &RuntimeError{
					Code:       ErrCodeStaleEpoch,
					Message:    fmt.Sprintf("completion for loop epoch %d, fiber is at %d", job.LoopEpoch, f.LoopEpoch),
					InstanceID: job.InstanceID,
					FiberID:    job.FiberID,
				}
				return nil
			}
			// A cancelled or retired fiber no longer consumes completions
			// (race losers, resolved incidents).
			if f.Status != store.FiberActive || f.WaitState != store.WaitJob || f.WaitKey != jobKey {
				return e.discardCompletion(ctx, tx, job, res, EventCompletionDiscarded, map[string]any{
					"job_key":      jobKey,
					"fiber_status": string(f.Status),
				})
			}

			prog, err := e.program(ctx, inst.BytecodeVersion)
			if err != nil {
				return err
			}

			resume, err = e.applyCompletion(ctx, tx, prog, &inst, &f, job, res)
			if err != nil {
				return err
			}

			if err := tx.SaveFiber(ctx, f); err != nil {
				return err
			}
			return tx.UpdateInstance(ctx, inst)
		})
	}()
	if err != nil {
		return err
	}
	if staleErr != nil {
		return staleErr
	}

	if resume {
		return e.drain(ctx, []fiberRef{{instanceID: job.InstanceID, fiberID: job.FiberID}})
	}
	return nil
}

// parkCompletion stores a completion whose job does not exist yet.
func (e *Engine) parkCompletion(ctx context.Context, jobKey string, res JobResult) error {
	payload, err := encodeResult(res)
	if err != nil {
		return err
	}
	e.log.Warn("completion for unknown job parked", "job_key", jobKey)
	return e.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.PutDeadLetter(ctx, store.DeadLetter{
			Name:      deadLetterJobName,
			CorrKey:   jobKey,
			Payload:   payload,
			ExpiresAt: e.nowMilli() + e.deadLetterTTL.Milliseconds(),
		})
	})
}

// discardCompletion settles a job whose result can no longer be applied.
// The result is still cached so replays stay idempotent.
func (e *Engine) discardCompletion(ctx context.Context, tx *store.Tx, job store.JobEntry, res JobResult, event string, detail map[string]any) error {
	encoded, err := encodeResult(res)
	if err != nil {
		return err
	}
	if err := tx.SetJobStatus(ctx, job.JobKey, store.JobCompleted, job.RetriesRemaining); err != nil {
		return err
	}
	if err := tx.PutCompletion(ctx, job.JobKey, encoded); err != nil {
		return err
	}
	_, err = tx.AppendEvent(ctx, job.InstanceID, event, job.FiberID, detail)
	return err
}

// applyCompletion applies a final worker result to the waiting fiber.
//
// The fiber's pc is at its WAIT_JOB; the owning DISPATCH sits one
// instruction earlier, which is where the handler table is keyed.
// Mutates inst and f in place; the caller persists them. resume=true
// means the fiber is runnable again and must be driven.
//
// Retryable failures (no handler, budget left) are NOT cached: the next
// attempt's completion is a different outcome, not a replay.
func (e *Engine) applyCompletion(ctx context.Context, tx *store.Tx, prog *bytecode.Program, inst *store.Instance, f *store.Fiber, job store.JobEntry, res JobResult) (resume bool, err error) {
	waitAddr := f.PC
	dispatchAddr := waitAddr - 1

	if res.ErrorCode == "" {
		if err := e.applySuccess(ctx, tx, inst, f, job, res); err != nil {
			return false, err
		}
		f.PC = waitAddr + 1
		f.WaitState = store.WaitRunning
		f.WaitName = ""
		f.WaitKey = ""
		return true, nil
	}

	if addr, ok := prog.HandlerFor(dispatchAddr, res.ErrorCode); ok {
		encoded, err := encodeResult(res)
		if err != nil {
			return false, err
		}
		if err := tx.SetJobStatus(ctx, job.JobKey, store.JobCompleted, job.RetriesRemaining); err != nil {
			return false, err
		}
		if err := tx.PutCompletion(ctx, job.JobKey, encoded); err != nil {
			return false, err
		}
		if _, err := tx.AppendEvent(ctx, inst.InstanceID, EventJobCompleted, f.FiberID, map[string]any{
			"job_key":    job.JobKey,
			"error_code": res.ErrorCode,
			"handler":    addr,
		}); err != nil {
			return false, err
		}
		f.PC = addr
		f.WaitState = store.WaitRunning
		f.WaitName = ""
		f.WaitKey = ""
		return true, nil
	}

	if job.RetriesRemaining > 0 {
		if err := tx.SetJobStatus(ctx, job.JobKey, store.JobPending, job.RetriesRemaining-1); err != nil {
			return false, err
		}
		_, err := tx.AppendEvent(ctx, inst.InstanceID, EventJobRetry, f.FiberID, map[string]any{
			"job_key":    job.JobKey,
			"error_code": res.ErrorCode,
			"remaining":  job.RetriesRemaining - 1,
		})
		return false, err
	}

	// Retry budget exhausted and no handler: incident.
	encoded, err := encodeResult(res)
	if err != nil {
		return false, err
	}
	if err := tx.SetJobStatus(ctx, job.JobKey, store.JobFailed, 0); err != nil {
		return false, err
	}
	if err := tx.PutCompletion(ctx, job.JobKey, encoded); err != nil {
		return false, err
	}

	f.Status = store.FiberFaulted
	inc := store.Incident{
		IncidentID:    e.idgen.Generate(),
		InstanceID:    inst.InstanceID,
		FiberID:       f.FiberID,
		ServiceTaskID: job.NodeID,
		BytecodeAddr:  dispatchAddr,
		ErrorClass:    res.ErrorCode,
		Message:       res.Message,
		RetryCount:    e.retryLimit,
	}
	if err := tx.InsertIncident(ctx, inc); err != nil {
		return false, err
	}
	inst.Status = store.InstanceIncident
	_, err = tx.AppendEvent(ctx, inst.InstanceID, EventIncidentCreated, f.FiberID, map[string]any{
		"incident_id": inc.IncidentID,
		"job_key":     job.JobKey,
		"error_class": res.ErrorCode,
	})
	return false, err
}

// applySuccess applies a successful result's state effects, gated by the
// task's contract: undeclared flag writes and correlation keys are
// dropped with a warning rather than applied.
func (e *Engine) applySuccess(ctx context.Context, tx *store.Tx, inst *store.Instance, f *store.Fiber, job store.JobEntry, res JobResult) error {
	contract, hasContract := e.registry.Lookup(job.TaskType)

	for flag, v := range res.Flags {
		if hasContract && !contract.WritesFlag(flag) {
			e.log.Warn("undeclared flag write dropped",
				"task_type", job.TaskType, "flag", flag, "instance", inst.InstanceID)
			continue
		}
		if inst.Flags == nil {
			inst.Flags = map[string]bool{}
		}
		inst.Flags[flag] = v
	}
	for key, v := range res.CorrKeys {
		if hasContract && !contract.ProducesKey(key) {
			e.log.Warn("undeclared correlation key dropped",
				"task_type", job.TaskType, "key", key, "instance", inst.InstanceID)
			continue
		}
		if inst.CorrKeys == nil {
			inst.CorrKeys = map[string]string{}
		}
		inst.CorrKeys[key] = v
	}

	encoded, err := encodeResult(res)
	if err != nil {
		return err
	}
	if err := tx.SetJobStatus(ctx, job.JobKey, store.JobCompleted, job.RetriesRemaining); err != nil {
		return err
	}
	if err := tx.PutCompletion(ctx, job.JobKey, encoded); err != nil {
		return err
	}

	seq, err := tx.AppendEvent(ctx, inst.InstanceID, EventJobCompleted, f.FiberID, map[string]any{
		"job_key":   job.JobKey,
		"task_type": job.TaskType,
	})
	if err != nil {
		return err
	}
	if len(res.Payload) > 0 {
		inst.Payload = res.Payload
		inst.PayloadHash = bytecode.PayloadHash(res.Payload)
		if err := tx.AppendPayloadHistory(ctx, inst.InstanceID, seq, res.Payload, inst.PayloadHash); err != nil {
			return err
		}
	}
	return nil
}
