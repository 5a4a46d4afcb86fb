package engine

import (
	"context"
	"fmt"

	"github.com/loomengine/loom/internal/bytecode"
	"github.com/loomengine/loom/internal/store"
)

// StartInstance creates a process instance pinned to the given bytecode
// version and drives its root fiber to the first suspension point.
// Returns the new instance id.
//
// The version pin is permanent: mid-flight instances never migrate to a
// newer compile of the same workflow.
func (e *Engine) StartInstance(ctx context.Context, version string, payload []byte, correlationID string) (string, error) {
	prog, err := e.program(ctx, version)
	if err != nil {
		return "", err
	}

	instanceID := e.idgen.Generate()
	inst := store.Instance{
		InstanceID:      instanceID,
		ProcessKey:      prog.ProcessKey,
		BytecodeVersion: version,
		Payload:         payload,
		PayloadHash:     bytecode.PayloadHash(payload),
		Flags:           map[string]bool{},
		Counters:        map[string]int64{},
		JoinExpected:    prog.JoinExpected,
		CorrKeys:        map[string]string{},
		CorrelationID:   correlationID,
		Status:          store.InstanceRunning,
	}

	err = func() error {
		unlock := e.locks.lock(instanceID)
		defer unlock()

		return e.store.WithTx(ctx, func(tx *store.Tx) error {
			if err := tx.InsertInstance(ctx, inst); err != nil {
				return err
			}
			root := store.Fiber{
				InstanceID: instanceID,
				FiberID:    0,
				PC:         0,
				Regs:       map[string]int64{},
				WaitState:  store.WaitRunning,
				Status:     store.FiberActive,
			}
			if err := tx.SaveFiber(ctx, root); err != nil {
				return err
			}
			seq, err := tx.AppendEvent(ctx, instanceID, EventInstanceCreated, instanceLevelFiber, map[string]any{
				"process_key": prog.ProcessKey,
				"version":     version,
			})
			if err != nil {
				return err
			}
			return tx.AppendPayloadHistory(ctx, instanceID, seq, payload, inst.PayloadHash)
		})
	}()
	if err != nil {
		return "", fmt.Errorf("start instance: %w", err)
	}

	e.log.Info("instance started",
		"instance", instanceID, "process_key", prog.ProcessKey, "version", version)

	if err := e.drain(ctx, []fiberRef{{instanceID: instanceID, fiberID: 0}}); err != nil {
		return instanceID, err
	}
	return instanceID, nil
}

// CancelInstance cancels a running instance: every active fiber is
// cancelled and the instance goes terminal. Pending jobs of the instance
// settle as discarded completions when workers report back.
func (e *Engine) CancelInstance(ctx context.Context, instanceID string) error {
	unlock := e.locks.lock(instanceID)
	defer unlock()

	return e.store.WithTx(ctx, func(tx *store.Tx) error {
		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status != store.InstanceRunning && inst.Status != store.InstanceIncident {
			return fmt.Errorf("instance %s is %s, not cancellable", instanceID, inst.Status)
		}

		fibers, err := tx.ListFibers(ctx, instanceID)
		if err != nil {
			return err
		}
		for _, f := range fibers {
			if f.Status != store.FiberActive && f.Status != store.FiberFaulted {
				continue
			}
			f.Status = store.FiberCancelled
			if err := tx.SaveFiber(ctx, f); err != nil {
				return err
			}
			if _, err := tx.AppendEvent(ctx, instanceID, EventFiberCancelled, f.FiberID, nil); err != nil {
				return err
			}
		}

		inst.Status = store.InstanceCancelled
		if _, err := tx.AppendEvent(ctx, instanceID, EventInstanceCancelled, instanceLevelFiber, nil); err != nil {
			return err
		}
		return tx.UpdateInstance(ctx, inst)
	})
}
