package engine

import (
	"context"
	"fmt"

	"github.com/loomengine/loom/internal/bytecode"
	"github.com/loomengine/loom/internal/store"
)

// SignalHumanTask completes the human task the given fiber is waiting on.
// The fiber is addressed directly, so two fibers parked on the same task
// node are unambiguous. A non-empty payload becomes the instance's
// current payload, same as a message delivery; human tasks carry no
// contract, the workflow's lint gate is the only check on what
// downstream reads.
func (e *Engine) SignalHumanTask(ctx context.Context, instanceID string, fiberID int64, payload []byte) error {
	var resume bool
	err := func() error {
		unlock := e.locks.lock(instanceID)
		defer unlock()

		return e.store.WithTx(ctx, func(tx *store.Tx) error {
			f, err := tx.GetFiber(ctx, instanceID, fiberID)
			if err != nil {
				return err
			}
			if f.Status != store.FiberActive || f.WaitState != store.WaitHuman {
				return fmt.Errorf("fiber %d on instance %s is not awaiting a human task: %w",
					fiberID, instanceID, store.ErrNotFound)
			}

			inst, err := tx.GetInstance(ctx, instanceID)
			if err != nil {
				return err
			}

			seq, err := tx.AppendEvent(ctx, instanceID, EventHumanCompleted, f.FiberID, map[string]any{
				"task": f.WaitName,
			})
			if err != nil {
				return err
			}
			if len(payload) > 0 {
				inst.Payload = payload
				inst.PayloadHash = bytecode.PayloadHash(payload)
				if err := tx.AppendPayloadHistory(ctx, instanceID, seq, payload, inst.PayloadHash); err != nil {
					return err
				}
			}

			f.PC++
			f.WaitState = store.WaitRunning
			f.WaitName = ""
			if err := tx.SaveFiber(ctx, f); err != nil {
				return err
			}
			if err := tx.UpdateInstance(ctx, inst); err != nil {
				return err
			}
			resume = true
			return nil
		})
	}()
	if err != nil {
		return err
	}

	if resume {
		return e.drain(ctx, []fiberRef{{instanceID: instanceID, fiberID: fiberID}})
	}
	return nil
}

// Snapshot is a point-in-time read of one instance and its fibers.
type Snapshot struct {
	Instance store.Instance `json:"instance"`
	Fibers   []store.Fiber  `json:"fibers"`
}

// Snapshot reads the instance and all its fibers outside any transaction.
// Reads are consistent per WAL snapshot but may race a concurrent step;
// inspection tooling, not a synchronization primitive.
func (e *Engine) Snapshot(ctx context.Context, instanceID string) (Snapshot, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return Snapshot{}, err
	}
	fibers, err := e.store.ListFibers(ctx, instanceID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Instance: inst, Fibers: fibers}, nil
}

// Events returns the instance's event log in seq order.
func (e *Engine) Events(ctx context.Context, instanceID string) ([]store.Event, error) {
	return e.store.ReadEvents(ctx, instanceID)
}

// Incidents lists incidents, optionally only open ones.
func (e *Engine) Incidents(ctx context.Context, openOnly bool) ([]store.Incident, error) {
	return e.store.ListIncidents(ctx, openOnly)
}
