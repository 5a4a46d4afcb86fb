package engine

import (
	"context"

	"github.com/loomengine/loom/internal/bytecode"
	"github.com/loomengine/loom/internal/store"
)

// DeliverMessage routes an external message to the fiber awaiting
// (name, corrKey). With no waiter the delivery parks in the dead letter
// queue; a fiber reaching the matching WAIT_MSG within the TTL consumes
// it, otherwise SweepDeadLetters reports it as unresolved.
//
// Sources are at-least-once: redelivering an already-consumed message
// either finds no waiter (parks, then expires) or wakes a later waiter
// on the same pair, which is the documented semantics of reusing a
// correlation key.
func (e *Engine) DeliverMessage(ctx context.Context, name, corrKey string, payload []byte) error {
	// Locate the waiter first; the per-instance lock can only be taken
	// once the instance is known.
	var (
		waiter store.Fiber
		found  bool
	)
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		waiter, found, err = tx.FindMessageWaiter(ctx, name, corrKey)
		return err
	})
	if err != nil {
		return err
	}

	if !found {
		e.log.Info("message parked, no waiter", "name", name, "corr_key", corrKey)
		return e.store.WithTx(ctx, func(tx *store.Tx) error {
			return tx.PutDeadLetter(ctx, store.DeadLetter{
				Name:      name,
				CorrKey:   corrKey,
				Payload:   payload,
				ExpiresAt: e.nowMilli() + e.deadLetterTTL.Milliseconds(),
			})
		})
	}

	var resume bool
	err = func() error {
		unlock := e.locks.lock(waiter.InstanceID)
		defer unlock()

		return e.store.WithTx(ctx, func(tx *store.Tx) error {
			// Re-check under the lock: the waiter may have been cancelled
			// or woken between the lookup and here.
			f, err := tx.GetFiber(ctx, waiter.InstanceID, waiter.FiberID)
			if err != nil {
				return err
			}
			if f.Status != store.FiberActive || f.WaitState != store.WaitMessage ||
				f.WaitName != name || f.WaitKey != corrKey {
				return tx.PutDeadLetter(ctx, store.DeadLetter{
					Name:      name,
					CorrKey:   corrKey,
					Payload:   payload,
					ExpiresAt: e.nowMilli() + e.deadLetterTTL.Milliseconds(),
				})
			}

			inst, err := tx.GetInstance(ctx, f.InstanceID)
			if err != nil {
				return err
			}

			seq, err := tx.AppendEvent(ctx, inst.InstanceID, EventMessageReceived, f.FiberID, map[string]any{
				"name":     name,
				"corr_key": corrKey,
			})
			if err != nil {
				return err
			}
			if len(payload) > 0 {
				inst.Payload = payload
				inst.PayloadHash = bytecode.PayloadHash(payload)
				if err := tx.AppendPayloadHistory(ctx, inst.InstanceID, seq, payload, inst.PayloadHash); err != nil {
					return err
				}
			}

			f.PC++
			f.WaitState = store.WaitRunning
			f.WaitName = ""
			f.WaitKey = ""
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
		return e.drain(ctx, []fiberRef{{instanceID: waiter.InstanceID, fiberID: waiter.FiberID}})
	}
	return nil
}

// SweepDeadLetters purges expired parked deliveries and returns them so
// callers can surface unresolved traffic.
func (e *Engine) SweepDeadLetters(ctx context.Context) ([]store.DeadLetter, error) {
	var expired []store.DeadLetter
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		expired, err = tx.PurgeExpired(ctx, e.nowMilli())
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, d := range expired {
		e.log.Warn("dead letter expired unresolved", "name", d.Name, "corr_key", d.CorrKey)
	}
	return expired, nil
}
