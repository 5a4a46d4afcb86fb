package engine

import (
	"context"

	"github.com/loomengine/loom/internal/store"
)

// RecoveryReport summarizes what startup recovery did.
type RecoveryReport struct {
	FibersResumed  int
	ClaimsReleased int64
}

// Recover re-drives fibers that were mid-step when the process died and
// releases job claims whose worker never reported back.
//
// A fiber persisted in the running wait state can only mean a crash: live
// execution always commits a suspension or terminal state at the end of a
// step. Re-driving from the persisted pc is safe because the interrupted
// step's transaction rolled back, and re-executed DISPATCHes re-derive
// the same job keys.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		cutoff := e.nowMilli() - e.claimTTL.Milliseconds()
		n, err := tx.ReleaseExpiredClaims(ctx, cutoff)
		if err != nil {
			return err
		}
		report.ClaimsReleased = n
		return nil
	})
	if err != nil {
		return report, err
	}

	fibers, err := e.store.ListRunningFibers(ctx)
	if err != nil {
		return report, err
	}

	refs := make([]fiberRef, 0, len(fibers))
	for _, f := range fibers {
		refs = append(refs, fiberRef{instanceID: f.InstanceID, fiberID: f.FiberID})
	}
	report.FibersResumed = len(refs)

	if len(refs) > 0 {
		e.log.Info("recovering interrupted fibers", "count", len(refs))
		if err := e.drain(ctx, refs); err != nil {
			return report, err
		}
	}
	if report.ClaimsReleased > 0 {
		e.log.Info("released expired job claims", "count", report.ClaimsReleased)
	}
	return report, nil
}
