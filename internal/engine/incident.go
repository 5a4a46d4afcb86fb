package engine

import (
	"context"
	"fmt"

	"github.com/loomengine/loom/internal/store"
)

// Resolution is an operator's decision on an open incident.
type Resolution string

const (
	// ResolutionRetry re-arms the faulted fiber: the failed job requeues
	// with a fresh retry budget and the instance resumes.
	ResolutionRetry Resolution = "retry"

	// ResolutionCancel abandons the instance.
	ResolutionCancel Resolution = "cancel"
)

// ResolveIncident closes an open incident with the operator's decision.
func (e *Engine) ResolveIncident(ctx context.Context, incidentID string, res Resolution) error {
	inc, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	if inc.ResolvedAt != 0 {
		return fmt.Errorf("incident %s already resolved (%s)", incidentID, inc.Resolution)
	}

	switch res {
	case ResolutionRetry:
		return e.resolveRetry(ctx, inc)
	case ResolutionCancel:
		if err := e.closeIncident(ctx, inc, res); err != nil {
			return err
		}
		return e.CancelInstance(ctx, inc.InstanceID)
	default:
		return fmt.Errorf("unknown resolution %q", res)
	}
}

func (e *Engine) closeIncident(ctx context.Context, inc store.Incident, res Resolution) error {
	unlock := e.locks.lock(inc.InstanceID)
	defer unlock()

	return e.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.ResolveIncident(ctx, inc.IncidentID, string(res), e.nowMilli()); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, inc.InstanceID, EventIncidentResolved, inc.FiberID, map[string]any{
			"incident_id": inc.IncidentID,
			"resolution":  string(res),
		})
		return err
	})
}

// resolveRetry puts the faulted fiber back on its WAIT_JOB, requeues the
// failed job with a fresh budget and resumes the instance. Only incidents
// raised from a service-task failure carry a requeueable job; RAISE and
// quota incidents have nothing to retry.
func (e *Engine) resolveRetry(ctx context.Context, inc store.Incident) error {
	err := func() error {
		unlock := e.locks.lock(inc.InstanceID)
		defer unlock()

		return e.store.WithTx(ctx, func(tx *store.Tx) error {
			f, err := tx.GetFiber(ctx, inc.InstanceID, inc.FiberID)
			if err != nil {
				return err
			}
			if f.Status != store.FiberFaulted {
				return fmt.Errorf("fiber %s/%d is %s, not faulted", inc.InstanceID, inc.FiberID, f.Status)
			}
			if f.WaitKey == "" {
				return fmt.Errorf("incident %s has no job to retry", inc.IncidentID)
			}

			if err := tx.ResolveIncident(ctx, inc.IncidentID, string(ResolutionRetry), e.nowMilli()); err != nil {
				return err
			}
			if err := tx.SetJobStatus(ctx, f.WaitKey, store.JobPending, e.retryLimit); err != nil {
				return err
			}
			// The exhausted failure was cached for idempotence; the next
			// completion is a genuinely new outcome.
			if err := tx.DeleteCompletion(ctx, f.WaitKey); err != nil {
				return err
			}

			f.Status = store.FiberActive
			f.WaitState = store.WaitJob
			if err := tx.SaveFiber(ctx, f); err != nil {
				return err
			}

			inst, err := tx.GetInstance(ctx, inc.InstanceID)
			if err != nil {
				return err
			}
			inst.Status = store.InstanceRunning
			if err := tx.UpdateInstance(ctx, inst); err != nil {
				return err
			}

			_, err = tx.AppendEvent(ctx, inc.InstanceID, EventIncidentResolved, inc.FiberID, map[string]any{
				"incident_id": inc.IncidentID,
				"resolution":  string(ResolutionRetry),
				"job_key":     f.WaitKey,
			})
			return err
		})
	}()
	if err != nil {
		return err
	}

	e.log.Info("incident resolved, job requeued",
		"incident", inc.IncidentID, "instance", inc.InstanceID, "fiber", inc.FiberID)
	return nil
}
