package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Arrive increments the barrier's arrive count and reports the new count
// and whether the barrier already fired. Runs inside the instance's step
// transaction, so concurrent completions racing into the same barrier are
// serialized by the store.
func (t *Tx) Arrive(ctx context.Context, instanceID, joinID string) (count int64, fired bool, err error) {
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO join_barriers (instance_id, join_id, arrive_count, fired)
		VALUES (?, ?, 1, 0)
		ON CONFLICT(instance_id, join_id) DO UPDATE SET
		    arrive_count = arrive_count + 1
	`, instanceID, joinID)
	if err != nil {
		return 0, false, fmt.Errorf("arrive: %w", err)
	}

	var firedInt int64
	err = t.tx.QueryRowContext(ctx, `
		SELECT arrive_count, fired FROM join_barriers
		WHERE instance_id = ? AND join_id = ?
	`, instanceID, joinID).Scan(&count, &firedInt)
	if err != nil {
		return 0, false, fmt.Errorf("arrive: read barrier: %w", err)
	}
	return count, firedInt != 0, nil
}

// MarkBarrierFired records that the barrier fired. A barrier fires exactly
// once; arrivals after firing are absorbed by the caller checking the fired
// flag.
func (t *Tx) MarkBarrierFired(ctx context.Context, instanceID, joinID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE join_barriers SET fired = 1
		WHERE instance_id = ? AND join_id = ?
	`, instanceID, joinID)
	if err != nil {
		return fmt.Errorf("mark barrier fired: %w", err)
	}
	return nil
}

// GetBarrier reads a barrier's state. Missing barriers read as zero
// arrivals, not fired.
func (s *Store) GetBarrier(ctx context.Context, instanceID, joinID string) (count int64, fired bool, err error) {
	var firedInt int64
	err = s.db.QueryRowContext(ctx, `
		SELECT arrive_count, fired FROM join_barriers
		WHERE instance_id = ? AND join_id = ?
	`, instanceID, joinID).Scan(&count, &firedInt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get barrier: %w", err)
	}
	return count, firedInt != 0, nil
}
