package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PutDeadLetter parks an unmatched completion or message until a waiter
// registers or the TTL expires. A second delivery for the same (name,
// corr_key) refreshes the payload and deadline: at-least-once sources may
// redeliver, and the latest delivery wins while unmatched.
func (t *Tx) PutDeadLetter(ctx context.Context, d DeadLetter) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO dead_letter_queue (name, corr_key, payload, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name, corr_key) DO UPDATE SET
		    payload = excluded.payload, expires_at = excluded.expires_at
	`, d.Name, d.CorrKey, d.Payload, d.ExpiresAt)
	if err != nil {
		return fmt.Errorf("put dead letter: %w", err)
	}
	return nil
}

// ConsumeDeadLetter removes and returns the unexpired entry for (name,
// corr_key), if present. The select-then-delete pair runs inside the step
// transaction, so an entry is consumed exactly once.
func (t *Tx) ConsumeDeadLetter(ctx context.Context, name, corrKey string, now int64) (DeadLetter, bool, error) {
	var d DeadLetter
	err := t.tx.QueryRowContext(ctx, `
		SELECT name, corr_key, payload, expires_at FROM dead_letter_queue
		WHERE name = ? AND corr_key = ? AND expires_at > ?
	`, name, corrKey, now).Scan(&d.Name, &d.CorrKey, &d.Payload, &d.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DeadLetter{}, false, nil
	}
	if err != nil {
		return DeadLetter{}, false, fmt.Errorf("consume dead letter: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		DELETE FROM dead_letter_queue WHERE name = ? AND corr_key = ?
	`, name, corrKey)
	if err != nil {
		return DeadLetter{}, false, fmt.Errorf("consume dead letter: delete: %w", err)
	}
	return d, true, nil
}

// PurgeExpired removes every expired entry and returns them so the caller
// can report unresolved deliveries.
func (t *Tx) PurgeExpired(ctx context.Context, now int64) ([]DeadLetter, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT name, corr_key, payload, expires_at FROM dead_letter_queue
		WHERE expires_at <= ?
		ORDER BY name, corr_key
	`, now)
	if err != nil {
		return nil, fmt.Errorf("purge expired: %w", err)
	}
	defer rows.Close()

	var expired []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.Name, &d.CorrKey, &d.Payload, &d.ExpiresAt); err != nil {
			return nil, fmt.Errorf("purge expired: scan: %w", err)
		}
		expired = append(expired, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(expired) > 0 {
		if _, err := t.tx.ExecContext(ctx, `
			DELETE FROM dead_letter_queue WHERE expires_at <= ?
		`, now); err != nil {
			return nil, fmt.Errorf("purge expired: delete: %w", err)
		}
	}
	return expired, nil
}
