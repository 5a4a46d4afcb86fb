package store

import (
	"context"
	"fmt"
)

// AppendEvent claims the instance's next sequence number and appends the
// event in the same transaction: per-instance seq is strictly increasing
// with no gaps, and the log row is never reordered or mutated.
// Returns the seq assigned to the event.
func (t *Tx) AppendEvent(ctx context.Context, instanceID, eventType string, fiberID int64, detail map[string]any) (int64, error) {
	var seq int64
	err := t.tx.QueryRowContext(ctx, `
		UPDATE event_sequences SET next_seq = next_seq + 1
		WHERE instance_id = ?
		RETURNING next_seq - 1
	`, instanceID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("claim event seq for %s: %w", instanceID, err)
	}

	detailJSON, err := marshalJSON("event detail", detail)
	if err != nil {
		return 0, err
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO event_log (instance_id, seq, event_type, fiber_id, detail)
		VALUES (?, ?, ?, ?, ?)
	`, instanceID, seq, eventType, fiberID, detailJSON)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return seq, nil
}

// ReadEvents returns the full event log of an instance ordered by seq.
func (s *Store) ReadEvents(ctx context.Context, instanceID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, seq, event_type, fiber_id, detail
		FROM event_log
		WHERE instance_id = ?
		ORDER BY seq ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e      Event
			detail string
		)
		if err := rows.Scan(&e.InstanceID, &e.Seq, &e.Type, &e.FiberID, &detail); err != nil {
			return nil, fmt.Errorf("read events: scan: %w", err)
		}
		if e.Detail, err = unmarshalDetail(detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
