package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// InsertInstance writes a new process instance row plus its event sequence
// row. The instance's bytecode version must already exist in
// compiled_programs (FK).
func (t *Tx) InsertInstance(ctx context.Context, inst Instance) error {
	flags, err := marshalJSON("flags", inst.Flags)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	counters, err := marshalJSON("counters", inst.Counters)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	joins, err := marshalJSON("join_expected", inst.JoinExpected)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	corrKeys, err := marshalJSON("corr_keys", inst.CorrKeys)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO process_instances
		(instance_id, process_key, bytecode_version, payload, payload_hash,
		 flags, counters, join_expected, corr_keys, correlation_id, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inst.InstanceID, inst.ProcessKey, inst.BytecodeVersion,
		inst.Payload, inst.PayloadHash,
		flags, counters, joins, corrKeys, inst.CorrelationID, string(inst.Status),
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO event_sequences (instance_id, next_seq) VALUES (?, 1)
	`, inst.InstanceID)
	if err != nil {
		return fmt.Errorf("insert event sequence: %w", err)
	}
	return nil
}

// UpdateInstance persists the mutable parts of an instance: payload, flags,
// counters, correlation id and status. Identity and the pinned bytecode
// version never change.
func (t *Tx) UpdateInstance(ctx context.Context, inst Instance) error {
	flags, err := marshalJSON("flags", inst.Flags)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	counters, err := marshalJSON("counters", inst.Counters)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	corrKeys, err := marshalJSON("corr_keys", inst.CorrKeys)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE process_instances
		SET payload = ?, payload_hash = ?, flags = ?, counters = ?,
		    corr_keys = ?, correlation_id = ?, status = ?
		WHERE instance_id = ?
	`,
		inst.Payload, inst.PayloadHash, flags, counters,
		corrKeys, inst.CorrelationID, string(inst.Status), inst.InstanceID,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update instance: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update instance %s: %w", inst.InstanceID, ErrNotFound)
	}
	return nil
}

func getInstance(ctx context.Context, q querier, instanceID string) (Instance, error) {
	var (
		inst            Instance
		flags, counters string
		joins, corrKeys string
		status          string
	)
	err := q.QueryRowContext(ctx, `
		SELECT instance_id, process_key, bytecode_version, payload, payload_hash,
		       flags, counters, join_expected, corr_keys, correlation_id, status
		FROM process_instances WHERE instance_id = ?
	`, instanceID).Scan(
		&inst.InstanceID, &inst.ProcessKey, &inst.BytecodeVersion,
		&inst.Payload, &inst.PayloadHash,
		&flags, &counters, &joins, &corrKeys, &inst.CorrelationID, &status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
	}
	if err != nil {
		return Instance{}, fmt.Errorf("get instance: %w", err)
	}

	if inst.Flags, err = unmarshalFlags(flags); err != nil {
		return Instance{}, err
	}
	if inst.Counters, err = unmarshalCounters(counters); err != nil {
		return Instance{}, err
	}
	if inst.JoinExpected, err = unmarshalJoinExpected(joins); err != nil {
		return Instance{}, err
	}
	if inst.CorrKeys, err = unmarshalCorrKeys(corrKeys); err != nil {
		return Instance{}, err
	}
	inst.Status = InstanceStatus(status)
	return inst, nil
}

// GetInstance loads one instance inside the transaction.
func (t *Tx) GetInstance(ctx context.Context, instanceID string) (Instance, error) {
	return getInstance(ctx, t.tx, instanceID)
}

// GetInstance loads one instance outside any transaction (read-only ports).
func (s *Store) GetInstance(ctx context.Context, instanceID string) (Instance, error) {
	return getInstance(ctx, s.db, instanceID)
}

// ListInstances returns instance ids and statuses ordered by id, optionally
// filtered by status ("" = all).
func (s *Store) ListInstances(ctx context.Context, status InstanceStatus) ([]Instance, error) {
	query := `
		SELECT instance_id, process_key, bytecode_version, payload, payload_hash,
		       flags, counters, join_expected, corr_keys, correlation_id, status
		FROM process_instances`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY instance_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		var (
			inst                               Instance
			flags, counters, joins, cks, stat string
		)
		if err := rows.Scan(
			&inst.InstanceID, &inst.ProcessKey, &inst.BytecodeVersion,
			&inst.Payload, &inst.PayloadHash,
			&flags, &counters, &joins, &cks, &inst.CorrelationID, &stat,
		); err != nil {
			return nil, fmt.Errorf("list instances: scan: %w", err)
		}
		if inst.Flags, err = unmarshalFlags(flags); err != nil {
			return nil, err
		}
		if inst.Counters, err = unmarshalCounters(counters); err != nil {
			return nil, err
		}
		if inst.JoinExpected, err = unmarshalJoinExpected(joins); err != nil {
			return nil, err
		}
		if inst.CorrKeys, err = unmarshalCorrKeys(cks); err != nil {
			return nil, err
		}
		inst.Status = InstanceStatus(stat)
		out = append(out, inst)
	}
	return out, rows.Err()
}

// AppendPayloadHistory records one payload version at the given event seq.
func (t *Tx) AppendPayloadHistory(ctx context.Context, instanceID string, seq int64, payload []byte, payloadHash string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payload_history (instance_id, seq, payload, payload_hash)
		VALUES (?, ?, ?, ?)
	`, instanceID, seq, payload, payloadHash)
	if err != nil {
		return fmt.Errorf("append payload history: %w", err)
	}
	return nil
}
