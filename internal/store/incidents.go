package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InsertIncident records an unrecoverable fiber/task failure.
func (t *Tx) InsertIncident(ctx context.Context, inc Incident) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO incidents
		(incident_id, instance_id, fiber_id, service_task_id, bytecode_addr,
		 error_class, message, retry_count, resolved_at, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, '')
	`,
		inc.IncidentID, inc.InstanceID, inc.FiberID, inc.ServiceTaskID,
		inc.BytecodeAddr, inc.ErrorClass, inc.Message, inc.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

// ResolveIncident closes an incident with an operator-supplied resolution.
// Resolving an already-resolved incident is an error; resolutions are not
// overwritten.
func (t *Tx) ResolveIncident(ctx context.Context, incidentID, resolution string, now int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE incidents SET resolved_at = ?, resolution = ?
		WHERE incident_id = ? AND resolved_at IS NULL
	`, now, resolution, incidentID)
	if err != nil {
		return fmt.Errorf("resolve incident: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve incident: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("incident %s open: %w", incidentID, ErrNotFound)
	}
	return nil
}

func scanIncident(row interface{ Scan(...any) error }) (Incident, error) {
	var (
		inc        Incident
		resolvedAt sql.NullInt64
	)
	err := row.Scan(
		&inc.IncidentID, &inc.InstanceID, &inc.FiberID, &inc.ServiceTaskID,
		&inc.BytecodeAddr, &inc.ErrorClass, &inc.Message, &inc.RetryCount,
		&resolvedAt, &inc.Resolution,
	)
	if err != nil {
		return Incident{}, err
	}
	if resolvedAt.Valid {
		inc.ResolvedAt = resolvedAt.Int64
	}
	return inc, nil
}

const incidentColumns = `incident_id, instance_id, fiber_id, service_task_id,
	bytecode_addr, error_class, message, retry_count, resolved_at, resolution`

// GetIncident loads one incident.
func (s *Store) GetIncident(ctx context.Context, incidentID string) (Incident, error) {
	inc, err := scanIncident(s.db.QueryRowContext(ctx, `
		SELECT `+incidentColumns+` FROM incidents WHERE incident_id = ?
	`, incidentID))
	if errors.Is(err, sql.ErrNoRows) {
		return Incident{}, fmt.Errorf("incident %s: %w", incidentID, ErrNotFound)
	}
	if err != nil {
		return Incident{}, fmt.Errorf("get incident: %w", err)
	}
	return inc, nil
}

// ListIncidents returns incidents ordered by incident id. With openOnly,
// resolved incidents are excluded.
func (s *Store) ListIncidents(ctx context.Context, openOnly bool) ([]Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if openOnly {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY incident_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("list incidents: scan: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}
