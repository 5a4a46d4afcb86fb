package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/loomengine/loom/internal/bytecode"
)

// ErrDeterminismViolation is returned when a program version collides with
// a stored program whose content differs. Compiling the same DTO against
// the same contracts must always yield identical bytecode; a mismatch is a
// defect, never expected.
var ErrDeterminismViolation = errors.New("determinism violation: version hash collides with different content")

// PutProgram persists a compiled program, write-once. Re-inserting the
// identical program is a no-op; a version collision with different content
// returns ErrDeterminismViolation.
func (s *Store) PutProgram(ctx context.Context, p *bytecode.Program, now int64) error {
	encoded, err := p.Encode()
	if err != nil {
		return err
	}

	return s.WithTx(ctx, func(t *Tx) error {
		var existing []byte
		err := t.tx.QueryRowContext(ctx, `
			SELECT program FROM compiled_programs WHERE version = ?
		`, p.Version).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// New program, insert below.
		case err != nil:
			return fmt.Errorf("put program: %w", err)
		default:
			if !bytes.Equal(existing, encoded) {
				return fmt.Errorf("version %s: %w", p.Version, ErrDeterminismViolation)
			}
			return nil
		}

		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO compiled_programs (version, process_key, contract_hash, program, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, p.Version, p.ProcessKey, p.ContractHash, encoded, now)
		if err != nil {
			return fmt.Errorf("put program: insert: %w", err)
		}
		return nil
	})
}

// GetProgram loads and decodes the program pinned at version.
func (s *Store) GetProgram(ctx context.Context, version string) (*bytecode.Program, error) {
	var encoded []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT program FROM compiled_programs WHERE version = ?
	`, version).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("program %s: %w", version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get program: %w", err)
	}
	return bytecode.Decode(encoded, version)
}
