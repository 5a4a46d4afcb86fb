package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// CreateTemplate inserts a new workflow template in draft state.
func (s *Store) CreateTemplate(ctx context.Context, processKey, version string, content []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_templates (process_key, version, state, content)
		VALUES (?, ?, ?, ?)
	`, processKey, version, string(TemplateDraft), content)
	if err != nil {
		return fmt.Errorf("create template: %w", err)
	}
	return nil
}

// PublishTemplate moves a draft template to published. From then on its
// content is immutable (guard trigger).
func (s *Store) PublishTemplate(ctx context.Context, processKey, version string) error {
	return s.setTemplateState(ctx, processKey, version, TemplatePublished)
}

// RetireTemplate moves a published template to retired. Retirement is
// non-reversible (guard trigger).
func (s *Store) RetireTemplate(ctx context.Context, processKey, version string) error {
	return s.setTemplateState(ctx, processKey, version, TemplateRetired)
}

func (s *Store) setTemplateState(ctx context.Context, processKey, version string, state TemplateState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_templates SET state = ?
		WHERE process_key = ? AND version = ?
	`, string(state), processKey, version)
	if err != nil {
		if isTemplateGuardError(err) {
			return fmt.Errorf("template %s@%s: %w", processKey, version, ErrTemplateGuard)
		}
		return fmt.Errorf("set template state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set template state: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("template %s@%s: %w", processKey, version, ErrNotFound)
	}
	return nil
}

// UpdateTemplateContent rewrites a template's content. Only legal while the
// template is a draft; the published-immutability trigger rejects the rest.
func (s *Store) UpdateTemplateContent(ctx context.Context, processKey, version string, content []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_templates SET content = ?
		WHERE process_key = ? AND version = ?
	`, content, processKey, version)
	if err != nil {
		if isTemplateGuardError(err) {
			return fmt.Errorf("template %s@%s: %w", processKey, version, ErrTemplateGuard)
		}
		return fmt.Errorf("update template content: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update template content: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("template %s@%s: %w", processKey, version, ErrNotFound)
	}
	return nil
}

// GetTemplate loads one template row.
func (s *Store) GetTemplate(ctx context.Context, processKey, version string) (Template, error) {
	var (
		t     Template
		state string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT process_key, version, state, content FROM workflow_templates
		WHERE process_key = ? AND version = ?
	`, processKey, version).Scan(&t.ProcessKey, &t.Version, &state, &t.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, fmt.Errorf("template %s@%s: %w", processKey, version, ErrNotFound)
	}
	if err != nil {
		return Template{}, fmt.Errorf("get template: %w", err)
	}
	t.State = TemplateState(state)
	return t, nil
}

// ErrTemplateGuard is returned when a schema guard trigger rejects a
// template mutation (published content edit, retired state change, or an
// out-of-order lifecycle transition).
var ErrTemplateGuard = errors.New("template lifecycle guard rejected the update")

// isTemplateGuardError matches the RAISE(ABORT) messages from the
// workflow_templates triggers.
func isTemplateGuardError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "published template content is immutable") ||
		strings.Contains(msg, "retired template cannot change state") ||
		strings.Contains(msg, "invalid template state transition")
}
