package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveFiber inserts or replaces the fiber's persisted machine state.
// The full pc/stack/regs snapshot lands on every suspension so resumption
// never re-executes an instruction.
func (t *Tx) SaveFiber(ctx context.Context, f Fiber) error {
	stack, err := marshalJSON("stack", f.Stack)
	if err != nil {
		return fmt.Errorf("save fiber: %w", err)
	}
	regs, err := marshalJSON("regs", f.Regs)
	if err != nil {
		return fmt.Errorf("save fiber: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO fibers
		(instance_id, fiber_id, pc, stack, regs, wait_state, wait_name, wait_key,
		 loop_epoch, fork_group, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id, fiber_id) DO UPDATE SET
		    pc = excluded.pc, stack = excluded.stack, regs = excluded.regs,
		    wait_state = excluded.wait_state, wait_name = excluded.wait_name,
		    wait_key = excluded.wait_key, loop_epoch = excluded.loop_epoch,
		    fork_group = excluded.fork_group, status = excluded.status
	`,
		f.InstanceID, f.FiberID, f.PC, stack, regs,
		string(f.WaitState), f.WaitName, f.WaitKey,
		f.LoopEpoch, f.ForkGroup, string(f.Status),
	)
	if err != nil {
		return fmt.Errorf("save fiber: %w", err)
	}
	return nil
}

func scanFiber(row interface{ Scan(...any) error }) (Fiber, error) {
	var (
		f                 Fiber
		stack, regs       string
		waitState, status string
	)
	err := row.Scan(
		&f.InstanceID, &f.FiberID, &f.PC, &stack, &regs,
		&waitState, &f.WaitName, &f.WaitKey, &f.LoopEpoch, &f.ForkGroup, &status,
	)
	if err != nil {
		return Fiber{}, err
	}
	if f.Stack, err = unmarshalStack(stack); err != nil {
		return Fiber{}, err
	}
	if f.Regs, err = unmarshalRegs(regs); err != nil {
		return Fiber{}, err
	}
	f.WaitState = WaitState(waitState)
	f.Status = FiberStatus(status)
	return f, nil
}

const fiberColumns = `instance_id, fiber_id, pc, stack, regs, wait_state,
	wait_name, wait_key, loop_epoch, fork_group, status`

func getFiber(ctx context.Context, q querier, instanceID string, fiberID int64) (Fiber, error) {
	f, err := scanFiber(q.QueryRowContext(ctx, `
		SELECT `+fiberColumns+` FROM fibers
		WHERE instance_id = ? AND fiber_id = ?
	`, instanceID, fiberID))
	if errors.Is(err, sql.ErrNoRows) {
		return Fiber{}, fmt.Errorf("fiber %s/%d: %w", instanceID, fiberID, ErrNotFound)
	}
	if err != nil {
		return Fiber{}, fmt.Errorf("get fiber: %w", err)
	}
	return f, nil
}

// GetFiber loads one fiber inside the transaction.
func (t *Tx) GetFiber(ctx context.Context, instanceID string, fiberID int64) (Fiber, error) {
	return getFiber(ctx, t.tx, instanceID, fiberID)
}

// GetFiber loads one fiber outside any transaction.
func (s *Store) GetFiber(ctx context.Context, instanceID string, fiberID int64) (Fiber, error) {
	return getFiber(ctx, s.db, instanceID, fiberID)
}

func listFibers(ctx context.Context, q querier, instanceID string) ([]Fiber, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+fiberColumns+` FROM fibers
		WHERE instance_id = ?
		ORDER BY fiber_id
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list fibers: %w", err)
	}
	defer rows.Close()

	var out []Fiber
	for rows.Next() {
		f, err := scanFiber(rows)
		if err != nil {
			return nil, fmt.Errorf("list fibers: scan: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListFibers returns all fibers of an instance ordered by fiber id.
func (t *Tx) ListFibers(ctx context.Context, instanceID string) ([]Fiber, error) {
	return listFibers(ctx, t.tx, instanceID)
}

// ListFibers returns all fibers of an instance ordered by fiber id.
func (s *Store) ListFibers(ctx context.Context, instanceID string) ([]Fiber, error) {
	return listFibers(ctx, s.db, instanceID)
}

// FindMessageWaiter finds the active fiber awaiting message (name, corrKey),
// if any. At most one fiber per instance waits on a given pair; across
// instances the first match by (instance_id, fiber_id) order wins.
func (t *Tx) FindMessageWaiter(ctx context.Context, name, corrKey string) (Fiber, bool, error) {
	f, err := scanFiber(t.tx.QueryRowContext(ctx, `
		SELECT `+fiberColumns+` FROM fibers
		WHERE wait_state = ? AND wait_name = ? AND wait_key = ? AND status = ?
		ORDER BY instance_id, fiber_id
		LIMIT 1
	`, string(WaitMessage), name, corrKey, string(FiberActive)))
	if errors.Is(err, sql.ErrNoRows) {
		return Fiber{}, false, nil
	}
	if err != nil {
		return Fiber{}, false, fmt.Errorf("find message waiter: %w", err)
	}
	return f, true, nil
}

// ListRunningFibers returns fibers persisted in the running wait state.
// After a crash these are the fibers that were mid-step and must be
// re-driven on startup.
func (s *Store) ListRunningFibers(ctx context.Context) ([]Fiber, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fiberColumns+` FROM fibers
		WHERE wait_state = ? AND status = ?
		ORDER BY instance_id, fiber_id
	`, string(WaitRunning), string(FiberActive))
	if err != nil {
		return nil, fmt.Errorf("list running fibers: %w", err)
	}
	defer rows.Close()

	var out []Fiber
	for rows.Next() {
		f, err := scanFiber(rows)
		if err != nil {
			return nil, fmt.Errorf("list running fibers: scan: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
