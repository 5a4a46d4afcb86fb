package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InsertJob enqueues a pending job. ON CONFLICT DO NOTHING: the job key is
// deterministic, so a crash between dispatch and suspend simply re-inserts
// the same row on recovery. Returns whether a new row was inserted.
func (t *Tx) InsertJob(ctx context.Context, job JobEntry) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO job_queue
		(job_key, instance_id, fiber_id, node_id, task_type, payload, payload_hash,
		 loop_epoch, retries_remaining, status, claimed_at, claimed_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '')
		ON CONFLICT(job_key) DO NOTHING
	`,
		job.JobKey, job.InstanceID, job.FiberID, job.NodeID, job.TaskType,
		job.Payload, job.PayloadHash, job.LoopEpoch, job.RetriesRemaining,
		string(JobPending),
	)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert job: rows affected: %w", err)
	}
	return n > 0, nil
}

func scanJob(row interface{ Scan(...any) error }) (JobEntry, error) {
	var (
		job       JobEntry
		status    string
		claimedAt sql.NullInt64
	)
	err := row.Scan(
		&job.JobKey, &job.InstanceID, &job.FiberID, &job.NodeID, &job.TaskType,
		&job.Payload, &job.PayloadHash, &job.LoopEpoch, &job.RetriesRemaining,
		&status, &claimedAt, &job.ClaimedBy,
	)
	if err != nil {
		return JobEntry{}, err
	}
	job.Status = JobStatus(status)
	if claimedAt.Valid {
		job.ClaimedAt = claimedAt.Int64
	}
	return job, nil
}

const jobColumns = `job_key, instance_id, fiber_id, node_id, task_type, payload,
	payload_hash, loop_epoch, retries_remaining, status, claimed_at, claimed_by`

func getJob(ctx context.Context, q querier, jobKey string) (JobEntry, error) {
	job, err := scanJob(q.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM job_queue WHERE job_key = ?
	`, jobKey))
	if errors.Is(err, sql.ErrNoRows) {
		return JobEntry{}, fmt.Errorf("job %s: %w", jobKey, ErrNotFound)
	}
	if err != nil {
		return JobEntry{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetJob loads one job entry inside the transaction.
func (t *Tx) GetJob(ctx context.Context, jobKey string) (JobEntry, error) {
	return getJob(ctx, t.tx, jobKey)
}

// GetJob loads one job entry outside any transaction.
func (s *Store) GetJob(ctx context.Context, jobKey string) (JobEntry, error) {
	return getJob(ctx, s.db, jobKey)
}

// ClaimJob atomically claims a pending, unclaimed job for workerID.
// Compare-and-swap semantics: the conditional UPDATE succeeds for exactly
// one claimant; losers see false and move on.
func (t *Tx) ClaimJob(ctx context.Context, jobKey, workerID string, now int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE job_queue
		SET status = ?, claimed_at = ?, claimed_by = ?
		WHERE job_key = ? AND status = ? AND claimed_at IS NULL
	`, string(JobClaimed), now, workerID, jobKey, string(JobPending))
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job: rows affected: %w", err)
	}
	return n > 0, nil
}

// ClaimNextJob claims the next pending job of any of the given task types,
// or ok=false when none is pending. Selection order is job_key for
// determinism; fairness across task types is the caller's concern.
func (t *Tx) ClaimNextJob(ctx context.Context, taskTypes []string, workerID string, now int64) (JobEntry, bool, error) {
	query := `SELECT ` + jobColumns + ` FROM job_queue WHERE status = ? AND claimed_at IS NULL`
	args := []any{string(JobPending)}
	if len(taskTypes) > 0 {
		query += ` AND task_type IN (?` + repeatPlaceholder(len(taskTypes)-1) + `)`
		for _, tt := range taskTypes {
			args = append(args, tt)
		}
	}
	query += ` ORDER BY job_key LIMIT 1`

	job, err := scanJob(t.tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return JobEntry{}, false, nil
	}
	if err != nil {
		return JobEntry{}, false, fmt.Errorf("claim next job: %w", err)
	}

	ok, err := t.ClaimJob(ctx, job.JobKey, workerID, now)
	if err != nil {
		return JobEntry{}, false, err
	}
	if ok {
		job.Status = JobClaimed
		job.ClaimedAt = now
		job.ClaimedBy = workerID
	}
	return job, ok, nil
}

func repeatPlaceholder(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}

// SetJobStatus moves a job to a terminal or requeued state. Requeueing
// (back to pending) clears the claim so another worker can pick it up.
func (t *Tx) SetJobStatus(ctx context.Context, jobKey string, status JobStatus, retriesRemaining int64) error {
	var err error
	if status == JobPending {
		_, err = t.tx.ExecContext(ctx, `
			UPDATE job_queue
			SET status = ?, retries_remaining = ?, claimed_at = NULL, claimed_by = ''
			WHERE job_key = ?
		`, string(status), retriesRemaining, jobKey)
	} else {
		_, err = t.tx.ExecContext(ctx, `
			UPDATE job_queue SET status = ?, retries_remaining = ? WHERE job_key = ?
		`, string(status), retriesRemaining, jobKey)
	}
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	return nil
}

// ReleaseExpiredClaims requeues claimed jobs whose claim is older than the
// cutoff. Crash recovery for workers that claimed and died.
func (t *Tx) ReleaseExpiredClaims(ctx context.Context, cutoff int64) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE job_queue
		SET status = ?, claimed_at = NULL, claimed_by = ''
		WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at < ?
	`, string(JobPending), string(JobClaimed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("release expired claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release expired claims: rows affected: %w", err)
	}
	return n, nil
}

// GetCompletion looks up the dedupe cache. A hit means this job key already
// completed; the cached result must be returned without re-applying side
// effects.
func (t *Tx) GetCompletion(ctx context.Context, jobKey string) ([]byte, bool, error) {
	var completion []byte
	err := t.tx.QueryRowContext(ctx, `
		SELECT completion FROM dedupe_cache WHERE job_key = ?
	`, jobKey).Scan(&completion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get completion: %w", err)
	}
	return completion, true, nil
}

// PutCompletion stores a completion in the dedupe cache. ON CONFLICT DO
// NOTHING: once present, the first stored completion is authoritative.
func (t *Tx) PutCompletion(ctx context.Context, jobKey string, completion []byte) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO dedupe_cache (job_key, completion) VALUES (?, ?)
		ON CONFLICT(job_key) DO NOTHING
	`, jobKey, completion)
	if err != nil {
		return fmt.Errorf("put completion: %w", err)
	}
	return nil
}

// DeleteCompletion evicts a dedupe entry. Only incident resolution does
// this: requeueing a failed job makes its next completion a new outcome,
// not a replay of the cached failure.
func (t *Tx) DeleteCompletion(ctx context.Context, jobKey string) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM dedupe_cache WHERE job_key = ?
	`, jobKey)
	if err != nil {
		return fmt.Errorf("delete completion: %w", err)
	}
	return nil
}
