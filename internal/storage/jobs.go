package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// The jobs table backs relationship retries: each job re-dispatches one
// failed relationship for one batch date. A job is pending until a worker
// claims it, then completed, or pending again after a backoff, or failed once
// its attempts run out.

const (
	defaultJobAttempts = 3
	maxBackoffShift    = 10

	jobColumns = `id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`
)

// retryBackoff is the delay before attempt n+1: 2^n seconds, capped.
func retryBackoff(attempts int) time.Duration {
	return time.Second << min(attempts, maxBackoffShift)
}

// EnqueueJob queues a retry. A zero RunAfter makes it runnable immediately and
// a zero MaxAttempts means three attempts.
func (s *Store) EnqueueJob(job Job) error {
	now := s.now()
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = defaultJobAttempts
	}
	if _, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, job.MaxAttempts, formatTime(job.RunAfter), formatTime(now), formatTime(now),
	); err != nil {
		return fmt.Errorf("enqueueing %s job %s: %w", job.Type, job.ID, err)
	}
	return nil
}

// ClaimNextJob hands the oldest due pending job of the given types to the
// caller, marking it running. It returns nil, nil when nothing is due.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := s.now()

	args := make([]any, 0, len(types)+1)
	args = append(args, formatTime(now))
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning job claim: %w", err)
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRow(`SELECT `+jobColumns+` FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (`+placeholders(len(types))+`)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`,
		formatTime(now), j.ID)
	if err != nil {
		return nil, fmt.Errorf("claiming job %s: %w", j.ID, err)
	}
	if err := expectOneRow(res); errors.Is(err, ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing job claim: %w", err)
	}

	j.Status = "running"
	j.UpdatedAt = now.Truncate(time.Second)
	return &j, nil
}

// CompleteJob closes a retry whose relationship is settled.
func (s *Store) CompleteJob(id string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, formatTime(s.now()), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// FailJob records a failed attempt. The job is rescheduled after
// retryBackoff until max_attempts is used up, then it stays failed.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning job failure: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := s.now()
	attempts++
	status, runAfter := "pending", now.Add(retryBackoff(attempts))
	if attempts >= maxAttempts {
		status, runAfter = "failed", now
	}
	if _, err := tx.Exec(`
		UPDATE jobs SET status = ?, attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
		status, attempts, errMsg, formatTime(runAfter), formatTime(now), id,
	); err != nil {
		return fmt.Errorf("recording job failure: %w", err)
	}
	return tx.Commit()
}

// GetJob returns a single job by id.
func (s *Store) GetJob(id string) (Job, error) {
	return scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after of job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at of job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at of job %s: %w", j.ID, err)
	}
	return j, nil
}
