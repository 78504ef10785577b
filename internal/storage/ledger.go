package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// --- Run claims ---

// ClaimRun atomically claims batchDate for the caller. The claim row is
// inserted with insert-or-skip semantics so two triggers for the same date
// cannot both succeed. A running claim older than lease is treated as
// abandoned and taken over. Returns ErrAlreadyProcessed when the date has a
// finished claim and ErrRunInProgress when a live claim exists.
func (s *Store) ClaimRun(ctx context.Context, batchDate string, lease time.Duration) (string, error) {
	claimID := uuid.New().String()
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO batch_claims (batch_date, claim_id, status, claimed_at) VALUES (?, ?, 'running', ?)
		ON CONFLICT(batch_date) DO NOTHING`,
		batchDate, claimID, formatTime(now),
	)
	if err != nil {
		return "", fmt.Errorf("inserting claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("checking claim rows: %w", err)
	}
	if n == 1 {
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("committing claim: %w", err)
		}
		return claimID, nil
	}

	var existingID, status, claimedAt string
	err = tx.QueryRowContext(ctx, `SELECT claim_id, status, claimed_at FROM batch_claims WHERE batch_date = ?`, batchDate).
		Scan(&existingID, &status, &claimedAt)
	if err != nil {
		return "", fmt.Errorf("reading existing claim: %w", err)
	}
	if status == string(RunCompleted) {
		return "", ErrAlreadyProcessed
	}

	claimedTime, err := parseTime(claimedAt)
	if err != nil {
		return "", fmt.Errorf("parsing claimed_at: %w", err)
	}
	if lease <= 0 || now.Sub(claimedTime) < lease {
		return "", ErrRunInProgress
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE batch_claims SET claim_id = ?, claimed_at = ?
		WHERE batch_date = ? AND claim_id = ? AND status = 'running'`,
		claimID, formatTime(now), batchDate, existingID,
	)
	if err != nil {
		return "", fmt.Errorf("taking over stale claim: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return "", ErrRunInProgress
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing claim takeover: %w", err)
	}
	return claimID, nil
}

// RenewClaim extends a live claim and the running rows of its date so that
// neither looks abandoned while the holder is still dispatching. It returns
// ErrNotFound once the claim has been lost.
func (s *Store) RenewClaim(ctx context.Context, batchDate, claimID string) error {
	now := formatTime(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning renew transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE batch_claims SET claimed_at = ?
		WHERE batch_date = ? AND claim_id = ? AND status = 'running'`,
		now, batchDate, claimID,
	)
	if err != nil {
		return fmt.Errorf("renewing claim: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE batch_runs SET updated_at = ? WHERE batch_date = ? AND status = 'running'`,
		now, batchDate,
	); err != nil {
		return fmt.Errorf("renewing running rows: %w", err)
	}
	return tx.Commit()
}

// FinishClaim marks the date as done so later triggers become no-ops.
func (s *Store) FinishClaim(ctx context.Context, batchDate, claimID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_claims SET status = 'completed', finished_at = ?
		WHERE batch_date = ? AND claim_id = ?`,
		formatTime(s.now()), batchDate, claimID,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// ReleaseClaim drops a running claim so the date can be run again.
func (s *Store) ReleaseClaim(ctx context.Context, batchDate, claimID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM batch_claims WHERE batch_date = ? AND claim_id = ? AND status = 'running'`,
		batchDate, claimID,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// --- Batch runs ---

const batchRunColumns = `id, batch_date, relationship_id, entries_processed, suggestions_generated,
	status, error_message, created_at, updated_at, completed_at`

// HasCompletedRun reports whether any ledger row for batchDate is completed.
func (s *Store) HasCompletedRun(ctx context.Context, batchDate string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM batch_runs WHERE batch_date = ? AND status = 'completed'`, batchDate,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// OpenRun creates the ledger row for (batchDate, relationshipID) or returns
// the existing one. Pending and failed rows are reset to pending with the new
// entry count and a completed row is returned unchanged. A running row whose
// updated_at is within lease belongs to a live dispatch and yields
// ErrRunInProgress; an older one is treated as abandoned and reset.
func (s *Store) OpenRun(ctx context.Context, batchDate, relationshipID string, entries int, lease time.Duration) (BatchRun, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BatchRun{}, fmt.Errorf("beginning open transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO batch_runs (id, batch_date, relationship_id, entries_processed, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT(batch_date, relationship_id) DO NOTHING`,
		uuid.New().String(), batchDate, relationshipID, entries, formatTime(now), formatTime(now),
	); err != nil {
		return BatchRun{}, fmt.Errorf("inserting batch run: %w", err)
	}

	query := `SELECT ` + batchRunColumns + ` FROM batch_runs WHERE batch_date = ? AND relationship_id = ?`
	run, err := scanBatchRun(tx.QueryRowContext(ctx, query, batchDate, relationshipID))
	if err != nil {
		return BatchRun{}, err
	}

	switch run.Status {
	case RunCompleted:
		return run, tx.Commit()
	case RunRunning:
		if lease <= 0 || now.Sub(run.UpdatedAt) < lease {
			return BatchRun{}, ErrRunInProgress
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE batch_runs SET status = 'pending', entries_processed = ?, error_message = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		entries, formatTime(now), run.ID, string(run.Status),
	)
	if err != nil {
		return BatchRun{}, fmt.Errorf("resetting batch run: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return BatchRun{}, ErrRunInProgress
	}

	run, err = scanBatchRun(tx.QueryRowContext(ctx, query, batchDate, relationshipID))
	if err != nil {
		return BatchRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return BatchRun{}, fmt.Errorf("committing batch run: %w", err)
	}
	return run, nil
}

// MarkRunning moves a pending row to running.
func (s *Store) MarkRunning(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_runs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`,
		formatTime(s.now()), runID,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// MarkCompleted records a finished dispatch. errMsg carries call-level
// failures for a relationship that still produced output; it may be empty.
func (s *Store) MarkCompleted(ctx context.Context, runID string, suggestions int, errMsg string) error {
	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_runs
		SET status = 'completed', suggestions_generated = ?, error_message = NULLIF(?, ''), completed_at = ?, updated_at = ?
		WHERE id = ? AND status <> 'completed'`,
		suggestions, errMsg, now, now, runID,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// MarkFailed records a relationship-scoped failure.
func (s *Store) MarkFailed(ctx context.Context, runID string, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_runs SET status = 'failed', error_message = ?, updated_at = ?
		WHERE id = ? AND status <> 'completed'`,
		errMsg, formatTime(s.now()), runID,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s *Store) GetRun(ctx context.Context, runID string) (BatchRun, error) {
	return scanBatchRun(s.db.QueryRowContext(ctx, `SELECT `+batchRunColumns+` FROM batch_runs WHERE id = ?`, runID))
}

// ListRuns returns every ledger row for batchDate ordered by relationship.
func (s *Store) ListRuns(ctx context.Context, batchDate string) ([]BatchRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchRunColumns+` FROM batch_runs WHERE batch_date = ? ORDER BY relationship_id ASC`, batchDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []BatchRun
	for rows.Next() {
		run, err := scanBatchRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatchRun(row rowScanner) (BatchRun, error) {
	var r BatchRun
	var status, createdAt, updatedAt string
	var errMsg, completedAt sql.NullString
	err := row.Scan(&r.ID, &r.BatchDate, &r.RelationshipID, &r.EntriesProcessed, &r.SuggestionsGenerated,
		&status, &errMsg, &createdAt, &updatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BatchRun{}, ErrNotFound
	}
	if err != nil {
		return BatchRun{}, err
	}
	r.Status = RunStatus(status)
	r.ErrorMessage = errMsg.String
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return BatchRun{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return BatchRun{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if r.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return BatchRun{}, fmt.Errorf("parsing completed_at: %w", err)
	}
	return r, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
