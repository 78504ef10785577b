// Package retry re-dispatches relationships whose batch run failed.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/tandem/internal/pipeline"
	"github.com/kalambet/tandem/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetJob(id string) (storage.Job, error)
}

// Runner re-runs one relationship for one batch date.
type Runner interface {
	RunRelationship(ctx context.Context, batchDate, relationshipID string) (pipeline.RelationshipResult, error)
}

// Recorder counts processed jobs.
type Recorder interface {
	RetryJobFinished(result string)
}

// Worker processes relationship_retry jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	runner  Runner
	poll    time.Duration
	metrics Recorder
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 5s.
func NewWorker(store JobStore, runner Runner, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Worker{
		store:  store,
		runner: runner,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// SetRecorder attaches a metrics recorder.
func (w *Worker) SetRecorder(r Recorder) {
	w.metrics = r
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("retry worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single retry job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{pipeline.RetryJobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	log := w.logger.With("job_id", job.ID)
	if err := w.processJob(ctx, job); err != nil {
		log.Warn("retry job failed", "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			log.Error("failed to mark job as failed", "error", failErr)
		}
		w.record(w.failedResult(job.ID))
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	w.record("completed")
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload pipeline.RetryPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.BatchDate == "" || payload.RelationshipID == "" {
		return errors.New("payload needs batch_date and relationship_id")
	}

	res, err := w.runner.RunRelationship(ctx, payload.BatchDate, payload.RelationshipID)
	if err != nil {
		return fmt.Errorf("retrying %s for %s: %w", payload.RelationshipID, payload.BatchDate, err)
	}

	w.logger.Info("relationship retried",
		"batch_date", payload.BatchDate,
		"relationship_id", payload.RelationshipID,
		"run_id", res.RunID,
		"suggestions", res.SuggestionsGenerated,
	)
	return nil
}

// failedResult tells a rescheduled job apart from one that used up its
// attempts.
func (w *Worker) failedResult(jobID string) string {
	j, err := w.store.GetJob(jobID)
	if err == nil && j.Status == "failed" {
		return "failed"
	}
	return "retrying"
}

func (w *Worker) record(result string) {
	if w.metrics != nil {
		w.metrics.RetryJobFinished(result)
	}
}
