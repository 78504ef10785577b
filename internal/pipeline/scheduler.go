package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/tandem/internal/storage"
)

// RetryJobType is the job queue type for re-dispatching one failed
// relationship.
const RetryJobType = "relationship_retry"

// RetryPayload is the payload of a RetryJobType job.
type RetryPayload struct {
	BatchDate      string `json:"batch_date"`
	RelationshipID string `json:"relationship_id"`
}

// Ledger is the batch bookkeeping the scheduler writes to.
type Ledger interface {
	HasCompletedRun(ctx context.Context, batchDate string) (bool, error)
	ClaimRun(ctx context.Context, batchDate string, lease time.Duration) (string, error)
	RenewClaim(ctx context.Context, batchDate, claimID string) error
	FinishClaim(ctx context.Context, batchDate, claimID string) error
	ReleaseClaim(ctx context.Context, batchDate, claimID string) error
	OpenRun(ctx context.Context, batchDate, relationshipID string, entries int, lease time.Duration) (storage.BatchRun, error)
	MarkRunning(ctx context.Context, runID string) error
	MarkCompleted(ctx context.Context, runID string, suggestions int, errMsg string) error
	MarkFailed(ctx context.Context, runID string, errMsg string) error
	MarkEntriesProcessed(ctx context.Context, runID string, entryIDs []string) (int64, error)
	ListRuns(ctx context.Context, batchDate string) ([]storage.BatchRun, error)
}

// JobQueue accepts retry jobs.
type JobQueue interface {
	EnqueueJob(job storage.Job) error
}

type Config struct {
	Workers             int
	RelationshipTimeout time.Duration
	RunTimeout          time.Duration
	ClaimLease          time.Duration
	RetryFailed         bool
	Location            *time.Location
}

type Deps struct {
	Ledger     Ledger
	Filter     *EligibilityFilter
	Grouper    *Grouper
	Dispatcher *Dispatcher
	Jobs       JobQueue
	Metrics    Recorder
	Logger     *slog.Logger
}

// Scheduler drives one batch run per calendar date.
type Scheduler struct {
	ledger     Ledger
	filter     *EligibilityFilter
	grouper    *Grouper
	dispatcher *Dispatcher
	jobs       JobQueue
	metrics    Recorder
	logger     *slog.Logger
	cfg        Config
	now        func() time.Time
}

func NewScheduler(deps Deps, cfg Config) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopRecorder{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		ledger:     deps.Ledger,
		filter:     deps.Filter,
		grouper:    deps.Grouper,
		dispatcher: deps.Dispatcher,
		jobs:       deps.Jobs,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

// DefaultDate is yesterday in the configured location.
func (s *Scheduler) DefaultDate() string {
	return s.now().In(s.cfg.Location).AddDate(0, 0, -1).Format(storage.DateLayout)
}

// ValidateDate checks a YYYY-MM-DD batch date.
func ValidateDate(batchDate string) error {
	if _, err := time.Parse(storage.DateLayout, batchDate); err != nil {
		return fmt.Errorf("%w %q: expected YYYY-MM-DD", ErrInvalidDate, batchDate)
	}
	return nil
}

// Run executes the batch for batchDate (yesterday when empty). Failures are
// reported in the Report; the only errors returned are ErrInvalidDate and
// storage.ErrRunInProgress, for which no work was attempted.
func (s *Scheduler) Run(ctx context.Context, batchDate string) (Report, error) {
	start := s.now()
	if batchDate == "" {
		batchDate = s.DefaultDate()
	}
	if err := ValidateDate(batchDate); err != nil {
		return Report{}, err
	}

	report, err := s.run(ctx, batchDate)
	if err != nil {
		return report, err
	}
	report.Duration = s.now().Sub(start)
	if report.Results == nil {
		report.Results = []RelationshipResult{}
	}

	s.metrics.RunFinished(report.Outcome, report.Duration)
	s.logger.Info("batch run finished",
		"batch_date", batchDate,
		"outcome", report.Outcome,
		"relationships", report.Summary.RelationshipsAnalyzed,
		"suggestions", report.Summary.SuggestionsGenerated,
		"failed", report.Summary.FailedBatches,
		"duration", report.Duration,
	)
	return report, nil
}

func (s *Scheduler) run(ctx context.Context, batchDate string) (Report, error) {
	report := Report{BatchDate: batchDate}
	// Ledger writes must land even when the caller's deadline has passed.
	lctx := context.WithoutCancel(ctx)

	done, err := s.ledger.HasCompletedRun(ctx, batchDate)
	if err != nil {
		return fatal(report, fmt.Errorf("checking ledger: %w", err)), nil
	}
	if done {
		return alreadyProcessed(report), nil
	}

	claimID, err := s.ledger.ClaimRun(ctx, batchDate, s.cfg.ClaimLease)
	switch {
	case errors.Is(err, storage.ErrAlreadyProcessed):
		return alreadyProcessed(report), nil
	case errors.Is(err, storage.ErrRunInProgress):
		return report, err
	case err != nil:
		return fatal(report, fmt.Errorf("claiming batch date: %w", err)), nil
	}

	log := s.logger.With("batch_date", batchDate, "claim_id", claimID)

	runCtx, abort := context.WithCancel(ctx)
	defer abort()
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, s.cfg.RunTimeout)
		defer cancel()
	}

	stopRenewing := s.keepClaim(lctx, log, batchDate, claimID, abort)
	defer stopRenewing()
	release := func() {
		stopRenewing()
		if err := s.ledger.ReleaseClaim(lctx, batchDate, claimID); err != nil {
			log.Error("releasing claim", "error", err)
		}
	}

	entries, err := s.filter.Eligible(runCtx, batchDate, "")
	if err != nil {
		release()
		log.Error("eligibility failed", "error", err)
		return fatal(report, err), nil
	}
	if len(entries) == 0 {
		release()
		report.Success = true
		report.Outcome = OutcomeNothingToDo
		report.Message = "no eligible journal entries"
		return report, nil
	}

	items := s.grouper.Group(runCtx, entries)
	if len(items) == 0 {
		release()
		report.Outcome = OutcomeFailed
		report.Message = "no relationships could be grouped"
		return report, nil
	}

	log.Info("dispatching batch", "entries", len(entries), "relationships", len(items))
	report.Results = s.processAll(runCtx, batchDate, items)
	report.Summary = summarize(report.Results)
	report.Outcome = classify(report.Results)
	report.Success = report.Outcome != OutcomeFailed

	if report.Outcome == OutcomeFailed {
		release()
	} else {
		stopRenewing()
		if err := s.ledger.FinishClaim(lctx, batchDate, claimID); err != nil {
			log.Error("finishing claim", "error", err)
		}
	}

	if s.cfg.RetryFailed {
		if _, err := s.enqueueRetries(batchDate, report.Results); err != nil {
			log.Error("enqueueing retries", "error", err)
		}
	}
	return report, nil
}

// keepClaim renews the date claim every third of the lease until the returned
// stop func is called. Losing the claim aborts the run through abort.
func (s *Scheduler) keepClaim(ctx context.Context, log *slog.Logger, batchDate, claimID string, abort context.CancelFunc) func() {
	if s.cfg.ClaimLease <= 0 {
		return func() {}
	}
	interval := max(s.cfg.ClaimLease/3, time.Millisecond)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				err := s.ledger.RenewClaim(ctx, batchDate, claimID)
				if errors.Is(err, storage.ErrNotFound) {
					log.Error("batch claim lost, aborting run")
					abort()
					return
				}
				if err != nil {
					log.Warn("renewing claim", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

func (s *Scheduler) processAll(ctx context.Context, batchDate string, items []WorkItem) []RelationshipResult {
	results := make([]RelationshipResult, len(items))
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, item := range items {
		g.Go(func() error {
			results[i] = s.processItem(ctx, batchDate, item)
			return nil
		})
	}
	g.Wait()
	return results
}

// processItem runs one relationship through the ledger lifecycle. It never
// returns an error; the outcome is in the result and the ledger row.
func (s *Scheduler) processItem(ctx context.Context, batchDate string, item WorkItem) RelationshipResult {
	lctx := context.WithoutCancel(ctx)
	log := s.logger.With("batch_date", batchDate, "relationship_id", item.RelationshipID)
	res := RelationshipResult{
		RelationshipID:   item.RelationshipID,
		EntriesProcessed: len(item.Entries),
		Status:           storage.RunFailed,
	}
	defer func() { s.metrics.RelationshipFinished(res.Status) }()

	run, err := s.ledger.OpenRun(lctx, batchDate, item.RelationshipID, len(item.Entries), s.cfg.ClaimLease)
	if errors.Is(err, storage.ErrRunInProgress) {
		res.Error = "relationship is being dispatched by another run"
		log.Warn("skipping relationship", "reason", res.Error)
		return res
	}
	if err != nil {
		res.Error = fmt.Sprintf("opening ledger row: %v", err)
		log.Error("opening ledger row", "error", err)
		return res
	}
	res.RunID = run.ID
	log = log.With("run_id", run.ID)

	if run.Status == storage.RunCompleted {
		// Dispatched earlier; only the marking may be missing.
		s.markProcessed(lctx, log, run.ID, item)
		res.Status = storage.RunCompleted
		res.SuggestionsGenerated = run.SuggestionsGenerated
		return res
	}

	if err := s.ledger.MarkRunning(lctx, run.ID); err != nil {
		res.Error = fmt.Sprintf("marking running: %v", err)
		log.Error("marking running", "error", err)
		return res
	}

	if item.LookupErr != nil {
		res.Error = fmt.Sprintf("roster lookup failed: %v", item.LookupErr)
		s.fail(lctx, log, run.ID, res.Error)
		return res
	}

	relCtx := ctx
	if s.cfg.RelationshipTimeout > 0 {
		var cancel context.CancelFunc
		relCtx, cancel = context.WithTimeout(ctx, s.cfg.RelationshipTimeout)
		defer cancel()
	}

	dr := s.dispatcher.Dispatch(relCtx, item, batchDate, run.ID)
	res.SuggestionsGenerated = dr.Suggestions
	res.callErrors = len(dr.Errors)

	if dr.Calls > 0 && len(dr.Errors) == dr.Calls {
		res.Error = failureReason(ctx, relCtx, s.cfg.RelationshipTimeout, dr.Err())
		s.fail(lctx, log, run.ID, res.Error)
		return res
	}

	var errMsg string
	if err := dr.Err(); err != nil {
		errMsg = err.Error()
	}
	if err := s.ledger.MarkCompleted(lctx, run.ID, dr.Suggestions, errMsg); err != nil {
		res.Error = fmt.Sprintf("marking completed: %v", err)
		log.Error("marking completed", "error", err)
		return res
	}
	res.Status = storage.RunCompleted
	res.Error = errMsg
	s.markProcessed(lctx, log, run.ID, item)
	log.Info("relationship completed", "suggestions", dr.Suggestions, "calls", dr.Calls, "call_errors", len(dr.Errors))
	return res
}

func failureReason(runCtx, relCtx context.Context, relTimeout time.Duration, err error) string {
	switch {
	case runCtx.Err() != nil:
		return fmt.Sprintf("batch run aborted: %v: %v", runCtx.Err(), err)
	case errors.Is(relCtx.Err(), context.DeadlineExceeded):
		return fmt.Sprintf("relationship timed out after %s: %v", relTimeout, err)
	}
	return err.Error()
}

func (s *Scheduler) fail(ctx context.Context, log *slog.Logger, runID, msg string) {
	if err := s.ledger.MarkFailed(ctx, runID, msg); err != nil {
		log.Error("marking failed", "error", err)
	}
	log.Warn("relationship failed", "reason", msg)
}

func (s *Scheduler) markProcessed(ctx context.Context, log *slog.Logger, runID string, item WorkItem) {
	n, err := s.ledger.MarkEntriesProcessed(ctx, runID, item.EntryIDs())
	if err != nil {
		log.Error("marking entries processed", "error", err)
		return
	}
	log.Debug("entries marked processed", "marked", n)
}

func (s *Scheduler) enqueueRetries(batchDate string, results []RelationshipResult) (int, error) {
	if s.jobs == nil {
		return 0, errors.New("no job queue configured")
	}
	queued := 0
	for _, r := range results {
		if r.Status != storage.RunFailed {
			continue
		}
		payload, err := json.Marshal(RetryPayload{BatchDate: batchDate, RelationshipID: r.RelationshipID})
		if err != nil {
			return queued, err
		}
		if err := s.jobs.EnqueueJob(storage.Job{
			ID:          uuid.New().String(),
			Type:        RetryJobType,
			PayloadJSON: string(payload),
		}); err != nil {
			return queued, fmt.Errorf("enqueueing retry for %s: %w", r.RelationshipID, err)
		}
		queued++
	}
	return queued, nil
}

// Status lists the ledger rows recorded for batchDate.
func (s *Scheduler) Status(ctx context.Context, batchDate string) ([]storage.BatchRun, error) {
	if err := ValidateDate(batchDate); err != nil {
		return nil, err
	}
	runs, err := s.ledger.ListRuns(ctx, batchDate)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// RetryFailed queues one retry job per failed ledger row of batchDate.
func (s *Scheduler) RetryFailed(ctx context.Context, batchDate string) (int, error) {
	if err := ValidateDate(batchDate); err != nil {
		return 0, err
	}
	rows, err := s.ledger.ListRuns(ctx, batchDate)
	if err != nil {
		return 0, fmt.Errorf("listing runs: %w", err)
	}
	results := make([]RelationshipResult, 0, len(rows))
	for _, r := range rows {
		results = append(results, RelationshipResult{RelationshipID: r.RelationshipID, Status: r.Status})
	}
	return s.enqueueRetries(batchDate, results)
}

// RunRelationship re-dispatches a single relationship for batchDate outside
// the date claim. It returns an error when the relationship ends failed so
// the caller can back off and try again.
func (s *Scheduler) RunRelationship(ctx context.Context, batchDate, relationshipID string) (RelationshipResult, error) {
	if err := ValidateDate(batchDate); err != nil {
		return RelationshipResult{}, err
	}
	entries, err := s.filter.Eligible(ctx, batchDate, relationshipID)
	if err != nil {
		return RelationshipResult{}, err
	}
	if len(entries) == 0 {
		return s.settleEmpty(ctx, batchDate, relationshipID)
	}

	items := s.grouper.Group(ctx, entries)
	if len(items) == 0 {
		return RelationshipResult{}, fmt.Errorf("relationship %s: %w", relationshipID, storage.ErrNotFound)
	}

	res := s.processItem(ctx, batchDate, items[0])
	if res.Status == storage.RunFailed {
		return res, errors.New(res.Error)
	}
	return res, nil
}

// settleEmpty closes out a ledger row whose relationship has no eligible
// entries left, for example after the authors' premium lapsed. The row is
// completed with zero entries so later retries leave it alone.
func (s *Scheduler) settleEmpty(ctx context.Context, batchDate, relationshipID string) (RelationshipResult, error) {
	res := RelationshipResult{RelationshipID: relationshipID, Status: storage.RunCompleted}
	lctx := context.WithoutCancel(ctx)

	rows, err := s.ledger.ListRuns(lctx, batchDate)
	if err != nil {
		return RelationshipResult{}, fmt.Errorf("listing runs: %w", err)
	}
	var existing *storage.BatchRun
	for i := range rows {
		if rows[i].RelationshipID == relationshipID {
			existing = &rows[i]
			break
		}
	}
	if existing == nil || existing.Status == storage.RunCompleted {
		return res, nil
	}

	run, err := s.ledger.OpenRun(lctx, batchDate, relationshipID, 0, s.cfg.ClaimLease)
	if err != nil {
		return RelationshipResult{}, fmt.Errorf("opening ledger row: %w", err)
	}
	res.RunID = run.ID
	if run.Status == storage.RunCompleted {
		return res, nil
	}
	if err := s.ledger.MarkRunning(lctx, run.ID); err != nil {
		return RelationshipResult{}, fmt.Errorf("marking running: %w", err)
	}
	res.Error = "no eligible entries remain"
	if err := s.ledger.MarkCompleted(lctx, run.ID, 0, res.Error); err != nil {
		return RelationshipResult{}, fmt.Errorf("marking completed: %w", err)
	}
	s.metrics.RelationshipFinished(storage.RunCompleted)
	s.logger.Info("relationship settled without dispatch",
		"batch_date", batchDate,
		"relationship_id", relationshipID,
		"run_id", run.ID,
		"reason", res.Error,
	)
	return res, nil
}

func fatal(r Report, err error) Report {
	r.Success = false
	r.Fatal = true
	r.Outcome = OutcomeFailed
	r.Message = err.Error()
	return r
}

func alreadyProcessed(r Report) Report {
	r.Success = true
	r.AlreadyProcessed = true
	r.Outcome = OutcomeAlreadyProcessed
	r.Message = "batch already processed for this date"
	return r
}
