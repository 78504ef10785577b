package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/kalambet/tandem/internal/storage"
)

// Outcome is the terminal state of one batch run.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomePartiallyFailed  Outcome = "partially_failed"
	OutcomeFailed           Outcome = "failed"
	OutcomeNothingToDo      Outcome = "nothing_to_do"
	OutcomeAlreadyProcessed Outcome = "already_processed"
)

// EligibleEntry is a journal entry that qualifies for the batch.
type EligibleEntry struct {
	EntryID        string
	AuthorID       string
	RelationshipID string
	ContentRef     string
	AuthoredAt     time.Time
}

// WorkItem is one relationship with its qualifying entries and roster.
// LookupErr is set when the roster could not be loaded; the item is still
// emitted so the failure is written to the ledger.
type WorkItem struct {
	RelationshipID   string
	RelationshipName string
	Members          []storage.Member
	Entries          []EligibleEntry
	LookupErr        error
}

// EntryIDs returns the ids of the item's entries in order.
func (w WorkItem) EntryIDs() []string {
	ids := make([]string, len(w.Entries))
	for i, e := range w.Entries {
		ids[i] = e.EntryID
	}
	return ids
}

// CallError is a failed generator call within one relationship.
type CallError struct {
	SourceAuthorID string
	RecipientIDs   []string
	Err            error
}

func (e CallError) Error() string {
	return fmt.Sprintf("source %s -> [%s]: %v", e.SourceAuthorID, strings.Join(e.RecipientIDs, ","), e.Err)
}

func (e CallError) Unwrap() error { return e.Err }

// DispatchResult is the outcome of dispatching one work item.
type DispatchResult struct {
	Calls       int
	Suggestions int
	Errors      []CallError
}

// Err folds the call errors into one error, or returns nil when every call
// succeeded.
func (r DispatchResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	var merr *multierror.Error
	for _, ce := range r.Errors {
		merr = multierror.Append(merr, ce)
	}
	merr.ErrorFormat = inlineFormat
	return merr
}

// inlineFormat renders a multierror on one line so it fits a ledger column.
func inlineFormat(errs []error) string {
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	if len(errs) == 1 {
		return "1 call failed: " + parts[0]
	}
	return fmt.Sprintf("%d calls failed: %s", len(errs), strings.Join(parts, "; "))
}

// RelationshipResult is one relationship's line in the run report.
type RelationshipResult struct {
	RelationshipID       string            `json:"relationshipId"`
	RunID                string            `json:"runId,omitempty"`
	EntriesProcessed     int               `json:"entriesProcessed"`
	SuggestionsGenerated int               `json:"suggestionsGenerated"`
	Status               storage.RunStatus `json:"status"`
	Error                string            `json:"error,omitempty"`

	callErrors int
}

// Summary aggregates the relationship results of a run.
type Summary struct {
	JournalsProcessed     int `json:"journalsProcessed"`
	RelationshipsAnalyzed int `json:"relationshipsAnalyzed"`
	SuggestionsGenerated  int `json:"suggestionsGenerated"`
	SuccessfulBatches     int `json:"successfulBatches"`
	FailedBatches         int `json:"failedBatches"`
}

// Report is the structured result of Scheduler.Run. Fatal is set when the run
// could not start because its data sources were unavailable.
type Report struct {
	Success          bool                 `json:"success"`
	BatchDate        string               `json:"batchDate"`
	Outcome          Outcome              `json:"outcome"`
	AlreadyProcessed bool                 `json:"alreadyProcessed,omitempty"`
	Message          string               `json:"message,omitempty"`
	Summary          Summary              `json:"summary"`
	Results          []RelationshipResult `json:"results"`
	Fatal            bool                 `json:"-"`
	Duration         time.Duration        `json:"-"`
}

func summarize(results []RelationshipResult) Summary {
	var s Summary
	s.RelationshipsAnalyzed = len(results)
	for _, r := range results {
		s.JournalsProcessed += r.EntriesProcessed
		s.SuggestionsGenerated += r.SuggestionsGenerated
		switch r.Status {
		case storage.RunCompleted:
			s.SuccessfulBatches++
		case storage.RunFailed:
			s.FailedBatches++
		}
	}
	return s
}

// classify derives the run outcome from per-relationship results.
func classify(results []RelationshipResult) Outcome {
	var completed, failed, callErrors int
	for _, r := range results {
		switch r.Status {
		case storage.RunCompleted:
			completed++
		case storage.RunFailed:
			failed++
		}
		callErrors += r.callErrors
	}
	switch {
	case completed == 0:
		return OutcomeFailed
	case failed > 0 || callErrors > 0:
		return OutcomePartiallyFailed
	default:
		return OutcomeCompleted
	}
}

// Recorder receives pipeline events for metrics.
type Recorder interface {
	RunFinished(outcome Outcome, d time.Duration)
	RelationshipFinished(status storage.RunStatus)
	CallFinished(err error)
	SuggestionsStored(n int)
}

type nopRecorder struct{}

func (nopRecorder) RunFinished(Outcome, time.Duration) {}
func (nopRecorder) RelationshipFinished(storage.RunStatus) {}
func (nopRecorder) CallFinished(error) {}
func (nopRecorder) SuggestionsStored(int) {}
