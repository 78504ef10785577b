package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/tandem/internal/storage"
)

// ErrEligibilityUnavailable means the journal or entitlement data could not
// be read. The batch must not run on partial eligibility data.
var ErrEligibilityUnavailable = errors.New("eligibility data unavailable")

// ErrInvalidDate is returned for a batch date not in YYYY-MM-DD form.
var ErrInvalidDate = errors.New("invalid batch date")

// EntrySource is the read side the filter needs.
type EntrySource interface {
	CandidateEntries(ctx context.Context, from, to time.Time, relationshipID string) ([]storage.JournalEntry, error)
	ActivePremium(ctx context.Context, userIDs []string, at time.Time) (map[string]bool, error)
}

// EligibilityFilter selects the journal entries a batch date may process.
type EligibilityFilter struct {
	source EntrySource
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
}

func NewEligibilityFilter(source EntrySource, loc *time.Location) *EligibilityFilter {
	if loc == nil {
		loc = time.Local
	}
	return &EligibilityFilter{
		source: source,
		loc:    loc,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// DayWindow returns [date 00:00, next day 00:00) in loc.
func DayWindow(batchDate string, loc *time.Location) (time.Time, time.Time, error) {
	from, err := time.ParseInLocation(storage.DateLayout, batchDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w %q: %v", ErrInvalidDate, batchDate, err)
	}
	return from, from.AddDate(0, 0, 1), nil
}

// Eligible returns the qualifying entries for batchDate in fetch order. When
// relationshipID is non-empty only that relationship is considered. On any
// data source failure it returns an empty set and an error wrapping
// ErrEligibilityUnavailable.
func (f *EligibilityFilter) Eligible(ctx context.Context, batchDate, relationshipID string) ([]EligibleEntry, error) {
	from, to, err := DayWindow(batchDate, f.loc)
	if err != nil {
		return []EligibleEntry{}, err
	}

	candidates, err := f.source.CandidateEntries(ctx, from, to, relationshipID)
	if err != nil {
		return []EligibleEntry{}, fmt.Errorf("%w: loading journal entries: %w", ErrEligibilityUnavailable, err)
	}
	if len(candidates) == 0 {
		return []EligibleEntry{}, nil
	}

	// One entitlement lookup per distinct author.
	seen := make(map[string]bool)
	var authors []string
	for _, c := range candidates {
		if !seen[c.AuthorID] {
			seen[c.AuthorID] = true
			authors = append(authors, c.AuthorID)
		}
	}

	premium, err := f.source.ActivePremium(ctx, authors, f.now())
	if err != nil {
		return []EligibleEntry{}, fmt.Errorf("%w: checking entitlements: %w", ErrEligibilityUnavailable, err)
	}

	eligible := make([]EligibleEntry, 0, len(candidates))
	for _, c := range candidates {
		if !premium[c.AuthorID] {
			continue
		}
		eligible = append(eligible, EligibleEntry{
			EntryID:        c.ID,
			AuthorID:       c.AuthorID,
			RelationshipID: c.RelationshipID,
			ContentRef:     c.ContentRef,
			AuthoredAt:     c.AuthoredAt,
		})
	}

	f.logger.Debug("eligibility computed",
		"batch_date", batchDate,
		"candidates", len(candidates),
		"authors", len(authors),
		"eligible", len(eligible),
	)
	return eligible, nil
}
