package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/tandem/internal/generator"
	"github.com/kalambet/tandem/internal/storage"
)

// Strategy selects how a work item is turned into generator calls.
type Strategy string

const (
	// StrategyPerAuthor makes one call per distinct author, addressed to the
	// other members of the relationship.
	StrategyPerAuthor Strategy = "per_author"
	// StrategyRepresentative makes one call per member who wrote nothing,
	// crediting the author of the first entry.
	StrategyRepresentative Strategy = "representative"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyPerAuthor, StrategyRepresentative:
		return Strategy(s), nil
	case "":
		return StrategyPerAuthor, nil
	}
	return "", fmt.Errorf("unknown dispatch strategy %q (want %s or %s)", s, StrategyPerAuthor, StrategyRepresentative)
}

// Generator produces suggestions for one source author.
type Generator interface {
	Generate(ctx context.Context, req generator.GenerateRequest) ([]generator.Suggestion, error)
}

// SuggestionStore persists validated suggestions.
type SuggestionStore interface {
	SaveSuggestions(ctx context.Context, suggestions []storage.Suggestion) error
}

type DispatcherConfig struct {
	Strategy       Strategy
	Concurrency    int // parallel calls within one relationship
	MaxSuggestions int
	TimeframeHours int
	SuggestionTTL  time.Duration
}

// Dispatcher fans a work item out to the generator and stores the results.
type Dispatcher struct {
	gen     Generator
	store   SuggestionStore
	cfg     DispatcherConfig
	metrics Recorder
	logger  *slog.Logger
	now     func() time.Time
}

func NewDispatcher(gen Generator, store SuggestionStore, cfg DispatcherConfig) *Dispatcher {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyPerAuthor
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.SuggestionTTL <= 0 {
		cfg.SuggestionTTL = 7 * 24 * time.Hour
	}
	return &Dispatcher{
		gen:     gen,
		store:   store,
		cfg:     cfg,
		metrics: nopRecorder{},
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// SetRecorder attaches a metrics recorder.
func (d *Dispatcher) SetRecorder(r Recorder) {
	if r != nil {
		d.metrics = r
	}
}

type call struct {
	source     string
	recipients []string
}

// plan lists the generator calls for an item. An item whose roster has no
// member besides the authors yields no calls.
func (d *Dispatcher) plan(item WorkItem) []call {
	if len(item.Entries) == 0 {
		return nil
	}

	authored := make(map[string]bool)
	var authors []string
	for _, e := range item.Entries {
		if !authored[e.AuthorID] {
			authored[e.AuthorID] = true
			authors = append(authors, e.AuthorID)
		}
	}

	var calls []call
	switch d.cfg.Strategy {
	case StrategyRepresentative:
		source := item.Entries[0].AuthorID
		for _, m := range item.Members {
			if authored[m.MemberID] {
				continue
			}
			calls = append(calls, call{source: source, recipients: []string{m.MemberID}})
		}
	default:
		for _, author := range authors {
			var recipients []string
			for _, m := range item.Members {
				if m.MemberID != author {
					recipients = append(recipients, m.MemberID)
				}
			}
			if len(recipients) == 0 {
				continue
			}
			calls = append(calls, call{source: author, recipients: recipients})
		}
	}
	return calls
}

// Dispatch issues the item's generator calls on a bounded pool. A failing
// call is recorded and never stops its siblings.
func (d *Dispatcher) Dispatch(ctx context.Context, item WorkItem, batchDate, runID string) DispatchResult {
	calls := d.plan(item)
	result := DispatchResult{Calls: len(calls)}
	if len(calls) == 0 {
		return result
	}

	members := make(map[string]bool, len(item.Members))
	for _, m := range item.Members {
		members[m.MemberID] = true
	}

	sem := semaphore.NewWeighted(int64(d.cfg.Concurrency))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	record := func(c call, stored int, err error) {
		mu.Lock()
		defer mu.Unlock()
		result.Suggestions += stored
		if err != nil {
			result.Errors = append(result.Errors, CallError{SourceAuthorID: c.source, RecipientIDs: c.recipients, Err: err})
		}
	}

	for i, c := range calls {
		if err := sem.Acquire(ctx, 1); err != nil {
			for _, rest := range calls[i:] {
				record(rest, 0, err)
				d.metrics.CallFinished(err)
			}
			break
		}
		wg.Add(1)
		go func(c call) {
			defer wg.Done()
			defer sem.Release(1)
			stored, err := d.dispatchOne(ctx, item, members, c, batchDate, runID)
			d.metrics.CallFinished(err)
			record(c, stored, err)
		}(c)
	}
	wg.Wait()

	if len(result.Errors) > 0 {
		d.logger.Warn("generator calls failed",
			"relationship_id", item.RelationshipID,
			"run_id", runID,
			"failed", len(result.Errors),
			"calls", result.Calls,
		)
	}
	return result
}

func (d *Dispatcher) dispatchOne(ctx context.Context, item WorkItem, members map[string]bool, c call, batchDate, runID string) (int, error) {
	generated, err := d.gen.Generate(ctx, generator.GenerateRequest{
		RelationshipID: item.RelationshipID,
		SourceUserID:   c.source,
		RecipientIDs:   c.recipients,
		TimeframeHours: d.cfg.TimeframeHours,
		MaxSuggestions: d.cfg.MaxSuggestions,
		BatchMode:      true,
		BatchDate:      batchDate,
		BatchID:        runID,
	})
	if err != nil {
		return 0, fmt.Errorf("generating suggestions: %w", err)
	}

	now := d.now().UTC()
	var kept []storage.Suggestion
	for _, g := range generated {
		if d.cfg.MaxSuggestions > 0 && len(kept) >= d.cfg.MaxSuggestions {
			break
		}
		if g.RecipientID == c.source || !members[g.RecipientID] {
			d.logger.Debug("dropping suggestion with invalid recipient",
				"relationship_id", item.RelationshipID,
				"source", c.source,
				"recipient", g.RecipientID,
			)
			continue
		}
		expires := now.Add(d.cfg.SuggestionTTL)
		if g.ExpiresAt != nil {
			expires = g.ExpiresAt.UTC()
		}
		kept = append(kept, storage.Suggestion{
			ID:              uuid.New().String(),
			RecipientID:     g.RecipientID,
			RelationshipID:  item.RelationshipID,
			SourceAuthorID:  c.source,
			SuggestionType:  g.SuggestionType,
			Title:           g.Title,
			PriorityScore:   g.PriorityScore,
			ConfidenceScore: g.ConfidenceScore,
			CreatedAt:       now,
			ExpiresAt:       expires,
			BatchID:         runID,
		})
	}

	// Saved after a deadline too, once the generator has answered.
	if err := d.store.SaveSuggestions(context.WithoutCancel(ctx), kept); err != nil {
		return 0, fmt.Errorf("storing suggestions: %w", err)
	}
	d.metrics.SuggestionsStored(len(kept))
	return len(kept), nil
}
