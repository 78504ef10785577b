package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/tandem/internal/storage"
)

// RosterSource resolves relationships and their members.
type RosterSource interface {
	GetRelationship(ctx context.Context, id string) (storage.Relationship, error)
	Roster(ctx context.Context, relationshipID string) ([]storage.Member, error)
}

// Grouper turns eligible entries into one work item per relationship.
type Grouper struct {
	source RosterSource
	logger *slog.Logger
}

func NewGrouper(source RosterSource) *Grouper {
	return &Grouper{source: source, logger: slog.Default()}
}

// Group buckets entries by relationship, preserving entry order inside each
// item and first-seen order across items. The roster is fetched once per
// relationship. Unknown relationships are dropped; lookup failures produce an
// item carrying LookupErr.
func (g *Grouper) Group(ctx context.Context, entries []EligibleEntry) []WorkItem {
	var order []string
	buckets := make(map[string][]EligibleEntry)
	for _, e := range entries {
		if e.RelationshipID == "" {
			continue
		}
		if _, ok := buckets[e.RelationshipID]; !ok {
			order = append(order, e.RelationshipID)
		}
		buckets[e.RelationshipID] = append(buckets[e.RelationshipID], e)
	}

	items := make([]WorkItem, 0, len(order))
	for _, relID := range order {
		item := WorkItem{RelationshipID: relID, Entries: buckets[relID]}

		rel, err := g.source.GetRelationship(ctx, relID)
		if errors.Is(err, storage.ErrNotFound) {
			g.logger.Warn("dropping entries for unknown relationship",
				"relationship_id", relID,
				"entries", len(item.Entries),
			)
			continue
		}
		if err != nil {
			item.LookupErr = fmt.Errorf("loading relationship: %w", err)
			items = append(items, item)
			continue
		}
		item.RelationshipName = rel.Name

		members, err := g.source.Roster(ctx, relID)
		if err != nil {
			item.LookupErr = fmt.Errorf("loading roster: %w", err)
		}
		item.Members = members
		items = append(items, item)
	}
	return items
}
