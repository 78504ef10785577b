package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/tandem/internal/storage"
)

type stubRoster struct {
	relationships map[string]storage.Relationship
	rosters       map[string][]storage.Member
	relErr        error
	rosterCalls   map[string]int
}

func (s *stubRoster) GetRelationship(_ context.Context, id string) (storage.Relationship, error) {
	if s.relErr != nil {
		return storage.Relationship{}, s.relErr
	}
	r, ok := s.relationships[id]
	if !ok {
		return storage.Relationship{}, storage.ErrNotFound
	}
	return r, nil
}

func (s *stubRoster) Roster(_ context.Context, id string) ([]storage.Member, error) {
	if s.rosterCalls == nil {
		s.rosterCalls = make(map[string]int)
	}
	s.rosterCalls[id]++
	return s.rosters[id], nil
}

func TestGroup_OneItemPerRelationship(t *testing.T) {
	src := &stubRoster{
		relationships: map[string]storage.Relationship{"R1": {ID: "R1", Name: "one"}, "R2": {ID: "R2", Name: "two"}},
		rosters: map[string][]storage.Member{
			"R1": members("A", "B"),
			"R2": members("C", "D"),
		},
	}
	in := []EligibleEntry{
		{EntryID: "1", AuthorID: "A", RelationshipID: "R1"},
		{EntryID: "2", AuthorID: "C", RelationshipID: "R2"},
		{EntryID: "3", AuthorID: "B", RelationshipID: "R1"},
		{EntryID: "4", AuthorID: "A", RelationshipID: "R1"},
	}

	items := NewGrouper(src).Group(context.Background(), in)
	require.Len(t, items, 2)

	assert.Equal(t, "R1", items[0].RelationshipID)
	assert.Equal(t, "one", items[0].RelationshipName)
	assert.Equal(t, []string{"1", "3", "4"}, items[0].EntryIDs())
	assert.Len(t, items[0].Members, 2)
	assert.NoError(t, items[0].LookupErr)

	assert.Equal(t, "R2", items[1].RelationshipID)
	assert.Equal(t, []string{"2"}, items[1].EntryIDs())

	assert.Equal(t, map[string]int{"R1": 1, "R2": 1}, src.rosterCalls, "roster fetched once per relationship")
}

func TestGroup_DropsUnknownRelationship(t *testing.T) {
	src := &stubRoster{
		relationships: map[string]storage.Relationship{"R1": {ID: "R1"}},
		rosters:       map[string][]storage.Member{"R1": members("A")},
	}
	items := NewGrouper(src).Group(context.Background(), []EligibleEntry{
		{EntryID: "1", AuthorID: "A", RelationshipID: "R1"},
		{EntryID: "2", AuthorID: "X", RelationshipID: "R-missing"},
		{EntryID: "3", AuthorID: "A"},
	})

	require.Len(t, items, 1)
	assert.Equal(t, "R1", items[0].RelationshipID)
}

func TestGroup_LookupErrorIsCarried(t *testing.T) {
	src := &stubRoster{relErr: errors.New("db gone")}
	items := NewGrouper(src).Group(context.Background(), []EligibleEntry{
		{EntryID: "1", AuthorID: "A", RelationshipID: "R1"},
	})

	require.Len(t, items, 1)
	assert.ErrorContains(t, items[0].LookupErr, "db gone")
	assert.Equal(t, []string{"1"}, items[0].EntryIDs())
}
