package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- Relationships ---

func (s *Store) SaveRelationship(ctx context.Context, r Relationship) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relationships (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		r.ID, r.Name, formatTime(createdAt),
	)
	return err
}

func (s *Store) GetRelationship(ctx context.Context, id string) (Relationship, error) {
	var r Relationship
	var createdAt string
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM relationships WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Relationship{}, ErrNotFound
	}
	if err != nil {
		return Relationship{}, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Relationship{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return r, nil
}

func (s *Store) AddMember(ctx context.Context, relationshipID string, m Member) error {
	joinedAt := m.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = s.now()
	}
	role := m.Role
	if role == "" {
		role = "partner"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relationship_members (relationship_id, member_id, display_name, role, joined_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(relationship_id, member_id) DO UPDATE SET display_name = excluded.display_name, role = excluded.role`,
		relationshipID, m.MemberID, m.DisplayName, role, formatTime(joinedAt),
	)
	return err
}

// Roster returns the members of a relationship ordered by join time.
func (s *Store) Roster(ctx context.Context, relationshipID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT member_id, display_name, role, joined_at
		FROM relationship_members WHERE relationship_id = ?
		ORDER BY joined_at ASC, member_id ASC`, relationshipID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		var joinedAt string
		if err := rows.Scan(&m.MemberID, &m.DisplayName, &m.Role, &joinedAt); err != nil {
			return nil, err
		}
		if m.JoinedAt, err = parseTime(joinedAt); err != nil {
			return nil, fmt.Errorf("parsing joined_at: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// --- Entitlements ---

func (s *Store) SetEntitlement(ctx context.Context, e Entitlement) error {
	var expiresAt any
	if e.ExpiresAt != nil {
		expiresAt = formatTime(*e.ExpiresAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlements (user_id, tier, status, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET tier = excluded.tier, status = excluded.status, expires_at = excluded.expires_at`,
		e.UserID, e.Tier, e.Status, expiresAt,
	)
	return err
}

// ActivePremium returns the subset of userIDs holding an active, unexpired
// premium entitlement at the given instant.
func (s *Store) ActivePremium(ctx context.Context, userIDs []string, at time.Time) (map[string]bool, error) {
	result := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	args := make([]any, 0, len(userIDs)+1)
	for _, id := range userIDs {
		args = append(args, id)
	}
	args = append(args, formatTime(at))

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM entitlements
		WHERE user_id IN (`+placeholders(len(userIDs))+`)
		  AND tier = 'premium' AND status = 'active'
		  AND (expires_at IS NULL OR expires_at > ?)`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result[id] = true
	}
	return result, rows.Err()
}

// --- Journal entries ---

func (s *Store) SaveJournalEntry(ctx context.Context, e JournalEntry) error {
	var relationshipID any
	if e.RelationshipID != "" {
		relationshipID = e.RelationshipID
	}
	ready := 0
	if e.ReadyForBatch {
		ready = 1
	}
	var processedAt any
	if e.ProcessedAt != nil {
		processedAt = formatTime(*e.ProcessedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journal_entries (id, author_id, relationship_id, content_ref, authored_at, ready_for_batch, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AuthorID, relationshipID, e.ContentRef, formatTime(e.AuthoredAt), ready, processedAt,
	)
	return err
}

func (s *Store) GetJournalEntry(ctx context.Context, id string) (JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author_id, relationship_id, content_ref, authored_at, ready_for_batch, processed_at, batch_run_id
		FROM journal_entries WHERE id = ?`, id)
	if err != nil {
		return JournalEntry{}, err
	}
	entries, err := scanJournalEntries(rows)
	if err != nil {
		return JournalEntry{}, err
	}
	if len(entries) == 0 {
		return JournalEntry{}, ErrNotFound
	}
	return entries[0], nil
}

// CandidateEntries returns unprocessed, batch-ready, relationship-scoped
// entries authored in [from, to). When relationshipID is non-empty only that
// relationship's entries are returned. Order is authored_at then id.
func (s *Store) CandidateEntries(ctx context.Context, from, to time.Time, relationshipID string) ([]JournalEntry, error) {
	query := `
		SELECT id, author_id, relationship_id, content_ref, authored_at, ready_for_batch, processed_at, batch_run_id
		FROM journal_entries
		WHERE ready_for_batch = 1
		  AND processed_at IS NULL
		  AND relationship_id IS NOT NULL AND relationship_id <> ''
		  AND authored_at >= ? AND authored_at < ?`
	args := []any{formatTime(from), formatTime(to)}
	if relationshipID != "" {
		query += ` AND relationship_id = ?`
		args = append(args, relationshipID)
	}
	query += ` ORDER BY authored_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanJournalEntries(rows)
}

func scanJournalEntries(rows *sql.Rows) ([]JournalEntry, error) {
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var relationshipID, processedAt, batchRunID sql.NullString
		var authoredAt string
		var ready int
		if err := rows.Scan(&e.ID, &e.AuthorID, &relationshipID, &e.ContentRef, &authoredAt, &ready, &processedAt, &batchRunID); err != nil {
			return nil, err
		}
		var err error
		if e.AuthoredAt, err = parseTime(authoredAt); err != nil {
			return nil, fmt.Errorf("parsing authored_at for entry %s: %w", e.ID, err)
		}
		if e.ProcessedAt, err = parseNullTime(processedAt); err != nil {
			return nil, fmt.Errorf("parsing processed_at for entry %s: %w", e.ID, err)
		}
		e.RelationshipID = relationshipID.String
		e.BatchRunID = batchRunID.String
		e.ReadyForBatch = ready == 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkEntriesProcessed stamps processed_at on the given entries. Entries that
// were already processed are left untouched; the number of rows actually
// marked is returned.
func (s *Store) MarkEntriesProcessed(ctx context.Context, runID string, entryIDs []string) (int64, error) {
	if len(entryIDs) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(entryIDs)+2)
	args = append(args, formatTime(s.now()), runID)
	for _, id := range entryIDs {
		args = append(args, id)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE journal_entries SET processed_at = ?, batch_run_id = ?
		WHERE id IN (`+placeholders(len(entryIDs))+`) AND processed_at IS NULL`, args...,
	)
	if err != nil {
		return 0, fmt.Errorf("marking entries processed: %w", err)
	}
	return res.RowsAffected()
}

// --- Suggestions ---

// SaveSuggestions inserts all suggestions in a single transaction.
func (s *Store) SaveSuggestions(ctx context.Context, suggestions []Suggestion) error {
	if len(suggestions) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning suggestions transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO suggestions (id, recipient_id, relationship_id, source_author_id, suggestion_type, title,
			priority_score, confidence_score, created_at, expires_at, batch_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing suggestion insert: %w", err)
	}
	defer stmt.Close()

	for _, sg := range suggestions {
		if _, err := stmt.ExecContext(ctx,
			sg.ID, sg.RecipientID, sg.RelationshipID, sg.SourceAuthorID, sg.SuggestionType, sg.Title,
			sg.PriorityScore, sg.ConfidenceScore, formatTime(sg.CreatedAt), formatTime(sg.ExpiresAt), sg.BatchID,
		); err != nil {
			return fmt.Errorf("inserting suggestion %s: %w", sg.ID, err)
		}
	}

	return tx.Commit()
}

// ListSuggestions returns the suggestions produced by one ledger row.
func (s *Store) ListSuggestions(ctx context.Context, batchID string) ([]Suggestion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, relationship_id, source_author_id, suggestion_type, title,
			priority_score, confidence_score, created_at, expires_at, batch_id
		FROM suggestions WHERE batch_id = ? ORDER BY created_at ASC, id ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Suggestion
	for rows.Next() {
		var sg Suggestion
		var createdAt, expiresAt string
		if err := rows.Scan(&sg.ID, &sg.RecipientID, &sg.RelationshipID, &sg.SourceAuthorID, &sg.SuggestionType, &sg.Title,
			&sg.PriorityScore, &sg.ConfidenceScore, &createdAt, &expiresAt, &sg.BatchID); err != nil {
			return nil, err
		}
		var err error
		if sg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if sg.ExpiresAt, err = parseTime(expiresAt); err != nil {
			return nil, fmt.Errorf("parsing expires_at: %w", err)
		}
		results = append(results, sg)
	}
	return results, rows.Err()
}

// CountSuggestions returns the total number of stored suggestions.
func (s *Store) CountSuggestions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM suggestions`).Scan(&n)
	return n, err
}
