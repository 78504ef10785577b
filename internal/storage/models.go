package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyProcessed is returned by ClaimRun when the date has already been
// run to completion.
var ErrAlreadyProcessed = errors.New("batch date already processed")

// ErrRunInProgress is returned by ClaimRun when another trigger holds a live
// claim for the same date.
var ErrRunInProgress = errors.New("batch run already in progress")

// DateLayout is the calendar date format used for batch_date columns.
const DateLayout = "2006-01-02"

// RunStatus is the lifecycle state of a BatchRun row.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// BatchRun is one relationship's processing attempt for one batch date.
type BatchRun struct {
	ID                   string     `json:"id"`
	BatchDate            string     `json:"batchDate"`
	RelationshipID       string     `json:"relationshipId"`
	EntriesProcessed     int        `json:"entriesProcessed"`
	SuggestionsGenerated int        `json:"suggestionsGenerated"`
	Status               RunStatus  `json:"status"`
	ErrorMessage         string     `json:"errorMessage,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
}

type JournalEntry struct {
	ID             string
	AuthorID       string
	RelationshipID string // empty when the entry is not tied to a relationship
	ContentRef     string
	AuthoredAt     time.Time
	ReadyForBatch  bool
	ProcessedAt    *time.Time
	BatchRunID     string
}

type Relationship struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

type Member struct {
	MemberID    string `json:"member_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	JoinedAt    time.Time
}

type Entitlement struct {
	UserID    string
	Tier      string // "free", "premium"
	Status    string // "active", "canceled", "past_due"
	ExpiresAt *time.Time
}

// Suggestion is a generated recommendation delivered to a non-authoring member.
type Suggestion struct {
	ID              string    `json:"id"`
	RecipientID     string    `json:"recipient_id"`
	RelationshipID  string    `json:"relationshipId"`
	SourceAuthorID  string    `json:"source_author_id"`
	SuggestionType  string    `json:"suggestion_type"`
	Title           string    `json:"title,omitempty"`
	PriorityScore   float64   `json:"priority_score"`
	ConfidenceScore float64   `json:"confidence_score"`
	CreatedAt       time.Time `json:"createdAt"`
	ExpiresAt       time.Time `json:"expires_at"`
	BatchID         string    `json:"batch_id"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
