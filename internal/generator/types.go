package generator

import "time"

// GenerateRequest is the body of POST /relationships/generate.
type GenerateRequest struct {
	RelationshipID string   `json:"relationshipId"`
	SourceUserID   string   `json:"sourceUserId"`
	RecipientIDs   []string `json:"recipientIds,omitempty"`
	TimeframeHours int      `json:"timeframeHours"`
	MaxSuggestions int      `json:"maxSuggestions"`
	BatchMode      bool     `json:"batchMode"`
	BatchDate      string   `json:"batchDate"`
	BatchID        string   `json:"batchId"`
}

// Suggestion is one item produced by the generation service.
type Suggestion struct {
	RecipientID     string     `json:"recipientId"`
	SuggestionType  string     `json:"suggestionType"`
	Title           string     `json:"title,omitempty"`
	PriorityScore   float64    `json:"priorityScore"`
	ConfidenceScore float64    `json:"confidenceScore"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
}

// GenerateResponse is the envelope returned by the generation service.
type GenerateResponse struct {
	Result struct {
		Suggestions []Suggestion `json:"suggestions"`
	} `json:"result"`
}
