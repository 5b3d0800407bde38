package data

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Error variables for consistent error handling
var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicate     = errors.New("duplicate record")
	ErrInvalidFilter = errors.New("invalid filter parameters")
)

// BroadcastRecord is the persisted summary of one broadcast. Per-call
// results are summarized here rather than retained in memory.
type BroadcastRecord struct {
	ID              string    `json:"id"`
	TxHash          string    `json:"tx_hash"`
	ChainID         uint64    `json:"chain_id"`
	Strategy        string    `json:"strategy"`
	State           string    `json:"state"`
	SuccessfulCount int       `json:"successful_count"`
	FailedCount     int       `json:"failed_count"`
	TotalAttempts   int       `json:"total_attempts"`
	Agreement       float64   `json:"agreement"`
	DurationMs      int64     `json:"duration_ms"`
	Warnings        []string  `json:"warnings,omitempty"`
	CreatedAt       time.Time `json:"created_at"`

	// Set by the monitor once the transaction reaches a terminal state.
	ConfirmationStatus string `json:"confirmation_status,omitempty"`
	Confirmations      int    `json:"confirmations,omitempty"`
}

// AttemptRecord is one persisted provider attempt.
type AttemptRecord struct {
	ID             string    `json:"id"`
	BroadcastID    string    `json:"broadcast_id"`
	ProviderID     string    `json:"provider_id"`
	Success        bool      `json:"success"`
	ErrorCategory  string    `json:"error_category,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewAttemptRecord builds an attempt row with a fresh id.
func NewAttemptRecord(broadcastID, providerID string) *AttemptRecord {
	return &AttemptRecord{
		ID:          uuid.New().String(),
		BroadcastID: broadcastID,
		ProviderID:  providerID,
		CreatedAt:   time.Now().UTC(),
	}
}

// BroadcastFilter defines filter parameters for history queries.
type BroadcastFilter struct {
	TxHash   string
	State    string
	Strategy string
	FromTime *time.Time
	ToTime   *time.Time
	Limit    int
	Offset   int
}
