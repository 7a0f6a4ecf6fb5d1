package models

import (
	"time"
)

// Request statuses. A record only ever moves forward:
// requested -> processing -> completed | error | failed.
// rejected is assigned at submission time and is terminal.
const (
	StatusRequested  = "requested"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
	StatusFailed     = "failed"
	StatusRejected   = "rejected"
)

// MaxSources caps the number of citation URLs persisted per request.
const MaxSources = 50

// StrategyRequest is the single source of truth for one strategy generation
// request. The API creates it, the worker mutates it, and the status/stream
// endpoints read it.
type StrategyRequest struct {
	RequestID          string           `db:"request_id"           json:"request_id"`
	UserID             string           `db:"user_id"              json:"user_id"`
	Status             string           `db:"status"               json:"status"`
	RequestData        *StrategyPayload `db:"request_data"         json:"request_data,omitempty"`
	Result             *string          `db:"result"               json:"result,omitempty"`
	Sources            []string         `db:"sources"              json:"sources,omitempty"`
	Error              *string          `db:"error"                json:"error,omitempty"`
	RetryCount         int              `db:"retry_count"          json:"retry_count"`
	MaxRetries         int              `db:"max_retries"          json:"max_retries"`
	CreatedAt          time.Time        `db:"created_at"           json:"created_at"`
	CompletedAt        *time.Time       `db:"completed_at"         json:"completed_at,omitempty"`
	CallbackReceivedAt *time.Time       `db:"callback_received_at" json:"callback_received_at,omitempty"`
}

// TerminalStatus reports whether status is one of the write-once end states.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusError, StatusFailed, StatusRejected:
		return true
	}
	return false
}
