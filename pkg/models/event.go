package models

import "time"

// Push event types emitted over the websocket stream.
const (
	EventStatusUpdate     = "status_update"
	EventProgressUpdate   = "progress_update"
	EventStrategyChunk    = "strategy_chunk"
	EventStrategyComplete = "strategy_complete"
	EventError            = "error"
	EventHeartbeat        = "heartbeat"
)

// Event is one JSON message delivered to a client subscribed to a request.
// Events are cached by the push notifier so a reconnecting client can replay
// what it missed.
type Event struct {
	RequestID string    `json:"request_id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Progress  int       `json:"progress,omitempty"`
	Result    string    `json:"result,omitempty"`
	Chunk     string    `json:"chunk,omitempty"`
	Seq       int       `json:"seq,omitempty"`
	Total     int       `json:"total,omitempty"`
	Sources   []string  `json:"sources,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
