// Package moderation implements the content gate every submission passes
// before a job record is created.
package moderation

import (
	"context"
	"errors"

	"github.com/abdusss111/marbix-service/pkg/models"
)

// ErrUnavailable signals the moderation service itself failed; the caller
// must refuse the submission with a transient message rather than a policy
// verdict.
var ErrUnavailable = errors.New("moderation service unavailable")

// Decision is the verdict for one submission.
type Decision struct {
	Allowed        bool     `json:"is_allowed"`
	ViolatedTopics []string `json:"violated_topics,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Confidence     float64  `json:"confidence,omitempty"`
	RiskLevel      string   `json:"risk_level,omitempty"`
}

// Checker is the gate interface the submission endpoint consumes.
type Checker interface {
	CheckPayload(ctx context.Context, payload *models.StrategyPayload) (*Decision, error)
}
