package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/abdusss111/marbix-service/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrTerminal is returned when a write targets a record that already reached a
// terminal status. Terminal records are write-once.
var ErrTerminal = errors.New("request already in terminal state")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateRequest(ctx context.Context, req *models.StrategyRequest) error
	GetRequest(ctx context.Context, requestID string) (*models.StrategyRequest, error)
	UpdateRequestStatus(ctx context.Context, requestID, status string, opts ...UpdateOption) error
	MarkProcessing(ctx context.Context, requestID string) error
	MarkError(ctx context.Context, requestID, errorMessage string) error
	MarkFailed(ctx context.Context, requestID, errorMessage string) error
	UpdateRequestSources(ctx context.Context, requestID string, sources []string) error
	IncrementRetryCount(ctx context.Context, requestID string) (int, error)
	ListUserRequests(ctx context.Context, userID string, filter RequestFilter) ([]*models.StrategyRequest, int, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID string) error
}

// RequestFilter narrows and pages ListUserRequests.
type RequestFilter struct {
	Status string
	Page   int
	Limit  int
}

// UpdateParams collects the optional fields an UpdateRequestStatus call can
// set. Exported so Store fakes can resolve options the same way the real
// implementation does.
type UpdateParams struct {
	Result           *string
	ErrorMessage     *string
	CallbackReceived bool
}

type UpdateOption func(*UpdateParams)

// ApplyOptions resolves a list of options into concrete parameters.
func ApplyOptions(opts []UpdateOption) UpdateParams {
	var p UpdateParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func WithResult(result string) UpdateOption {
	return func(p *UpdateParams) {
		p.Result = &result
	}
}

func WithErrorMessage(msg string) UpdateOption {
	return func(p *UpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithCallbackReceived() UpdateOption {
	return func(p *UpdateParams) {
		p.CallbackReceived = true
	}
}
