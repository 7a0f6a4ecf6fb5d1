package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/google/uuid"

	mw "github.com/abdusss111/marbix-service/internal/api/middleware"
	"github.com/abdusss111/marbix-service/internal/moderation"
	"github.com/abdusss111/marbix-service/internal/queue"
	"github.com/abdusss111/marbix-service/internal/store"
	"github.com/abdusss111/marbix-service/pkg/models"
)

// fakeStore is an in-memory Store for handler tests.
type fakeStore struct {
	mu       sync.Mutex
	requests map[string]*models.StrategyRequest
	failing  bool
}

func newFakeStore(reqs ...*models.StrategyRequest) *fakeStore {
	s := &fakeStore{requests: make(map[string]*models.StrategyRequest)}
	for _, r := range reqs {
		s.requests[r.RequestID] = r
	}
	return s
}

func (s *fakeStore) Ping(ctx context.Context) error { return nil }

func (s *fakeStore) CreateRequest(ctx context.Context, req *models.StrategyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return context.DeadlineExceeded
	}
	if _, ok := s.requests[req.RequestID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *req
	s.requests[req.RequestID] = &cp
	return nil
}

func (s *fakeStore) GetRequest(ctx context.Context, requestID string) (*models.StrategyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *fakeStore) UpdateRequestStatus(ctx context.Context, requestID, status string, opts ...store.UpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return store.ErrNotFound
	}
	if models.TerminalStatus(req.Status) {
		return store.ErrTerminal
	}
	req.Status = status
	p := store.ApplyOptions(opts)
	if p.Result != nil {
		req.Result = p.Result
	}
	if p.ErrorMessage != nil {
		req.Error = p.ErrorMessage
	}
	if p.CallbackReceived {
		now := time.Now().UTC()
		req.CallbackReceivedAt = &now
	}
	if models.TerminalStatus(status) {
		now := time.Now().UTC()
		req.CompletedAt = &now
	}
	return nil
}

func (s *fakeStore) MarkProcessing(ctx context.Context, requestID string) error { return nil }
func (s *fakeStore) MarkError(ctx context.Context, requestID, msg string) error { return nil }
func (s *fakeStore) MarkFailed(ctx context.Context, requestID, msg string) error {
	return nil
}

func (s *fakeStore) UpdateRequestSources(ctx context.Context, requestID string, sources []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(sources) == 0 {
		return nil
	}
	req, ok := s.requests[requestID]
	if !ok {
		return store.ErrNotFound
	}
	req.Sources = sources
	return nil
}

func (s *fakeStore) IncrementRetryCount(ctx context.Context, requestID string) (int, error) {
	return 0, nil
}

func (s *fakeStore) ListUserRequests(ctx context.Context, userID string, filter store.RequestFilter) ([]*models.StrategyRequest, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*models.StrategyRequest
	for _, req := range s.requests {
		if req.UserID != userID {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		cp := *req
		matched = append(matched, &cp)
	}
	return matched, len(matched), nil
}

func (s *fakeStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (s *fakeStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	return nil, nil
}
func (s *fakeStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error { return nil }
func (s *fakeStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error   { return nil }
func (s *fakeStore) ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error) {
	return nil, nil
}
func (s *fakeStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID string) error { return nil }

// fakeCache is a minimal in-memory Cache.
type fakeCache struct {
	mu       sync.Mutex
	statuses map[string]string
}

func newFakeCache() *fakeCache { return &fakeCache{statuses: make(map[string]string)} }

func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}
func (c *fakeCache) Delete(ctx context.Context, key string) error { return nil }
func (c *fakeCache) Ping(ctx context.Context) error               { return nil }
func (c *fakeCache) SetRequestStatus(ctx context.Context, requestID, status string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[requestID] = status
	return nil
}
func (c *fakeCache) GetRequestStatus(ctx context.Context, requestID string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[requestID]
	return s, ok, nil
}
func (c *fakeCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	return 1, nil
}

// fakeChecker returns a scripted moderation decision.
type fakeChecker struct {
	decision *moderation.Decision
	err      error
}

func (c *fakeChecker) CheckPayload(ctx context.Context, payload *models.StrategyPayload) (*moderation.Decision, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.decision, nil
}

// fakeEnqueuer records enqueued jobs.
type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []queue.Job
	err  error
}

func (e *fakeEnqueuer) Enqueue(ctx context.Context, job queue.Job) error {
	if e.err != nil {
		return e.err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, job)
	return nil
}

// fakeSink records published events.
type fakeSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *fakeSink) Publish(ctx context.Context, event models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// asUser injects the authenticated user the way the auth middleware would.
func asUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(mw.SetUserID(r.Context(), userID))
}

func validSubmission() string {
	return `{
		"business_type": "coffee shop",
		"business_goal": "double online orders",
		"location": "Almaty",
		"product_data": "specialty coffee",
		"target_audience_info": "office workers"
	}`
}

func doRequest(h http.HandlerFunc, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}
