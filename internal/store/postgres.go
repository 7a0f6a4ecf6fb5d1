package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/abdusss111/marbix-service/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Strategy requests ---

const requestColumns = `request_id, user_id, status, request_data, result, sources, error,
	 retry_count, max_retries, created_at, completed_at, callback_received_at`

func (s *PostgresStore) CreateRequest(ctx context.Context, req *models.StrategyRequest) error {
	data, err := json.Marshal(req.RequestData)
	if err != nil {
		return fmt.Errorf("marshal request data: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO strategy_requests (request_id, user_id, status, request_data, retry_count, max_retries, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.RequestID, req.UserID, req.Status, data, req.RetryCount, req.MaxRetries, req.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, requestID string) (*models.StrategyRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM strategy_requests WHERE request_id = $1`, requestID)

	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

// UpdateRequestStatus advances a request's status. Writes against records that
// already reached a terminal status return ErrTerminal; the record is left
// untouched. Terminal statuses also stamp completed_at.
func (s *PostgresStore) UpdateRequestStatus(ctx context.Context, requestID, status string, opts ...UpdateOption) error {
	p := ApplyOptions(opts)

	tag, err := s.pool.Exec(ctx,
		`UPDATE strategy_requests SET
		   status = $2,
		   result = COALESCE($3, result),
		   error = COALESCE($4, error),
		   completed_at = CASE WHEN $2 IN ('completed', 'error', 'failed', 'rejected') THEN NOW() ELSE completed_at END,
		   callback_received_at = CASE WHEN $5 THEN NOW() ELSE callback_received_at END
		 WHERE request_id = $1
		   AND status NOT IN ('completed', 'error', 'failed', 'rejected')`,
		requestID, status, p.Result, p.ErrorMessage, p.CallbackReceived)
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}

	return s.checkAffected(ctx, tag, requestID)
}

// MarkProcessing moves a request into processing. Unlike UpdateRequestStatus it
// admits records sitting in error, because the queue re-delivers a job after a
// stage failure and the re-run starts by claiming the record again. Claiming
// clears the previous attempt's error and completion timestamp so a processing
// row never carries leftovers from an earlier failure. Records that finished
// for good (completed, failed, rejected) stay untouched.
func (s *PostgresStore) MarkProcessing(ctx context.Context, requestID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE strategy_requests SET status = 'processing', error = NULL, completed_at = NULL
		 WHERE request_id = $1 AND status IN ('requested', 'processing', 'error')`, requestID)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return s.checkAffected(ctx, tag, requestID)
}

// MarkError records a stage failure. The record stays eligible for queue-level
// re-delivery, so a later MarkProcessing may pick it up again.
func (s *PostgresStore) MarkError(ctx context.Context, requestID, errorMessage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE strategy_requests SET status = 'error', error = $2, completed_at = NOW()
		 WHERE request_id = $1 AND status NOT IN ('completed', 'failed', 'rejected')`,
		requestID, errorMessage)
	if err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	return s.checkAffected(ctx, tag, requestID)
}

// MarkFailed permanently abandons a request after the queue gives up on it.
func (s *PostgresStore) MarkFailed(ctx context.Context, requestID, errorMessage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE strategy_requests SET status = 'failed', error = $2, completed_at = NOW()
		 WHERE request_id = $1 AND status NOT IN ('completed', 'rejected')`,
		requestID, errorMessage)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return s.checkAffected(ctx, tag, requestID)
}

func (s *PostgresStore) checkAffected(ctx context.Context, tag pgconn.CommandTag, requestID string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM strategy_requests WHERE request_id = $1)`, requestID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check request exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrTerminal
}

// UpdateRequestSources replaces the citation list. Empty input is a no-op so a
// later write can never clear sources that were already persisted.
func (s *PostgresStore) UpdateRequestSources(ctx context.Context, requestID string, sources []string) error {
	if len(sources) == 0 {
		return nil
	}
	if len(sources) > models.MaxSources {
		sources = sources[:models.MaxSources]
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE strategy_requests SET sources = $2 WHERE request_id = $1`, requestID, sources)
	if err != nil {
		return fmt.Errorf("update request sources: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) IncrementRetryCount(ctx context.Context, requestID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`UPDATE strategy_requests SET retry_count = retry_count + 1
		 WHERE request_id = $1 RETURNING retry_count`, requestID,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment retry count: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListUserRequests(ctx context.Context, userID string, filter RequestFilter) ([]*models.StrategyRequest, int, error) {
	where := "user_id = $1"
	args := []any{userID}
	if filter.Status != "" {
		where += " AND status = $2"
		args = append(args, filter.Status)
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM strategy_requests WHERE "+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count requests: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	query := fmt.Sprintf(
		`SELECT `+requestColumns+` FROM strategy_requests WHERE %s
		 ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var requests []*models.StrategyRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan request: %w", err)
		}
		requests = append(requests, req)
	}
	return requests, total, rows.Err()
}

// DeleteTerminalBefore removes completed, failed, and errored records created
// before the cutoff. In-flight records are never touched.
func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM strategy_requests
		 WHERE created_at < $1 AND status IN ('completed', 'failed', 'error')`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.StrategyRequest, error) {
	var req models.StrategyRequest
	var data []byte
	if err := row.Scan(&req.RequestID, &req.UserID, &req.Status, &data, &req.Result,
		&req.Sources, &req.Error, &req.RetryCount, &req.MaxRetries,
		&req.CreatedAt, &req.CompletedAt, &req.CallbackReceivedAt); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		var payload models.StrategyPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal request data: %w", err)
		}
		req.RequestData = &payload
	}
	return &req, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`, id, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
