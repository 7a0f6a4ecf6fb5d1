package handler

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/abdusss111/marbix-service/internal/api/middleware"
	"github.com/abdusss111/marbix-service/internal/api/response"
	"github.com/abdusss111/marbix-service/internal/store"
	"github.com/abdusss111/marbix-service/pkg/models"
)

// Raw keys look like mbx_<40 hex chars>. The first 8 characters form the
// lookup prefix stored alongside the bcrypt hash.
const rawKeyBytes = 20

type createKeyRequest struct {
	UserID string   `json:"user_id"`
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

type createKeyResponse struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	KeyPrefix string    `json:"key_prefix"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
}

// NewCreateKeyHandler returns the handler for POST /api/v1/admin/keys. The raw
// key appears in this response and nowhere else.
func NewCreateKeyHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		req.UserID = strings.TrimSpace(req.UserID)
		req.Name = strings.TrimSpace(req.Name)
		if req.UserID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id is required", nil)
			return
		}
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if len(req.Scopes) == 0 {
			req.Scopes = []string{"strategy"}
		}

		rawKey, err := generateRawKey()
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to generate key", nil)
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to hash key", nil)
			return
		}

		now := time.Now().UTC()
		key := &models.APIKey{
			ID:        uuid.New(),
			UserID:    req.UserID,
			Name:      req.Name,
			KeyHash:   string(hash),
			KeyPrefix: rawKey[:8],
			Scopes:    req.Scopes,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := st.CreateAPIKey(r.Context(), key); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to store key", nil)
			return
		}

		response.Created(w, createKeyResponse{
			ID:        key.ID,
			UserID:    key.UserID,
			Name:      key.Name,
			Key:       rawKey,
			KeyPrefix: key.KeyPrefix,
			Scopes:    key.Scopes,
			CreatedAt: key.CreatedAt,
		})
	}
}

// NewListKeysHandler returns the handler for GET /api/v1/admin/keys. Keys are
// filtered by the user_id query parameter.
func NewListKeysHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		if userID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id is required", nil)
			return
		}

		keys, err := st.ListAPIKeys(r.Context(), userID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list keys", nil)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.JSON(w, keys)
	}
}

// NewRevokeKeyHandler returns the handler for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid key ID", nil)
			return
		}
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		if userID == "" {
			// Admins revoking their own keys can omit user_id.
			userID, _ = mw.GetUserID(r)
		}

		err = st.RevokeAPIKey(r.Context(), keyID, userID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Key not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to revoke key", nil)
			return
		}
		response.JSON(w, map[string]string{"status": "revoked"})
	}
}

func generateRawKey() (string, error) {
	buf := make([]byte, rawKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("mbx_%s", hex.EncodeToString(buf)), nil
}
