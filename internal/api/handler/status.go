package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	mw "github.com/abdusss111/marbix-service/internal/api/middleware"
	"github.com/abdusss111/marbix-service/internal/api/response"
	"github.com/abdusss111/marbix-service/internal/store"
	"github.com/abdusss111/marbix-service/pkg/models"
)

type statusResponse struct {
	RequestID   string     `json:"request_id"`
	Status      string     `json:"status"`
	Result      *string    `json:"result,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Sources     []string   `json:"sources,omitempty"`
	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewStatusHandler returns the handler for GET /api/v1/status/{requestID}.
// This is the polling fallback for clients that cannot hold a websocket open.
func NewStatusHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		requestID := chi.URLParam(r, "requestID")
		req, err := st.GetRequest(r.Context(), requestID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Request not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load request", nil)
			return
		}
		if req.UserID != userID {
			response.Error(w, http.StatusForbidden, "FORBIDDEN",
				"Request belongs to a different user", nil)
			return
		}

		response.JSON(w, toStatusResponse(req))
	}
}

func toStatusResponse(req *models.StrategyRequest) statusResponse {
	return statusResponse{
		RequestID:   req.RequestID,
		Status:      req.Status,
		Result:      req.Result,
		Error:       req.Error,
		Sources:     req.Sources,
		RetryCount:  req.RetryCount,
		CreatedAt:   req.CreatedAt,
		CompletedAt: req.CompletedAt,
	}
}
