package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	mw "github.com/abdusss111/marbix-service/internal/api/middleware"
	"github.com/abdusss111/marbix-service/internal/api/response"
	"github.com/abdusss111/marbix-service/internal/moderation"
	"github.com/abdusss111/marbix-service/internal/queue"
	"github.com/abdusss111/marbix-service/internal/store"
	"github.com/abdusss111/marbix-service/pkg/models"
)

type submitResponse struct {
	RequestID string    `json:"request_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// NewSubmitHandler returns the handler for POST /api/v1/strategy. A submission
// passes validation and the content moderation gate before anything is
// persisted; rejected submissions leave no record behind.
func NewSubmitHandler(st store.Store, checker moderation.Checker, enqueuer queue.Enqueuer, maxTries int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		var payload models.StrategyPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if err := payload.Validate(); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		decision, err := checker.CheckPayload(r.Context(), &payload)
		if err != nil {
			// Fail closed: without a moderation verdict nothing is accepted.
			slog.Error("moderation gate unavailable", "user_id", userID, "error", err)
			response.Error(w, http.StatusServiceUnavailable, "MODERATION_UNAVAILABLE",
				"Content moderation is temporarily unavailable, please try again later", nil)
			return
		}
		if !decision.Allowed {
			slog.Info("submission rejected by moderation",
				"user_id", userID,
				"violated_topics", decision.ViolatedTopics,
				"risk_level", decision.RiskLevel,
			)
			response.Error(w, http.StatusUnprocessableEntity, "CONTENT_REJECTED",
				"Submission violates the content policy", map[string]any{
					"status":          models.StatusRejected,
					"violated_topics": decision.ViolatedTopics,
					"reason":          decision.Reason,
				})
			return
		}

		req := &models.StrategyRequest{
			RequestID:   uuid.NewString(),
			UserID:      userID,
			Status:      models.StatusRequested,
			RequestData: &payload,
			MaxRetries:  maxTries,
			CreatedAt:   time.Now().UTC(),
		}
		if err := st.CreateRequest(r.Context(), req); err != nil {
			slog.Error("failed to create request", "request_id", req.RequestID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to create request", nil)
			return
		}

		job := queue.Job{RequestID: req.RequestID, UserID: userID, Payload: &payload}
		if err := enqueuer.Enqueue(r.Context(), job); err != nil {
			slog.Error("failed to enqueue job", "request_id", req.RequestID, "error", err)
			// The record stays queryable with an explicit error instead of
			// sitting in requested forever.
			if markErr := st.UpdateRequestStatus(r.Context(), req.RequestID, models.StatusError,
				store.WithErrorMessage("failed to enqueue job")); markErr != nil && !errors.Is(markErr, store.ErrTerminal) {
				slog.Error("failed to mark enqueue failure", "request_id", req.RequestID, "error", markErr)
			}
			// The caller owns the record now; hand back its id and status so
			// the error state stays pollable.
			response.Error(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE",
				"Unable to schedule strategy generation, please try again later", map[string]any{
					"request_id": req.RequestID,
					"status":     models.StatusError,
				})
			return
		}

		response.Accepted(w, submitResponse{
			RequestID: req.RequestID,
			Status:    models.StatusProcessing,
			Message:   "Strategy generation started. Connect to the websocket or poll the status endpoint for progress.",
			CreatedAt: req.CreatedAt,
		})
	}
}
