package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/abdusss111/marbix-service/internal/api/response"
	"github.com/abdusss111/marbix-service/internal/notify"
	"github.com/abdusss111/marbix-service/internal/store"
	"github.com/abdusss111/marbix-service/pkg/models"
)

const maxCallbackBody = 4 << 20

type callbackBody struct {
	Result  string   `json:"result"`
	Error   string   `json:"error"`
	Sources []string `json:"sources"`
}

// NewCallbackHandler returns the handler for POST /api/v1/callback/{requestID},
// kept for integrations that deliver results out of band instead of through
// the worker pipeline. The body is either a JSON document or the raw strategy
// text. A callback against a finished request is acknowledged without
// touching the record.
func NewCallbackHandler(st store.Store, events notify.Sink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := chi.URLParam(r, "requestID")

		raw, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unreadable body", nil)
			return
		}

		var body callbackBody
		if jsonErr := json.Unmarshal(raw, &body); jsonErr != nil {
			// Legacy callers post the strategy text directly.
			body = callbackBody{Result: string(raw)}
		}
		body.Result = strings.TrimSpace(body.Result)
		body.Error = strings.TrimSpace(body.Error)
		if body.Result == "" && body.Error == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"Callback must carry a result or an error", nil)
			return
		}

		status := models.StatusCompleted
		opts := []store.UpdateOption{store.WithCallbackReceived()}
		if body.Error != "" && body.Result == "" {
			status = models.StatusError
			opts = append(opts, store.WithErrorMessage(body.Error))
		} else {
			opts = append(opts, store.WithResult(body.Result))
		}

		err = st.UpdateRequestStatus(r.Context(), requestID, status, opts...)
		switch {
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Request not found", nil)
			return
		case errors.Is(err, store.ErrTerminal):
			// Idempotent: the first outcome wins, later callbacks are no-ops.
			response.JSON(w, map[string]string{
				"request_id": requestID,
				"status":     "unchanged",
			})
			return
		case err != nil:
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to apply callback", nil)
			return
		}

		if len(body.Sources) > 0 {
			// Sources are auxiliary; the callback itself already landed.
			if srcErr := st.UpdateRequestSources(r.Context(), requestID, body.Sources); srcErr != nil {
				slog.Warn("failed to persist callback sources", "request_id", requestID, "error", srcErr)
			}
		}

		event := models.Event{
			RequestID: requestID,
			Type:      models.EventStrategyComplete,
			Status:    status,
			Result:    body.Result,
			Sources:   body.Sources,
		}
		if status == models.StatusError {
			event.Type = models.EventError
			event.Error = body.Error
			event.Result = ""
		}
		_ = events.Publish(r.Context(), event)

		response.JSON(w, map[string]string{
			"request_id": requestID,
			"status":     status,
		})
	}
}
