package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	mw "github.com/abdusss111/marbix-service/internal/api/middleware"
	"github.com/abdusss111/marbix-service/internal/api/response"
	"github.com/abdusss111/marbix-service/internal/cache"
	"github.com/abdusss111/marbix-service/internal/notify"
	"github.com/abdusss111/marbix-service/internal/store"
	"github.com/abdusss111/marbix-service/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// API keys authenticate the connection; origin checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewWSHandler returns the handler for GET /api/v1/ws/{requestID}. The socket
// streams pipeline events for one request: on connect the client gets a replay
// of everything it missed plus a current-status snapshot, then live events
// until the strategy finishes or the connection idles out. The client keeps
// the socket alive by sending "ping" text frames.
func NewWSHandler(st store.Store, ch cache.Cache, notifier *notify.Notifier, idleTimeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}
		requestID := chi.URLParam(r, "requestID")

		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote its own error response.
			slog.Warn("websocket upgrade failed", "request_id", requestID, "error", err)
			return
		}
		conn := notify.NewWSConn(raw)
		defer conn.Close()

		req, err := st.GetRequest(r.Context(), requestID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && req.UserID != userID) {
			writeClosingEvent(conn, models.Event{
				RequestID: requestID,
				Type:      models.EventError,
				Error:     "Request not found",
				Timestamp: time.Now().UTC(),
			})
			return
		}
		if err != nil {
			writeClosingEvent(conn, models.Event{
				RequestID: requestID,
				Type:      models.EventError,
				Error:     "Failed to load request",
				Timestamp: time.Now().UTC(),
			})
			return
		}

		// Finished requests get their outcome in a single frame; there is
		// nothing live to subscribe to.
		if models.TerminalStatus(req.Status) {
			writeClosingEvent(conn, finalEvent(req))
			return
		}

		notifier.Connect(requestID, conn)
		defer notifier.Disconnect(requestID, conn)

		if err := conn.WriteJSON(snapshotEvent(r, ch, req)); err != nil {
			return
		}

		for {
			if err := raw.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
				return
			}
			_, msg, err := raw.ReadMessage()
			if err != nil {
				return
			}
			if strings.TrimSpace(string(msg)) == "ping" {
				if err := conn.WriteText("pong"); err != nil {
					return
				}
			}
		}
	}
}

// snapshotEvent reports the request's current status, preferring the Redis
// fast path the worker keeps warm over a second database read.
func snapshotEvent(r *http.Request, ch cache.Cache, req *models.StrategyRequest) models.Event {
	status := req.Status
	if cached, ok, err := ch.GetRequestStatus(r.Context(), req.RequestID); err == nil && ok {
		status = cached
	}
	return models.Event{
		RequestID: req.RequestID,
		Type:      models.EventStatusUpdate,
		Status:    status,
		Message:   "Connected",
		Timestamp: time.Now().UTC(),
	}
}

func finalEvent(req *models.StrategyRequest) models.Event {
	event := models.Event{
		RequestID: req.RequestID,
		Status:    req.Status,
		Sources:   req.Sources,
		Timestamp: time.Now().UTC(),
	}
	if req.Status == models.StatusCompleted && req.Result != nil {
		event.Type = models.EventStrategyComplete
		event.Result = *req.Result
	} else {
		event.Type = models.EventError
		if req.Error != nil {
			event.Error = *req.Error
		}
	}
	return event
}

func writeClosingEvent(conn *notify.WSConn, event models.Event) {
	_ = conn.WriteJSON(event)
}
