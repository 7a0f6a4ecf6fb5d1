package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdusss111/marbix-service/internal/api/handler"
	"github.com/abdusss111/marbix-service/internal/notify"
	"github.com/abdusss111/marbix-service/pkg/models"
)

// wsServer mounts the ws handler behind a middleware that injects the user the
// way auth would.
func wsServer(t *testing.T, h http.HandlerFunc, userID string) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, asUser(req, userID))
		})
	})
	r.Get("/api/v1/ws/{requestID}", h)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, requestID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/" + requestID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event models.Event
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func TestWS_UnknownRequestGetsErrorEvent(t *testing.T) {
	notifier := notify.NewNotifier(time.Hour)
	h := handler.NewWSHandler(newFakeStore(), newFakeCache(), notifier, time.Minute)
	srv := wsServer(t, h, "user-1")

	conn := dial(t, srv, "ghost")
	event := readEvent(t, conn)

	assert.Equal(t, models.EventError, event.Type)
	assert.Equal(t, "Request not found", event.Error)
}

func TestWS_OtherUsersRequestLooksUnknown(t *testing.T) {
	st := newFakeStore(processingRequest("req-1"))
	notifier := notify.NewNotifier(time.Hour)
	h := handler.NewWSHandler(st, newFakeCache(), notifier, time.Minute)
	srv := wsServer(t, h, "user-2")

	conn := dial(t, srv, "req-1")
	event := readEvent(t, conn)

	assert.Equal(t, models.EventError, event.Type)
	assert.Equal(t, "Request not found", event.Error)
}

func TestWS_TerminalRequestGetsFinalEventAndClose(t *testing.T) {
	done := completedRequest("user-1")
	notifier := notify.NewNotifier(time.Hour)
	h := handler.NewWSHandler(newFakeStore(done), newFakeCache(), notifier, time.Minute)
	srv := wsServer(t, h, "user-1")

	conn := dial(t, srv, done.RequestID)
	event := readEvent(t, conn)

	assert.Equal(t, models.EventStrategyComplete, event.Type)
	assert.Equal(t, models.StatusCompleted, event.Status)
	assert.Equal(t, "the strategy", event.Result)
	assert.Equal(t, []string{"https://a.example"}, event.Sources)

	// The server closes after the final frame.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestWS_LiveEventsAndReplay(t *testing.T) {
	st := newFakeStore(processingRequest("req-1"))
	notifier := notify.NewNotifier(time.Hour)
	h := handler.NewWSHandler(st, newFakeCache(), notifier, time.Minute)
	srv := wsServer(t, h, "user-1")

	// An event arrives before the client connects; it must be replayed.
	notifier.Send("req-1", models.Event{
		RequestID: "req-1",
		Type:      models.EventStatusUpdate,
		Status:    models.StatusProcessing,
		Message:   "Starting deep market research...",
	})

	conn := dial(t, srv, "req-1")

	replayed := readEvent(t, conn)
	assert.Equal(t, "Starting deep market research...", replayed.Message)

	snapshot := readEvent(t, conn)
	assert.Equal(t, models.EventStatusUpdate, snapshot.Type)
	assert.Equal(t, "Connected", snapshot.Message)

	// Live delivery while connected.
	notifier.Send("req-1", models.Event{
		RequestID: "req-1",
		Type:      models.EventProgressUpdate,
		Status:    models.StatusProcessing,
		Progress:  50,
	})
	live := readEvent(t, conn)
	assert.Equal(t, models.EventProgressUpdate, live.Type)
	assert.Equal(t, 50, live.Progress)
}

func TestWS_PingPong(t *testing.T) {
	st := newFakeStore(processingRequest("req-1"))
	notifier := notify.NewNotifier(time.Hour)
	h := handler.NewWSHandler(st, newFakeCache(), notifier, time.Minute)
	srv := wsServer(t, h, "user-1")

	conn := dial(t, srv, "req-1")
	_ = readEvent(t, conn) // snapshot

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(msg))
}

func TestWS_SnapshotPrefersCachedStatus(t *testing.T) {
	st := newFakeStore(processingRequest("req-1"))
	ch := newFakeCache()
	require.NoError(t, ch.SetRequestStatus(context.Background(), "req-1", models.StatusProcessing, 0))
	notifier := notify.NewNotifier(time.Hour)
	h := handler.NewWSHandler(st, ch, notifier, time.Minute)
	srv := wsServer(t, h, "user-1")

	conn := dial(t, srv, "req-1")
	snapshot := readEvent(t, conn)
	assert.Equal(t, models.StatusProcessing, snapshot.Status)
}