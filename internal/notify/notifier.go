// Package notify tracks live client connections per request and caches recent
// events so a reconnecting client can replay what it missed. The registry is
// process-local: in a multi-process API deployment events must be fanned out
// through the redis bridge (see bridge.go) to whichever process holds the
// connection.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/abdusss111/marbix-service/pkg/models"
)

// MaxCachedEvents bounds the per-request replay cache.
const MaxCachedEvents = 50

// Conn is one live client connection. Implementations must serialize their
// own writes.
type Conn interface {
	WriteJSON(v any) error
}

// Sink receives pipeline events. The worker process publishes through the
// redis bridge; the API process delivers through its local Notifier.
type Sink interface {
	Publish(ctx context.Context, event models.Event) error
}

type entry struct {
	conn    Conn
	events  []models.Event
	touched time.Time
}

// Notifier is an explicit service object owned by main, not a package
// singleton. Safe for concurrent use.
type Notifier struct {
	mu        sync.Mutex
	byRequest map[string]*entry
	cacheTTL  time.Duration
	now       func() time.Time
}

func NewNotifier(cacheTTL time.Duration) *Notifier {
	return &Notifier{
		byRequest: make(map[string]*entry),
		cacheTTL:  cacheTTL,
		now:       time.Now,
	}
}

// Connect registers conn as the single live connection for requestID,
// replacing any previous one, and replays the cached events in order.
// Replay is best-effort: it stops at the first write failure.
func (n *Notifier) Connect(requestID string, conn Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()

	e := n.entry(requestID)
	e.conn = conn
	e.touched = n.now()

	for i, ev := range e.events {
		if err := conn.WriteJSON(ev); err != nil {
			slog.Warn("event replay aborted", "request_id", requestID, "delivered", i, "error", err)
			e.conn = nil
			return
		}
	}
	slog.Info("client connected", "request_id", requestID, "replayed", len(e.events))
}

// Disconnect drops the live connection reference, but only while the entry
// still points at conn. A client that reconnected has already replaced the
// registration; the old handler's deferred disconnect must not sever the
// replacement. The event cache survives until the sweep evicts it.
func (n *Notifier) Disconnect(requestID string, conn Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if e, ok := n.byRequest[requestID]; ok && e.conn == conn {
		e.conn = nil
		slog.Info("client disconnected", "request_id", requestID)
	}
}

// Send caches the event, then attempts live delivery if a connection is open.
// Caching happens first even with no connection; that is what makes
// replay-on-reconnect possible. A delivery failure drops the connection but
// keeps the cache.
func (n *Notifier) Send(requestID string, event models.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = n.now().UTC()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	e := n.entry(requestID)
	e.events = append(e.events, event)
	if len(e.events) > MaxCachedEvents {
		e.events = e.events[len(e.events)-MaxCachedEvents:]
	}
	e.touched = n.now()

	if e.conn == nil {
		return
	}
	if err := e.conn.WriteJSON(event); err != nil {
		slog.Warn("event delivery failed, dropping connection",
			"request_id", requestID, "type", event.Type, "error", err)
		e.conn = nil
	}
}

// Publish makes the Notifier itself a Sink for callers running in the API
// process.
func (n *Notifier) Publish(_ context.Context, event models.Event) error {
	n.Send(event.RequestID, event)
	return nil
}

// Sweep evicts cache and connection bookkeeping idle for longer than the
// cache TTL. Returns the number of requests evicted.
func (n *Notifier) Sweep() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	cutoff := n.now().Add(-n.cacheTTL)
	evicted := 0
	for id, e := range n.byRequest {
		if e.touched.Before(cutoff) {
			delete(n.byRequest, id)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Info("notifier sweep", "evicted", evicted)
	}
	return evicted
}

func (n *Notifier) entry(requestID string) *entry {
	e, ok := n.byRequest[requestID]
	if !ok {
		e = &entry{}
		n.byRequest[requestID] = e
	}
	return e
}
