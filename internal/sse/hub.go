package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/interception-backend/internal/pipeline/recorder"
	"github.com/yungbote/interception-backend/internal/platform/logger"
)

const outboundBuffer = 32

// Client follows the events of one run.
type Client struct {
	ID       uuid.UUID
	RunID    string
	Outbound chan recorder.Event
	done     chan struct{}
	once     sync.Once
}

// Hub fans run events out to SSE clients subscribed by run id.
type Hub struct {
	mu            sync.RWMutex
	logger        *logger.Logger
	subscriptions map[string]map[*Client]bool
	heartbeat     time.Duration
}

func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		logger:        log.With("component", "SSEHub"),
		subscriptions: make(map[string]map[*Client]bool),
		heartbeat:     15 * time.Second,
	}
}

func (hub *Hub) Subscribe(runID string) *Client {
	c := &Client{
		ID:       uuid.New(),
		RunID:    strings.TrimSpace(runID),
		Outbound: make(chan recorder.Event, outboundBuffer),
		done:     make(chan struct{}),
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()
	clients, ok := hub.subscriptions[c.RunID]
	if !ok {
		clients = make(map[*Client]bool)
		hub.subscriptions[c.RunID] = clients
	}
	clients[c] = true
	hub.logger.Debug("SSE client subscribed", "clientID", c.ID, "run_id", c.RunID)
	return c
}

func (hub *Hub) Unsubscribe(c *Client) {
	c.once.Do(func() {
		hub.mu.Lock()
		if subs, ok := hub.subscriptions[c.RunID]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(hub.subscriptions, c.RunID)
			}
		}
		hub.mu.Unlock()
		close(c.done)
	})
}

// Subscribers reports how many clients follow runID.
func (hub *Hub) Subscribers(runID string) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.subscriptions[runID])
}

// Publish implements recorder.EventSink. Slow clients lose events rather
// than block the run.
func (hub *Hub) Publish(_ context.Context, ev recorder.Event) error {
	hub.Broadcast(ev)
	return nil
}

func (hub *Hub) Broadcast(ev recorder.Event) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if ev.RunID == "" {
		return
	}
	for c := range hub.subscriptions[ev.RunID] {
		select {
		case c.Outbound <- ev:
		default:
			hub.logger.Warn("Dropping SSE event; outbound buffer full", "clientID", c.ID, "run_id", ev.RunID)
		}
	}
}

// ServeHTTP streams events until the run reaches a terminal event, the
// request ends, or the client is unsubscribed.
func (hub *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, c *Client) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	heartbeat := time.NewTicker(hub.heartbeat)
	defer heartbeat.Stop()
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			hub.logger.Debug("SSE client context done", "clientID", c.ID, "err", ctx.Err())
			return
		case <-c.done:
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev := <-c.Outbound:
			if err := WriteEvent(w, ev.Type, ev); err != nil {
				hub.logger.Warn("Failed to write SSE event", "error", err)
				continue
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

// WriteEvent writes one named SSE frame with a JSON payload.
func WriteEvent(w http.ResponseWriter, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw); err != nil {
		return err
	}
	return nil
}
