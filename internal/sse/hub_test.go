package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/interception-backend/internal/pipeline/recorder"
)

func recvEvent(t *testing.T, ch <-chan recorder.Event) recorder.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for SSE event")
	}
	return recorder.Event{}
}

func TestBroadcastOnlyReachesRunSubscribers(t *testing.T) {
	hub := NewHub(nil)
	a := hub.Subscribe("run-a")
	b := hub.Subscribe("run-b")
	defer hub.Unsubscribe(a)
	defer hub.Unsubscribe(b)

	require.NoError(t, hub.Publish(context.Background(), recorder.Event{RunID: "run-a", Type: recorder.EventState}))
	got := recvEvent(t, a.Outbound)
	assert.Equal(t, recorder.EventState, got.Type)

	select {
	case ev := <-b.Outbound:
		t.Fatalf("unexpected event for run-b: %+v", ev)
	default:
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(nil)
	c := hub.Subscribe("run")
	assert.Equal(t, 1, hub.Subscribers("run"))
	hub.Unsubscribe(c)
	hub.Unsubscribe(c)
	assert.Equal(t, 0, hub.Subscribers("run"))
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(nil)
	c := hub.Subscribe("run")
	defer hub.Unsubscribe(c)
	for i := 0; i < outboundBuffer+5; i++ {
		hub.Broadcast(recorder.Event{RunID: "run", Type: recorder.EventEntity})
	}
	assert.Len(t, c.Outbound, outboundBuffer)
}

func TestServeHTTPStopsAfterTerminalEvent(t *testing.T) {
	hub := NewHub(nil)
	c := hub.Subscribe("run-x")
	defer hub.Unsubscribe(c)

	hub.Broadcast(recorder.Event{RunID: "run-x", Type: recorder.EventState, State: &recorder.State{Stage: 1, Step: "translation"}})
	hub.Broadcast(recorder.Event{RunID: "run-x", Type: recorder.EventComplete})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/runs/run-x/events", nil)
	done := make(chan struct{})
	go func() {
		hub.ServeHTTP(rec, req, c)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("ServeHTTP did not return after terminal event")
	}

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.Index(body, "event: state") < strings.Index(body, "event: complete"))
	assert.Contains(t, body, `"step":"translation"`)
}
