package recorder

import (
	"context"
	"time"
)

const (
	EventState     = "state"
	EventEntity    = "entity"
	EventComplete  = "complete"
	EventFailed    = "failed"
	EventAbandoned = "abandoned"
)

// Event is published after every manifest change that callers may follow.
type Event struct {
	RunID  string    `json:"run_id"`
	Type   string    `json:"type"`
	State  *State    `json:"state,omitempty"`
	Entity *Entity   `json:"entity,omitempty"`
	Time   time.Time `json:"time"`
}

// Terminal reports whether no further events follow for the run.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventComplete, EventFailed, EventAbandoned:
		return true
	}
	return false
}

type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

type NopSink struct{}

func (NopSink) Publish(context.Context, Event) error { return nil }

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }
