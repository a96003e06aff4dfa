package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/yungbote/interception-backend/internal/inference/engine"
)

// Engine answers without network access. Replies are taken from a script
// when one matches the user message, otherwise the user message is echoed.
type Engine struct {
	mu     sync.Mutex
	rules  []rule
	calls  []Call
	errFor map[string]error
}

type rule struct {
	contains string
	reply    string
}

type Call struct {
	Model    string
	Messages []engine.Message
	Opts     engine.GenerateOptions
}

func New() *Engine {
	return &Engine{errFor: map[string]error{}}
}

// Reply registers a canned answer for user messages containing substr.
func (e *Engine) Reply(substr, reply string) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule{contains: substr, reply: reply})
	return e
}

// FailModel makes every call for model return err.
func (e *Engine) FailModel(model string, err error) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errFor[model] = err
	return e
}

func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}

func (e *Engine) GenerateText(ctx context.Context, model string, messages []engine.Message, opts engine.GenerateOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	e.calls = append(e.calls, Call{Model: model, Messages: messages, Opts: opts})
	err := e.errFor[model]
	rules := e.rules
	e.mu.Unlock()
	if err != nil {
		return "", err
	}

	var user string
	for i := len(messages) - 1; i >= 0; i-- {
		if strings.EqualFold(messages[i].Role, "user") {
			user = messages[i].Content
			break
		}
	}
	for _, r := range rules {
		if strings.Contains(user, r.contains) {
			return r.reply, nil
		}
	}
	if strings.TrimSpace(user) == "" {
		return "mock: ok", nil
	}
	return fmt.Sprintf("mock: %s", user), nil
}

func (e *Engine) StreamText(ctx context.Context, model string, messages []engine.Message, opts engine.GenerateOptions, onDelta func(delta string)) (string, error) {
	full, err := e.GenerateText(ctx, model, messages, opts)
	if err != nil {
		return "", err
	}
	if onDelta == nil {
		return full, nil
	}
	const chunk = 16
	for i := 0; i < len(full); i += chunk {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		end := i + chunk
		if end > len(full) {
			end = len(full)
		}
		onDelta(full[i:end])
	}
	return full, nil
}
