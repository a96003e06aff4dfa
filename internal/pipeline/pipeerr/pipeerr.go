package pipeerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/yungbote/interception-backend/internal/platform/httpx"
)

type Kind string

const (
	KindConfiguration Kind = "configuration_error"
	KindTemplate      Kind = "template_error"
	KindPlaceholder   Kind = "placeholder_error"
	KindSafetyBlocked Kind = "safety_blocked"
	KindBackend       Kind = "backend_error"
	KindTimeout       Kind = "timeout_error"
	KindInterception  Kind = "interception_error"
	KindMediaStore    Kind = "media_store_error"
	KindInternal      Kind = "internal_error"
)

// Error is the failure shape every pipeline component returns. Stage is 0
// when the error is raised outside of a run.
type Error struct {
	Kind    Kind
	Stage   int
	Step    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Message != "" && e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. Deadline errors always become timeouts.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	if httpx.IsTimeout(err) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) AtStage(stage int, step string) *Error {
	if e == nil {
		return nil
	}
	e.Stage = stage
	if step != "" {
		e.Step = step
	}
	return e
}

func (e *Error) With(key string, value any) *Error {
	if e == nil {
		return nil
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe != nil {
		return pe, true
	}
	return nil, false
}

// KindOf classifies any error; unknown errors are internal, deadlines are timeouts.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if pe, ok := As(err); ok {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindSafetyBlocked:
		return http.StatusForbidden
	case KindConfiguration, KindTemplate, KindPlaceholder:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindBackend, KindInterception, KindMediaStore:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
