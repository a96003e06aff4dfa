package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/yungbote/interception-backend/internal/pipeline/pipeerr"
)

type Error struct {
	Status  int
	Code    string
	Err     error
	Details map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// FromPipeline maps a pipeline failure onto the HTTP boundary. Errors that
// carry no pipeline kind become 500 internal_error.
func FromPipeline(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	pe, ok := pipeerr.As(err)
	if !ok {
		return New(http.StatusInternalServerError, "internal_error", err)
	}
	out := New(pipeerr.HTTPStatus(pe.Kind), string(pe.Kind), err)
	out.Details = map[string]any{"stage": pe.Stage}
	if pe.Step != "" {
		out.Details["step"] = pe.Step
	}
	for k, v := range pe.Details {
		out.Details[k] = v
	}
	return out
}
