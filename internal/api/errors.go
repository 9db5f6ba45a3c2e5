package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

// ErrorKind classifies an API failure and decides its HTTP status.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindNotFound
	KindBadRequest
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindBadRequest:
		return "bad_request"
	default:
		return "internal"
	}
}

// Status returns the HTTP status code for the kind.
func (k ErrorKind) Status() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is a failure with a public message safe to return to clients. Err,
// when set, is the private cause and is only logged.
type Error struct {
	Kind        ErrorKind
	Message     string
	FieldErrors FieldErrors
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NotFound returns a KindNotFound error with the given public message.
func NotFound(msg string) *Error { return &Error{Kind: KindNotFound, Message: msg} }

// BadRequest returns a KindBadRequest error with the given public message.
func BadRequest(msg string) *Error { return &Error{Kind: KindBadRequest, Message: msg} }

// WithContext attaches a public message to err. An *Error keeps its kind and
// gets msg prefixed to its message; any other error becomes an internal
// error whose cause is err. A nil err stays nil.
func WithContext(err error, msg string) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		out := *ae
		if out.Message != "" {
			out.Message = msg + ": " + out.Message
		} else {
			out.Message = msg
		}
		return &out
	}
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// FieldErrors collects validation messages per request field.
type FieldErrors map[string][]string

// Add records msg against field.
func (fe FieldErrors) Add(field, msg string) {
	fe[field] = append(fe[field], msg)
}

// Err returns nil when no field errors were added, otherwise a
// KindBadRequest *Error carrying them.
func (fe FieldErrors) Err() error {
	if len(fe) == 0 {
		return nil
	}
	return &Error{Kind: KindBadRequest, Message: "invalid request", FieldErrors: fe}
}

func (fe FieldErrors) String() string {
	keys := make([]string, 0, len(fe))
	for k := range fe {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + strings.Join(fe[k], ", ")
	}
	return strings.Join(parts, "; ")
}

type errorBody struct {
	Error  string              `json:"error"`
	Kind   string              `json:"kind"`
	Fields map[string][]string `json:"fields,omitempty"`
}

// Respond logs err at its kind's level and writes it as a JSON error body.
// Errors that are not *Error are reported as internal with a generic
// message.
func Respond(c *gin.Context, err error) {
	var ae *Error
	if !errors.As(err, &ae) {
		ae = &Error{Kind: KindInternal, Message: "internal error", Err: err}
	}

	level := slog.LevelInfo
	if ae.Kind == KindInternal {
		level = slog.LevelError
	}
	slog.Log(c.Request.Context(), level, "request failed",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"kind", ae.Kind.String(),
		"err", err,
	)

	c.AbortWithStatusJSON(ae.Kind.Status(), errorBody{
		Error:  ae.Message,
		Kind:   ae.Kind.String(),
		Fields: ae.FieldErrors,
	})
}
