// Package errs defines the error envelope shared by the tradeguard packages.
package errs

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// Code classifies a failure.
type Code string

const (
	CodeInvalid     Code = "invalid_request"
	CodeNotFound    Code = "not_found"
	CodeConflict    Code = "conflict"
	CodeUnavailable Code = "unavailable"
	// CodeRejected marks an order refused by admission control.
	CodeRejected Code = "rejected"
	CodeInternal Code = "internal"
)

// E is a classified error raised by one component. StatusCode, when set, is
// the numeric status forwarded to whoever submitted the order.
type E struct {
	Component  string
	Code       Code
	StatusCode int
	Message    string
	Fields     map[string]string

	cause error
}

// Option adjusts an envelope under construction.
type Option func(*E)

// New builds an envelope for component.
func New(component string, code Code, opts ...Option) *E {
	e := &E{Component: strings.TrimSpace(component), Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func WithMessage(message string) Option {
	message = strings.TrimSpace(message)
	return func(e *E) { e.Message = message }
}

func WithStatusCode(code int) Option {
	return func(e *E) { e.StatusCode = code }
}

func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

// WithField records one key/value of context. Later values replace earlier
// ones and blank keys are ignored.
func WithField(key, value string) Option {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	return func(e *E) {
		if key == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 2)
		}
		e.Fields[key] = value
	}
}

// Error renders "component: code[ status]: message [k=v ...]: cause",
// leaving out the parts that are empty.
func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(orUnknown(e.Component))
	b.WriteString(": ")
	b.WriteString(orUnknown(string(e.Code)))
	if e.StatusCode != 0 {
		b.WriteString(" ")
		b.WriteString(strconv.Itoa(e.StatusCode))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(strconv.Quote(e.Fields[k]))
		}
		b.WriteByte(']')
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "unknown"
	}
	return s
}

func (e *E) Unwrap() error { return e.cause }

// Is matches envelopes with the same code. An empty component on target
// matches any component.
func (e *E) Is(target error) bool {
	other, ok := target.(*E)
	if !ok || e == nil || other == nil {
		return false
	}
	return other.Code == e.Code && (other.Component == "" || other.Component == e.Component)
}

// HasCode reports whether err wraps an envelope with code.
func HasCode(err error, code Code) bool {
	var e *E
	return errors.As(err, &e) && e.Code == code
}

// StatusCode returns the order status code carried by err, or fallback.
func StatusCode(err error, fallback int) int {
	var e *E
	if errors.As(err, &e) && e.StatusCode != 0 {
		return e.StatusCode
	}
	return fallback
}

// HTTPStatus maps err to the response status used by the admin API.
// Unclassified errors are internal.
func HTTPStatus(err error) int {
	var e *E
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case CodeInvalid, CodeRejected:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
