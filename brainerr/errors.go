// Package brainerr defines the kernel's single structured error type and a
// stable error taxonomy: no global base class, no panics crossing a plugin
// boundary. Every subsystem wraps raw causes into an Error carrying
// {Kind, Message, Context, Cause}.
package brainerr

import (
	"errors"
	"fmt"
)

// Kind is one of the eight stable error kinds.
type Kind string

const (
	// Validation covers schema parse failures at entity write, template
	// output, job data, or config time. Not retried.
	Validation Kind = "validation"
	// NotFound covers a missing entity/job/template/conversation. Not retried.
	NotFound Kind = "not_found"
	// Conflict covers unique-constraint or concurrent-update races. Callers
	// may retry; upsert paths hide it entirely.
	Conflict Kind = "conflict"
	// Dependency covers a plugin declaring a missing or cyclic dependency.
	// Fatal at load time.
	Dependency Kind = "dependency"
	// Handler covers a job handler that returned an error. Retried per
	// maxAttempts with exponential backoff, then terminal failed.
	Handler Kind = "handler"
	// Gateway covers an AI/embedding call that failed or returned an
	// invalid structure. Small bounded retry, then surfaces as Handler or
	// Validation.
	Gateway Kind = "gateway"
	// Cancelled covers cancellation observed by a cooperative handler. No
	// retry; job ends cancelled.
	Cancelled Kind = "cancelled"
	// Timeout covers a bus send timeout or daemon stop timeout.
	Timeout Kind = "timeout"
)

// Error is the kernel's one structured error shape.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with an optional context map. The
// map is copied so callers may safely reuse a literal across call sites.
func New(kind Kind, message string, ctx map[string]any) *Error {
	c := make(map[string]any, len(ctx))
	for k, v := range ctx {
		c[k] = v
	}
	return &Error{Kind: kind, Message: message, Context: c}
}

// Wrap builds an Error of the given kind around cause.
func Wrap(kind Kind, message string, cause error, ctx map[string]any) *Error {
	e := New(kind, message, ctx)
	e.Cause = cause
	return e
}

// Is reports whether err is (or wraps) a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// WithContext returns a copy of e with key=value merged into Context.
func (e *Error) WithContext(key string, value any) *Error {
	c := make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		c[k] = v
	}
	c[key] = value
	return &Error{Kind: e.Kind, Message: e.Message, Context: c, Cause: e.Cause}
}
