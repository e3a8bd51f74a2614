// Package bus implements the kernel's in-process typed pub/sub with
// request/response aggregation and targeted routing. It is best-effort
// and in-memory: no delivery retries, no cross-process serialization —
// durable work belongs in the job queue.
package bus

import (
	"strings"
	"sync"
	"time"

	"github.com/brainkernel/brain/brainerr"
	"github.com/brainkernel/brain/logging"
)

// DefaultSendTimeout bounds how long Send waits for any one matched
// handler to return before treating it as a brainerr.Timeout failure.
const DefaultSendTimeout = 30 * time.Second

// Response is what a single handler (or an aggregated Send call) returns.
type Response struct {
	Success bool
	Data    any
	Error   string
	// Err carries the structured error behind Error, when there is one
	// (e.g. a *brainerr.Error of Kind Timeout) — Error stays the plain
	// string for callers that only log it.
	Err error
	// Noop is set by a broadcast handler that declines to participate.
	Noop bool
}

// Handler processes one message and returns a Response. Handlers that do
// I/O must respect ctx-less cooperative suspension the same way the rest of
// the kernel does — the bus itself imposes no context, callers that need
// cancellation propagate it through the payload or via a closure capturing
// a context.
type Handler func(msg Message) Response

// Message is what's delivered to a Handler.
type Message struct {
	ID            string
	Type          string
	Source        string
	Target        string
	Broadcast     bool
	Payload       any
	CorrelationID string

	timeout time.Duration
}

type subscription struct {
	id      uint64
	handler Handler
	filter  string // empty = matches everything; "prefix:*" = prefix match
}

// Bus is a topic-keyed registry of subscriptions. One mutex guards the
// whole map: subscriptions change rarely relative to sends, so a single
// RWMutex is the simplest correct option.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
	logger *logging.Logger
	idFunc func() string
}

// New builds an empty Bus. idFunc generates message IDs; pass a fixed
// generator in tests for determinism.
func New(logger *logging.Logger, idFunc func() string) *Bus {
	if logger == nil {
		logger = logging.Discard()
	}
	if idFunc == nil {
		idFunc = func() string { return "" }
	}
	return &Bus{subs: make(map[string][]subscription), logger: logger.Child("bus"), idFunc: idFunc}
}

// Subscribe registers handler for messages of the given type, optionally
// restricted to targets matching filter (exact match, or a "prefix:*"
// wildcard). It returns an unsubscribe function.
func (b *Bus) Subscribe(msgType string, handler Handler, filter string) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[msgType] = append(b.subs[msgType], subscription{id: id, handler: handler, filter: filter})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[msgType]
		for i, s := range list {
			if s.id == id {
				b.subs[msgType] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

func matchesFilter(filter, target string) bool {
	if filter == "" {
		return true
	}
	if strings.HasSuffix(filter, "*") {
		return strings.HasPrefix(target, strings.TrimSuffix(filter, "*"))
	}
	return filter == target
}

// SendOption configures a Send call.
type SendOption func(*Message)

// WithTarget restricts delivery to subscribers whose filter matches target.
func WithTarget(target string) SendOption { return func(m *Message) { m.Target = target } }

// WithSource records the sender's identity on the message.
func WithSource(source string) SendOption { return func(m *Message) { m.Source = source } }

// WithCorrelationID sets a correlation ID for request/response matching.
func WithCorrelationID(id string) SendOption { return func(m *Message) { m.CorrelationID = id } }

// WithTimeout overrides DefaultSendTimeout for one Send call.
func WithTimeout(d time.Duration) SendOption { return func(m *Message) { m.timeout = d } }

// Send delivers msgType/payload to matching subscribers synchronously, in
// registration order, and aggregates their responses. If broadcast is
// false and no subscriber matches the target, it returns
// {Success:false, Error:"no handler"}. Handlers that panic or whose
// Response.Error is set are logged and reported; other handlers still run.
func (b *Bus) Send(msgType string, payload any, broadcast bool, opts ...SendOption) Response {
	msg := Message{ID: b.idFunc(), Type: msgType, Payload: payload, Broadcast: broadcast, timeout: DefaultSendTimeout}
	for _, opt := range opts {
		opt(&msg)
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[msgType]...)
	b.mu.RUnlock()

	var matched []subscription
	for _, s := range subs {
		if matchesFilter(s.filter, msg.Target) {
			matched = append(matched, s)
		}
	}

	if len(matched) == 0 {
		if broadcast {
			return Response{Success: true, Data: []any{}}
		}
		return Response{Success: false, Error: "no handler"}
	}

	var results []any
	success := true
	var firstErr string
	var firstErrVal error
	for _, s := range matched {
		resp := b.invokeWithTimeout(s, msg)
		if resp.Noop {
			continue
		}
		if !resp.Success && firstErr == "" {
			firstErr = resp.Error
			firstErrVal = resp.Err
		}
		success = success && resp.Success
		results = append(results, resp.Data)
	}

	if broadcast {
		return Response{Success: true, Data: results}
	}
	if len(results) == 1 {
		return Response{Success: success, Data: results[0], Error: firstErr, Err: firstErrVal}
	}
	return Response{Success: success, Data: results, Error: firstErr, Err: firstErrVal}
}

// Publish is fire-and-forget broadcast: handlers run but no response is
// collected or returned to the caller.
func (b *Bus) Publish(msgType string, payload any, source string) {
	msg := Message{ID: b.idFunc(), Type: msgType, Payload: payload, Source: source, Broadcast: true}

	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[msgType]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.invoke(s, msg)
	}
}

// invokeWithTimeout runs s's handler on its own goroutine and waits up to
// msg.timeout for it to return, so one slow or hung handler can't block
// Send forever. A handler that doesn't return in time is left running
// (its eventual result is discarded into the buffered channel) and the
// caller sees a brainerr.Timeout failure instead.
func (b *Bus) invokeWithTimeout(s subscription, msg Message) Response {
	timeout := msg.timeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}

	done := make(chan Response, 1)
	go func() {
		done <- b.invoke(s, msg)
	}()

	select {
	case resp := <-done:
		return resp
	case <-time.After(timeout):
		err := brainerr.New(brainerr.Timeout, "bus send timed out waiting for handler", map[string]any{"type": msg.Type, "timeout": timeout.String()})
		b.logger.Warn("handler timed out", "type", msg.Type, "timeout", timeout)
		return Response{Success: false, Error: err.Error(), Err: err}
	}
}

func (b *Bus) invoke(s subscription, msg Message) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked", "type", msg.Type, "panic", r)
			resp = Response{Success: false, Error: "handler panicked"}
		}
	}()
	resp = s.handler(msg)
	if !resp.Success && resp.Error != "" {
		b.logger.Warn("handler reported failure", "type", msg.Type, "error", resp.Error)
	}
	return resp
}
