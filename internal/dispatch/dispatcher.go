// Package dispatch turns fire-and-forget events into request/response calls:
// emit a request, wait for the matching reply event, give up after a timeout.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vedran77/chatsync/internal/metrics"
	"github.com/vedran77/chatsync/internal/transport"
)

const DefaultTimeout = 8 * time.Second

var (
	ErrRequestTimeout = errors.New("request timed out")
	ErrRejected       = errors.New("request rejected by server")
)

type RequestTimeoutError struct {
	Event   string
	Timeout time.Duration
	// Cause is set when the caller's context ended first.
	Cause error
}

func (e *RequestTimeoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: no response: %v", e.Event, e.Cause)
	}
	return fmt.Sprintf("%s: no response within %s", e.Event, e.Timeout)
}

func (e *RequestTimeoutError) Unwrap() error { return e.Cause }

func (e *RequestTimeoutError) Is(target error) bool { return target == ErrRequestTimeout }

// ServerError is an error event the server sent in answer to a request.
type ServerError struct {
	Event   string
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s rejected: %s (%s)", e.Event, e.Message, e.Code)
}

func (e *ServerError) Is(target error) bool { return target == ErrRejected }

// Emitter sends an event to the service. It must be safe for concurrent use.
type Emitter interface {
	Send(ctx context.Context, evt *transport.Event) error
}

// Call describes one round trip.
type Call struct {
	Event    string
	Payload  any
	Response string
	// Match narrows which response belongs to this call when the server does
	// not echo the request id.
	Match func(transport.Event) bool
}

type waiter struct {
	event     string
	requestID string
	response  string
	match     func(transport.Event) bool
	ch        chan result
}

type result struct {
	evt transport.Event
	err error
}

type Dispatcher struct {
	emitter Emitter
	timeout time.Duration
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	waiters map[string][]*waiter // response event → waiters in registration order
}

func New(emitter Emitter, timeout time.Duration, m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Dispatcher{
		emitter: emitter,
		timeout: timeout,
		log:     log.With().Str("component", "dispatch").Logger(),
		metrics: m,
		waiters: make(map[string][]*waiter),
	}
}

// Request performs call and decodes the response payload into T.
func Request[T any](ctx context.Context, d *Dispatcher, call Call) (T, error) {
	var out T
	evt, err := d.roundTrip(ctx, call)
	if err != nil {
		return out, err
	}
	if err := evt.Decode(&out); err != nil {
		return out, fmt.Errorf("decode %s: %w", call.Response, err)
	}
	return out, nil
}

func (d *Dispatcher) roundTrip(ctx context.Context, call Call) (transport.Event, error) {
	evt, err := transport.NewEvent(call.Event, call.Payload)
	if err != nil {
		return transport.Event{}, fmt.Errorf("encode %s: %w", call.Event, err)
	}
	evt.RequestID = uuid.NewString()

	w := &waiter{
		event:     call.Event,
		requestID: evt.RequestID,
		response:  call.Response,
		match:     call.Match,
		ch:        make(chan result, 1),
	}
	d.register(w)
	defer d.deregister(w)

	if err := d.emitter.Send(ctx, evt); err != nil {
		return transport.Event{}, err
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case r := <-w.ch:
		return r.evt, r.err
	case <-timer.C:
		d.metrics.RequestTimeouts.WithLabelValues(call.Event).Inc()
		d.log.Warn().Str("event", call.Event).Dur("timeout", d.timeout).Msg("Request timed out")
		return transport.Event{}, &RequestTimeoutError{Event: call.Event, Timeout: d.timeout}
	case <-ctx.Done():
		return transport.Event{}, &RequestTimeoutError{Event: call.Event, Timeout: d.timeout, Cause: ctx.Err()}
	}
}

// Resolve hands an inbound event to the waiter it answers and reports
// whether one was found. Error events only resolve waiters by request id.
func (d *Dispatcher) Resolve(evt transport.Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if evt.Type == transport.EventError {
		return d.reject(evt)
	}

	list := d.waiters[evt.Type]
	for i, w := range list {
		if evt.RequestID != "" && evt.RequestID != w.requestID {
			continue
		}
		if evt.RequestID == "" && w.match != nil && !w.match(evt) {
			continue
		}
		d.waiters[evt.Type] = append(list[:i:i], list[i+1:]...)
		w.ch <- result{evt: evt}
		return true
	}
	return false
}

// reject must be called with mu held.
func (d *Dispatcher) reject(evt transport.Event) bool {
	if evt.RequestID == "" {
		return false
	}
	for response, list := range d.waiters {
		for i, w := range list {
			if w.requestID != evt.RequestID {
				continue
			}
			var p transport.ErrorPayload
			_ = evt.Decode(&p)
			d.waiters[response] = append(list[:i:i], list[i+1:]...)
			w.ch <- result{err: &ServerError{Event: w.event, Code: p.Code, Message: p.Message}}
			return true
		}
	}
	return false
}

// Pending returns the number of registered waiters.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, list := range d.waiters {
		n += len(list)
	}
	return n
}

func (d *Dispatcher) register(w *waiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waiters[w.response] = append(d.waiters[w.response], w)
}

func (d *Dispatcher) deregister(w *waiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.waiters[w.response]
	for i, cur := range list {
		if cur == w {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(d.waiters, w.response)
	} else {
		d.waiters[w.response] = list
	}
}
