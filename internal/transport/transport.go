// Package transport describes the persistent named-event channel between
// the client and the messaging service.
package transport

import (
	"context"
	"errors"
)

var ErrNotConnected = errors.New("transport not connected")

// Sink receives every inbound event, including lifecycle events.
type Sink func(Event)

// Transport is one bidirectional named-event channel. Implementations push
// inbound events to the Sink they were built with; a dropped connection is
// reported as an EventDisconnect and is never retried by the transport.
type Transport interface {
	Connect(ctx context.Context) error
	Emit(ctx context.Context, evt *Event) error
	Close() error
}
