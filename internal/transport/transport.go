// Package transport defines the publish/subscribe contract a session talks
// through, plus an in-process implementation.
//
// Implementations deliver payloads to handlers from their own goroutine and
// must not call a handler concurrently with itself.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// State is the connection state reported to OnStateChange listeners.
type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handler receives one payload published on a subscribed topic.
type Handler func(payload string)

// Subscription is returned by Subscribe.
type Subscription interface {
	Topic() string
	Unsubscribe() error
}

type Transport interface {
	// Connect blocks until the first connection succeeds or ctx is done.
	Connect(ctx context.Context) error

	// Subscribe registers h for topic. Subscriptions survive reconnects.
	Subscribe(topic string, h Handler) (Subscription, error)

	// Publish sends payload to every subscriber of topic. It fails with
	// ErrNotConnected while the transport is down.
	Publish(ctx context.Context, topic, payload string) error

	// OnStateChange registers fn for state transitions. The returned func
	// removes it.
	OnStateChange(fn func(State)) (cancel func())

	Close() error
}

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: closed")
)

// Error records the operation and topic that failed.
type Error struct {
	Op    string
	Topic string
	Err   error
}

func (e *Error) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Topic, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
