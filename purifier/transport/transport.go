// Package transport carries censor requests to the remote worker and its
// results back.
//
// Three shapes of channel exist, matching the dispatcher's degrading chain:
// a Dialer opens a dedicated Conn per request id, a shared Conn is reused
// across requests, and a Broadcaster sends fire-and-forget with no reply
// wiring (replies reach the engine through some global listener, such as
// the callback server).
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/purifier/purifier/wire"
)

// ResultHandler receives results read from a channel. It may be called from
// any goroutine.
type ResultHandler func(wire.Result)

// Conn is a bidirectional channel to the worker.
type Conn interface {
	Post(ctx context.Context, req wire.Request) error
	Close() error
}

// Dialer opens a channel scoped to one request id. Results read on it go to
// onResult.
type Dialer interface {
	Dial(ctx context.Context, id string, onResult ResultHandler) (Conn, error)
}

// Broadcaster sends a request without a reply channel.
type Broadcaster interface {
	Broadcast(ctx context.Context, req wire.Request) error
}

// ErrNoChannel is returned when no delivery strategy is available.
var ErrNoChannel = errors.New("transport: no channel available")

// ErrClosed is returned by Post on a closed channel.
var ErrClosed = errors.New("transport: channel closed")

// ErrCircuitOpen is returned when a channel's breaker rejects the call.
type ErrCircuitOpen struct {
	Channel string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("transport: circuit open: %s", e.Channel)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, id string, onResult ResultHandler) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, id string, onResult ResultHandler) (Conn, error) {
	return f(ctx, id, onResult)
}

// BroadcastFunc adapts a function to Broadcaster.
type BroadcastFunc func(ctx context.Context, req wire.Request) error

func (f BroadcastFunc) Broadcast(ctx context.Context, req wire.Request) error { return f(ctx, req) }
