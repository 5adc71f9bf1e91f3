package transport

import (
	"context"
	"sync"
	"time"

	"github.com/hazyhaar/purifier/purifier/wire"
)

// BreakerState is the health of a guarded channel.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // posts go out
	BreakerOpen                         // posts are refused
	BreakerHalfOpen                     // one trial post decides
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "closed"
}

// CircuitBreaker tracks one worker channel. After threshold consecutive
// failed posts it refuses posts for cooldown, then admits a single trial:
// success closes it, failure opens it for another cooldown. A zero
// cooldown latches it open until Reset.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	trial     bool
	now       func() time.Time
}

// NewCircuitBreaker returns a closed breaker. A threshold below one is
// treated as one.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{threshold: max(threshold, 1), cooldown: cooldown, now: time.Now}
}

// NewLatch opens on the first failure and stays open.
func NewLatch() *CircuitBreaker { return NewCircuitBreaker(1, 0) }

// State returns the breaker state as of now.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.cool()
	return cb.state
}

// acquire reports whether a post may go out. Every admitted post must be
// followed by done.
func (cb *CircuitBreaker) acquire() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.cool()
	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if cb.trial {
			return false
		}
		cb.trial = true
		return true
	}
	return false
}

// done records the outcome of an admitted post.
func (cb *CircuitBreaker) done(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.state, cb.failures, cb.trial = BreakerClosed, 0, false
		return
	}
	cb.failures++
	if cb.state == BreakerHalfOpen || cb.failures >= cb.threshold {
		cb.state, cb.openedAt, cb.trial = BreakerOpen, cb.now(), false
	}
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state, cb.failures, cb.trial = BreakerClosed, 0, false
}

// cool moves an open breaker to half-open once its cooldown passed.
// Called with mu held.
func (cb *CircuitBreaker) cool() {
	if cb.state == BreakerOpen && cb.cooldown > 0 && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.state = BreakerHalfOpen
	}
}

// Guard wraps conn with cb. Refused posts fail with ErrCircuitOpen naming
// channel.
func Guard(conn Conn, cb *CircuitBreaker, channel string) Conn {
	return &guarded{conn: conn, cb: cb, channel: channel}
}

type guarded struct {
	conn    Conn
	cb      *CircuitBreaker
	channel string
}

func (g *guarded) Post(ctx context.Context, req wire.Request) error {
	if !g.cb.acquire() {
		return &ErrCircuitOpen{Channel: g.channel}
	}
	err := g.conn.Post(ctx, req)
	g.cb.done(err)
	return err
}

func (g *guarded) Close() error { return g.conn.Close() }
