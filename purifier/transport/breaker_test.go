package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/purifier/purifier/wire"
)

type stubConn struct {
	err   error
	posts int
}

func (s *stubConn) Post(context.Context, wire.Request) error {
	s.posts++
	return s.err
}

func (s *stubConn) Close() error { return nil }

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(3, 100*time.Millisecond)
	cb.now = func() time.Time { return now }
	fail := errors.New("refused")

	for i := 0; i < 3; i++ {
		if !cb.acquire() {
			t.Fatalf("post %d refused while closed", i)
		}
		cb.done(fail)
	}
	if cb.State() != BreakerOpen || cb.acquire() {
		t.Fatal("expected open after 3 failures")
	}

	now = now.Add(200 * time.Millisecond)
	if cb.State() != BreakerHalfOpen {
		t.Fatal("expected half-open after cooldown")
	}
	if !cb.acquire() {
		t.Fatal("trial refused")
	}
	if cb.acquire() {
		t.Fatal("second post admitted during the trial")
	}
	cb.done(nil)
	if cb.State() != BreakerClosed {
		t.Fatal("expected closed after a good trial")
	}
}

func TestCircuitBreaker_FailedTrialReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(1, time.Second)
	cb.now = func() time.Time { return now }

	cb.acquire()
	cb.done(errors.New("refused"))
	now = now.Add(time.Second)
	if !cb.acquire() {
		t.Fatal("trial refused")
	}
	cb.done(errors.New("still refused"))
	if cb.State() != BreakerOpen {
		t.Fatal("failed trial should reopen")
	}
	now = now.Add(500 * time.Millisecond)
	if cb.acquire() {
		t.Fatal("cooldown restarts from the failed trial")
	}
}

func TestLatch_NeverRecovers(t *testing.T) {
	now := time.Now()
	cb := NewLatch()
	cb.now = func() time.Time { return now }

	cb.acquire()
	cb.done(errors.New("refused"))
	now = now.Add(24 * time.Hour)
	if cb.State() != BreakerOpen || cb.acquire() {
		t.Fatal("latched breaker recovered on its own")
	}
	cb.Reset()
	if !cb.acquire() {
		t.Fatal("Reset should close the breaker")
	}
}

func TestGuard(t *testing.T) {
	inner := &stubConn{err: errors.New("pipe broken")}
	conn := Guard(inner, NewLatch(), "shared")
	ctx := context.Background()

	if err := conn.Post(ctx, wire.Request{ID: "a"}); err == nil || errors.As(err, new(*ErrCircuitOpen)) {
		t.Fatalf("first post: err = %v, want the inner error", err)
	}

	inner.err = nil
	err := conn.Post(ctx, wire.Request{ID: "b"})
	var eco *ErrCircuitOpen
	if !errors.As(err, &eco) || eco.Channel != "shared" {
		t.Fatalf("second post: err = %v, want ErrCircuitOpen", err)
	}
	if inner.posts != 1 {
		t.Fatalf("inner posted %d times, want 1", inner.posts)
	}
}
