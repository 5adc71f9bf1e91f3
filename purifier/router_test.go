package purifier

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/hazyhaar/purifier/purifier/wire"
)

type inbox struct {
	mu  sync.Mutex
	got []wire.Result
}

func (i *inbox) Deliver(res wire.Result) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.got = append(i.got, res)
}

func (i *inbox) n() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.got)
}

func TestRouter(t *testing.T) {
	r := newRouter(slog.Default())
	a, b := &inbox{}, &inbox{}
	r.claim("a1", a)
	r.claim("a2", a)
	r.claim("b1", b)

	r.deliver(wire.Result{Msg: wire.MsgSetSrc, ID: "b1"})
	r.deliver(wire.Result{Msg: wire.MsgSetSrc, ID: "b1"})
	r.deliver(wire.Result{Msg: wire.MsgSetSrc, ID: "nobody"})
	if a.n() != 0 || b.n() != 1 {
		t.Fatalf("a=%d b=%d", a.n(), b.n())
	}

	r.release("a2")
	r.release("a2")
	if r.len() != 1 {
		t.Fatalf("%d routes after release", r.len())
	}

	r.forget(a)
	if r.len() != 0 {
		t.Fatalf("%d routes left", r.len())
	}
	r.deliver(wire.Result{Msg: wire.MsgSetSrc, ID: "a1"})
	if a.n() != 0 {
		t.Fatal("result routed to a forgotten engine")
	}
}
