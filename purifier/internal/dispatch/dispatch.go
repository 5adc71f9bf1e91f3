// Package dispatch turns an eligible element into a censor request: it puts
// a placeholder on the element, inlines the original asset, registers the
// request with the tracker and delivers it over the first channel that
// works.
//
// Element mutations run on the engine loop through Config.Post; fetching and
// sending run in their own goroutines and never block a scan.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/purifier/purifier/dom"
	"github.com/hazyhaar/purifier/purifier/internal/registry"
	"github.com/hazyhaar/purifier/purifier/internal/tracker"
	"github.com/hazyhaar/purifier/purifier/transport"
	"github.com/hazyhaar/purifier/purifier/wire"
)

// Channel names the strategy a request went out on.
type Channel string

const (
	ChannelDedicated Channel = "dedicated"
	ChannelShared    Channel = "shared"
	ChannelBroadcast Channel = "broadcast"
)

// Assets inlines an image URL.
type Assets interface {
	DataURL(ctx context.Context, url string) (string, error)
}

// Config wires a Dispatcher.
type Config struct {
	Registry *registry.Registry
	Tracker  *tracker.Tracker
	Assets   Assets // optional; without it requests carry the raw URL

	Dialer      transport.Dialer      // optional
	Broadcaster transport.Broadcaster // optional
	// OnResult receives results read on dedicated channels.
	OnResult transport.ResultHandler
	// OnSendFailed is told about requests no channel accepted.
	OnSendFailed func(id string, err error)

	Placeholders       []string
	DefaultPlaceholder string
	// Choose picks a placeholder from the pool. Default: uniform random,
	// DefaultPlaceholder when the pool is empty.
	Choose func(pool []string) string

	// SharedReset is how long the shared channel's breaker stays open after
	// a failed send before one request is let through again. Zero latches:
	// the shared channel is never used again.
	SharedReset time.Duration

	// Post runs fn on the engine loop.
	Post func(fn func())

	Logger *slog.Logger
}

// Stats counts requests per channel.
type Stats struct {
	Dedicated int64
	Shared    int64
	Broadcast int64
	Failed    int64
	Fallbacks int64 // requests sent with the raw URL
}

// Dispatcher sends censor requests.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	shared transport.Conn
	conns  map[string]transport.Conn

	dedicated, sharedN, broadcast, failed, fallbacks atomic.Int64
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Choose == nil {
		def := cfg.DefaultPlaceholder
		cfg.Choose = func(pool []string) string {
			if len(pool) == 0 {
				return def
			}
			return pool[rand.IntN(len(pool))]
		}
	}
	if cfg.Post == nil {
		cfg.Post = func(fn func()) { fn() }
	}
	return &Dispatcher{
		cfg:    cfg,
		logger: cfg.Logger,
		conns:  make(map[string]transport.Conn),
	}
}

// SetShared installs the shared channel. Its breaker opens on the first
// failed send; see Config.SharedReset. A nil conn removes it.
func (d *Dispatcher) SetShared(conn transport.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conn == nil {
		d.shared = nil
		return
	}
	cb := transport.NewCircuitBreaker(1, d.cfg.SharedReset)
	d.shared = transport.Guard(conn, cb, string(ChannelShared))
}

// Placeholder returns the placeholder for the next element.
func (d *Dispatcher) Placeholder() string {
	if p := d.cfg.Choose(d.cfg.Placeholders); p != "" {
		return p
	}
	return d.cfg.DefaultPlaceholder
}

// Dispatch starts censoring n, whose normalized source is url. It must be
// called on the engine loop. The element moves to censoring at once; the
// placeholder swap and the request follow asynchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, doc dom.Document, n dom.Node, k registry.Kind, url string, priority int, domain string) {
	reg := d.cfg.Registry
	e := reg.Ensure(n)
	reg.SetSource(n, url)
	reg.Begin(n, k)
	id := e.ID
	placeholder := d.Placeholder()

	if k == registry.KindStyle {
		if placeholder != "" {
			n.SetBackgroundImage(placeholder)
			reg.Assign(n, k, placeholder)
			dom.SetFlag(n, dom.AttrPlaceholder, true)
		}
		go d.Send(ctx, id, url, priority, domain)
		return
	}

	go func() {
		ph := d.preload(ctx, doc, placeholder)
		d.cfg.Post(func() {
			if reg.State(n, k) != registry.Censoring {
				return
			}
			if ph != "" {
				n.SetAttr("src", ph)
				reg.Assign(n, k, ph)
				dom.SetFlag(n, dom.AttrPlaceholder, true)
			}
			go d.Send(ctx, id, url, priority, domain)
		})
	}()
}

// preload loads the placeholder before it is swapped in. On failure the
// default placeholder is tried; if that fails too the chosen one is used
// anyway.
func (d *Dispatcher) preload(ctx context.Context, doc dom.Document, ph string) string {
	if ph == "" || doc == nil {
		return ph
	}
	err := doc.Preload(ctx, ph)
	if err == nil {
		return ph
	}
	d.logger.Warn("dispatch: placeholder preload failed", "url", ph, "error", err)
	if def := d.cfg.DefaultPlaceholder; def != "" && def != ph {
		if doc.Preload(ctx, def) == nil {
			return def
		}
	}
	return ph
}

// Send builds and delivers the request for id over exactly one channel.
// The tracker learns about id before anything is sent, so a result racing
// back finds its entry.
func (d *Dispatcher) Send(ctx context.Context, id, url string, priority int, domain string) (Channel, error) {
	imageURL := url
	if d.cfg.Assets != nil {
		data, err := d.cfg.Assets.DataURL(ctx, url)
		if err != nil {
			d.fallbacks.Add(1)
			d.logger.Info("dispatch: asset read failed, sending raw url", "id", id, "url", url, "error", err)
		} else {
			imageURL = data
		}
	}

	req := wire.NewRequest(id, imageURL, url, priority, domain)
	d.cfg.Tracker.Track(id, url)

	ch, err := d.deliver(ctx, req)
	if err != nil {
		d.failed.Add(1)
		d.logger.Warn("dispatch: request not delivered", "id", id, "error", err)
		if d.cfg.OnSendFailed != nil {
			d.cfg.OnSendFailed(id, err)
		}
		return "", err
	}
	d.logger.Debug("dispatch: request sent", "id", id, "channel", ch, "priority", priority)
	return ch, nil
}

func (d *Dispatcher) deliver(ctx context.Context, req wire.Request) (Channel, error) {
	var errs []error

	if d.cfg.Dialer != nil {
		conn, err := d.cfg.Dialer.Dial(ctx, req.ID, d.cfg.OnResult)
		if err == nil {
			d.mu.Lock()
			d.conns[req.ID] = conn
			d.mu.Unlock()
			if err = conn.Post(ctx, req); err == nil {
				d.dedicated.Add(1)
				return ChannelDedicated, nil
			}
			d.Release(req.ID)
		}
		d.logger.Warn("dispatch: dedicated channel failed", "id", req.ID, "error", err)
		errs = append(errs, err)
	}

	d.mu.Lock()
	shared := d.shared
	d.mu.Unlock()
	if shared != nil {
		err := shared.Post(ctx, req)
		if err == nil {
			d.sharedN.Add(1)
			return ChannelShared, nil
		}
		var open *transport.ErrCircuitOpen
		if !errors.As(err, &open) {
			d.logger.Warn("dispatch: shared channel faulted", "id", req.ID, "error", err)
		}
		errs = append(errs, err)
	}

	if d.cfg.Broadcaster != nil {
		if len(errs) > 0 {
			d.logger.Warn("dispatch: falling back to broadcast", "id", req.ID)
		}
		err := d.cfg.Broadcaster.Broadcast(ctx, req)
		if err == nil {
			d.broadcast.Add(1)
			return ChannelBroadcast, nil
		}
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return "", transport.ErrNoChannel
	}
	return "", errors.Join(errs...)
}

// Release closes the dedicated channel of id, if any.
func (d *Dispatcher) Release(id string) {
	d.mu.Lock()
	conn, ok := d.conns[id]
	delete(d.conns, id)
	d.mu.Unlock()
	if ok {
		if err := conn.Close(); err != nil {
			d.logger.Debug("dispatch: close channel", "id", id, "error", err)
		}
	}
}

// Close releases every open dedicated channel.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	conns := d.conns
	d.conns = make(map[string]transport.Conn)
	d.mu.Unlock()
	for id, conn := range conns {
		if err := conn.Close(); err != nil {
			d.logger.Debug("dispatch: close channel", "id", id, "error", err)
		}
	}
}

// Open returns the number of dedicated channels awaiting a result.
func (d *Dispatcher) Open() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Stats returns the request counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dedicated: d.dedicated.Load(),
		Shared:    d.sharedN.Load(),
		Broadcast: d.broadcast.Load(),
		Failed:    d.failed.Load(),
		Fallbacks: d.fallbacks.Load(),
	}
}
