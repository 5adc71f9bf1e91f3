// Package purifier censors the images of web pages. A Runtime holds what
// pages share (worker transports, result cache, callback listener); each
// page gets its own Engine over a dom.Document, either a parsed HTML
// document (PurifyHTML) or a live Chrome tab (Watcher).
package purifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/purifier/purifier/dom"
	"github.com/hazyhaar/purifier/purifier/internal/asset"
	"github.com/hazyhaar/purifier/purifier/internal/callback"
	"github.com/hazyhaar/purifier/purifier/internal/engine"
	"github.com/hazyhaar/purifier/purifier/internal/store"
	"github.com/hazyhaar/purifier/purifier/internal/tracker"
	"github.com/hazyhaar/purifier/purifier/transport"
	"github.com/hazyhaar/purifier/purifier/wire"
)

// Engine is the purifier for one document.
type Engine = engine.Engine

// Stats is a snapshot of an engine's counters.
type Stats = engine.Stats

// Option customises a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(rt *Runtime) {
		if l != nil {
			rt.logger = l
		}
	}
}

// WithCensorFunc runs the worker in process. It replaces the dedicated
// channel configured in the worker section.
func WithCensorFunc(fn transport.CensorFunc) Option {
	return func(rt *Runtime) { rt.censor = fn }
}

// Runtime is the infrastructure shared by every page.
type Runtime struct {
	cfg    *Config
	logger *slog.Logger
	censor transport.CensorFunc

	store   *store.Store
	tracker *tracker.Tracker
	assets  *asset.Fetcher
	routes  *router

	dialer      transport.Dialer
	broadcaster transport.Broadcaster
	shared      *transport.WebSocket
	callback    *callback.Server
}

// NewRuntime opens the result store, warms the cache from it and connects
// the configured worker channels. A shared channel that cannot be reached
// is logged and skipped; requests then use the other strategies. Unset
// fields of cfg are filled with their defaults.
func NewRuntime(ctx context.Context, cfg *Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("purifier: nil config")
	}
	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("purifier: %w", err)
	}
	rt := &Runtime{cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(rt)
	}
	rt.routes = newRouter(rt.logger)
	rt.assets = asset.New(asset.Config{Logger: rt.logger})

	trackerOpts := []tracker.Option{tracker.WithLogger(rt.logger)}
	if cfg.Store.Path != "" {
		s, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("purifier: %w", err)
		}
		rt.store = s
		trackerOpts = append(trackerOpts, tracker.WithStore(s))
	}
	rt.tracker = tracker.New(trackerOpts...)
	if _, err := rt.tracker.Warm(ctx); err != nil {
		rt.logger.Warn("purifier: cache warm failed", "error", err)
	}

	w := cfg.Worker
	switch {
	case rt.censor != nil:
		rt.dialer = transport.NewLocal(rt.censor, rt.routes.deliver, rt.logger)
	case w.Fixed != "":
		rt.dialer = transport.NewLocal(transport.Fixed(w.Fixed), rt.routes.deliver, rt.logger)
	case w.DialURL != "":
		rt.dialer = transport.NewHTTPDialer(w.DialURL,
			transport.WithHTTPTimeout(w.Timeout),
			transport.WithHTTPLogger(rt.logger))
	}

	if w.SharedURL != "" {
		ws, err := transport.DialWebSocket(ctx, w.SharedURL, rt.routes.deliver, rt.logger)
		if err != nil {
			rt.logger.Warn("purifier: shared channel unavailable", "url", w.SharedURL, "error", err)
		} else {
			rt.shared = ws
		}
	}

	if w.BroadcastURL != "" {
		rt.broadcaster = transport.NewWebhook(w.BroadcastURL, transport.WithWebhookLogger(rt.logger))
	}

	if w.CallbackAddr != "" {
		rt.callback = callback.New(callback.Config{
			Addr:     w.CallbackAddr,
			OnResult: rt.routes.deliver,
			Token:    w.CallbackToken,
			Logger:   rt.logger,
		})
		go func() {
			if err := rt.callback.Serve(ctx); err != nil {
				rt.logger.Error("purifier: callback server", "error", err)
			}
		}()
	}

	rt.logger.Info("purifier: runtime ready",
		"dedicated", rt.dialer != nil,
		"shared", rt.shared != nil,
		"broadcast", rt.broadcaster != nil,
		"cached", rt.tracker.Results())
	return rt, nil
}

// NewEngine creates an engine over doc wired to the runtime's channels and
// cache. The caller starts and stops it; Release must follow Stop.
func (rt *Runtime) NewEngine(doc dom.Document) (*Engine, error) {
	c := rt.cfg.Censor
	var e *engine.Engine
	cfg := engine.Config{
		Document:           doc,
		Tracker:            rt.tracker,
		Assets:             rt.assets,
		Dialer:             rt.dialer,
		Broadcaster:        rt.broadcaster,
		Placeholders:       c.Placeholders,
		DefaultPlaceholder: c.DefaultPlaceholder,
		VideoPoster:        c.VideoPoster,
		VideoSource:        c.VideoSource,
		Active:             c.Active,
		VideoMode:          engine.VideoMode(c.VideoMode),
		GIFsAsVideos:       c.GIFsAsVideos,
		HideDomains:        c.HideDomains,
		MinArea:            c.MinArea,
		MinSide:            c.MinSide,
		DebounceWindow:     rt.cfg.Debounce.Window,
		SharedReset:        rt.cfg.Worker.SharedReset,
		Logger:             rt.logger,
	}
	// Replies only come back through the router on shared listeners.
	if rt.shared != nil || rt.broadcaster != nil || rt.callback != nil {
		cfg.OnRequest = func(id string) { rt.routes.claim(id, e) }
		cfg.OnRequestDone = rt.routes.release
	}
	e, err := engine.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("purifier: %w", err)
	}
	if rt.shared != nil {
		e.SetSharedConn(rt.shared)
	}
	return e, nil
}

// Release forgets the pending requests of a stopped engine.
func (rt *Runtime) Release(e *Engine) { rt.routes.forget(e) }

// Deliver hands a result to the engine that sent the request. Embedders
// with their own reply channel use it.
func (rt *Runtime) Deliver(res wire.Result) { rt.routes.deliver(res) }

// CachedResults returns the number of source URLs with a known result.
func (rt *Runtime) CachedResults() int { return rt.tracker.Results() }

// Close disconnects the shared channel and closes the store.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.shared != nil {
		if err := rt.shared.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
