// Package engine runs the purifier against one document.
//
// A single goroutine owns the document and the registry. Scan requests,
// worker results and asynchronous completions (placeholder loaded, request
// failed) all reach it through channels, so a result's source assignment
// always happens before the eligibility check of any later scan.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/purifier/purifier/dom"
	"github.com/hazyhaar/purifier/purifier/internal/discovery"
	"github.com/hazyhaar/purifier/purifier/internal/dispatch"
	"github.com/hazyhaar/purifier/purifier/internal/registry"
	"github.com/hazyhaar/purifier/purifier/internal/tracker"
	"github.com/hazyhaar/purifier/purifier/internal/trigger"
	"github.com/hazyhaar/purifier/purifier/internal/urlnorm"
	"github.com/hazyhaar/purifier/purifier/transport"
	"github.com/hazyhaar/purifier/purifier/wire"
)

// VideoMode selects what happens to video elements.
type VideoMode string

const (
	VideoAllow VideoMode = "Allow"
	VideoBlock VideoMode = "Block"
)

// Exclusion reasons.
const (
	ReasonSizeFormat = "size_format"
	ReasonDisabled   = "disabled"
	ReasonInvalidURL = "invalid_url"
)

// VideoTags are the elements disabled in VideoBlock mode.
var VideoTags = []string{"video", "video-element"}

// ErrStopped is returned when the engine loop is not running.
var ErrStopped = errors.New("engine: stopped")

// Config wires an Engine. Document is required.
type Config struct {
	Document dom.Document

	Registry   *registry.Registry // default: new registry
	Tracker    *tracker.Tracker   // default: new tracker
	Normalizer *urlnorm.Chain     // default: urlnorm.Default()
	Assets     dispatch.Assets

	Dialer      transport.Dialer
	Broadcaster transport.Broadcaster

	Placeholders       []string
	DefaultPlaceholder string
	VideoPoster        string
	VideoSource        string

	Active       bool
	VideoMode    VideoMode
	GIFsAsVideos bool
	HideDomains  bool

	// Size gate: images are censored only when width*height > MinArea and
	// both sides exceed MinSide. Defaults: 15000 and 100.
	MinArea int
	MinSide int

	// OnRequest is told the id of every request before it is sent, so
	// replies arriving on shared listeners can be routed back.
	// OnRequestDone follows once the result was handled or no channel took
	// the request.
	OnRequest     func(id string)
	OnRequestDone func(id string)

	// SharedReset is how long a faulted shared channel rests before it is
	// tried again. Zero retires it for good.
	SharedReset time.Duration

	DebounceWindow time.Duration // default: trigger.DefaultWindow
	Logger         *slog.Logger
}

func (c *Config) defaults() {
	if c.Registry == nil {
		c.Registry = registry.New()
	}
	if c.Tracker == nil {
		c.Tracker = tracker.New(tracker.WithLogger(c.Logger))
	}
	if c.Normalizer == nil {
		c.Normalizer = urlnorm.Default()
	}
	if c.VideoMode == "" {
		c.VideoMode = VideoAllow
	}
	if c.MinArea <= 0 {
		c.MinArea = 15000
	}
	if c.MinSide <= 0 {
		c.MinSide = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	Scans     int64
	Requests  int64
	CacheHits int64
	Applied   int64
	Dropped   int64
	Failed    int64 // results without a url; the placeholder stays
	Excluded  int64
	Videos    int64
	LastScan  time.Time
	Dispatch  dispatch.Stats
}

// Engine is the purifier for one document.
type Engine struct {
	cfg    Config
	doc    dom.Document
	reg    *registry.Registry
	track  *tracker.Tracker
	norm   *urlnorm.Chain
	finder *discovery.Finder
	disp   *dispatch.Dispatcher
	deb    *trigger.Debouncer
	logger *slog.Logger

	runCh   chan struct{}
	results chan wire.Result
	tasks   chan func()

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	hideDomains atomic.Bool

	// Loop-owned.
	ready   bool
	pending map[string]struct{}

	scans, requests, cacheHits, applied, dropped, failed, excluded, videos atomic.Int64

	lastScan atomic.Int64 // unix nanos
}

// New creates an engine. Call Start to run it.
func New(cfg Config) (*Engine, error) {
	if cfg.Document == nil {
		return nil, errors.New("engine: no document")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.defaults()

	e := &Engine{
		cfg:     cfg,
		doc:     cfg.Document,
		reg:     cfg.Registry,
		track:   cfg.Tracker,
		norm:    cfg.Normalizer,
		finder:  discovery.New(cfg.Registry, cfg.Logger),
		deb:     trigger.New(cfg.DebounceWindow),
		logger:  cfg.Logger,
		runCh:   make(chan struct{}, 1),
		results: make(chan wire.Result, 256),
		tasks:   make(chan func(), 256),
		done:    make(chan struct{}),
		ready:   true,
		pending: make(map[string]struct{}),
	}
	e.hideDomains.Store(cfg.HideDomains)
	e.disp = dispatch.New(dispatch.Config{
		Registry:           cfg.Registry,
		Tracker:            cfg.Tracker,
		Assets:             cfg.Assets,
		Dialer:             cfg.Dialer,
		Broadcaster:        cfg.Broadcaster,
		OnResult:           e.Deliver,
		OnSendFailed:       e.sendFailed,
		Placeholders:       cfg.Placeholders,
		DefaultPlaceholder: cfg.DefaultPlaceholder,
		SharedReset:        cfg.SharedReset,
		Post:               e.post,
		Logger:             cfg.Logger,
	})
	return e, nil
}

// Start runs the event loop until ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	started := false
	e.startOnce.Do(func() {
		started = true
		e.ctx, e.cancel = context.WithCancel(ctx)
		go e.loop(e.ctx)
	})
	if !started {
		return errors.New("engine: already started")
	}
	e.logger.Info("engine: started", "active", e.cfg.Active, "video_mode", e.cfg.VideoMode)
	return nil
}

// Stop ends the loop and closes every dedicated channel still open.
func (e *Engine) Stop() {
	e.startOnce.Do(func() { close(e.done) })
	if e.cancel != nil {
		e.cancel()
	}
	<-e.done
}

// Done is closed when the loop exits.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Run asks for a scan. Calls within the debounce window coalesce.
func (e *Engine) Run() {
	select {
	case e.runCh <- struct{}{}:
	default:
	}
}

// Deliver hands a worker result to the applier. Safe from any goroutine.
func (e *Engine) Deliver(res wire.Result) {
	select {
	case e.results <- res:
	case <-e.done:
	}
}

// SetReady gates processing. While not ready, eligible images are kept for
// a later scan.
func (e *Engine) SetReady(ready bool) {
	e.post(func() {
		e.ready = ready
		if ready {
			e.deb.Signal()
		}
	})
}

// SetSharedConn installs the shared channel used when no dedicated channel
// can be opened.
func (e *Engine) SetSharedConn(conn transport.Conn) { e.disp.SetShared(conn) }

// SetHideDomains toggles domain redaction in outgoing requests.
func (e *Engine) SetHideDomains(hide bool) { e.hideDomains.Store(hide) }

// Tracker returns the engine's cache tracker.
func (e *Engine) Tracker() *tracker.Tracker { return e.track }

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	st := Stats{
		Scans:     e.scans.Load(),
		Requests:  e.requests.Load(),
		CacheHits: e.cacheHits.Load(),
		Applied:   e.applied.Load(),
		Dropped:   e.dropped.Load(),
		Failed:    e.failed.Load(),
		Excluded:  e.excluded.Load(),
		Videos:    e.videos.Load(),
		Dispatch:  e.disp.Stats(),
	}
	if ns := e.lastScan.Load(); ns != 0 {
		st.LastScan = time.Unix(0, ns)
	}
	return st
}

// ScanNow runs a scan immediately, bypassing the debounce window, and
// returns once it completed.
func (e *Engine) ScanNow(ctx context.Context) error {
	return e.Do(ctx, func() {
		e.deb.Stop()
		e.scan()
	})
}

// Settle waits until no scan is pending and every request sent has been
// answered or has failed.
func (e *Engine) Settle(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		var busy bool
		if err := e.Do(ctx, func() {
			busy = e.deb.Pending() || len(e.pending) > 0
		}); err != nil {
			return err
		}
		if !busy {
			return nil
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Do runs fn on the engine loop and waits for it. Use it to read or mutate
// the document safely from outside.
func (e *Engine) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case e.tasks <- func() { fn(); close(finished) }:
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) post(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.done:
	}
}

func (e *Engine) sendFailed(id string, _ error) {
	e.post(func() {
		delete(e.pending, id)
		e.finish(id)
	})
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	defer e.disp.Close()
	defer e.deb.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine: stopped", "scans", e.scans.Load(), "applied", e.applied.Load())
			return
		case <-e.runCh:
			e.deb.Signal()
		case <-e.deb.C():
			n := e.deb.Fire()
			e.logger.Debug("engine: debounce complete", "signals", n)
			e.scan()
		case res := <-e.results:
			e.applyResult(res)
		case fn := <-e.tasks:
			fn()
		}
	}
}

// domain is the page domain reported to the worker.
func (e *Engine) domain() string {
	if e.hideDomains.Load() {
		return wire.RedactedDomain
	}
	return strings.TrimPrefix(strings.ToLower(e.doc.Hostname()), "www.")
}
