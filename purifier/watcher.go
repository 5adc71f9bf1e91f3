package purifier

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/purifier/purifier/internal/browser"
)

// Watcher purifies live pages in Chrome. Each page gets a tab and an
// engine; image loads and DOM insertions in the tab trigger scans.
type Watcher struct {
	rt     *Runtime
	mgr    *browser.Manager
	logger *slog.Logger

	mu    sync.Mutex
	pages map[string]*livePage
}

type livePage struct {
	cfg    PageConfig
	tab    *browser.Tab
	engine *Engine
	cancel context.CancelFunc
}

// NewWatcher creates a Watcher over the runtime's configuration.
func NewWatcher(rt *Runtime) (*Watcher, error) {
	bc := rt.cfg.Browser
	level, err := browser.ParseStealth(bc.Stealth)
	if err != nil {
		return nil, fmt.Errorf("purifier: %w", err)
	}
	w := &Watcher{
		rt:     rt,
		logger: rt.logger,
		pages:  make(map[string]*livePage),
	}
	w.mgr = browser.NewManager(browser.Config{
		RemoteURL:        bc.Remote,
		MemoryLimit:      bc.MemoryLimit,
		RecycleInterval:  bc.RecycleInterval,
		ResourceBlocking: bc.ResourceBlocking,
		Stealth:          level,
		XvfbDisplay:      bc.XvfbDisplay,
		Logger:           rt.logger,
	})
	w.mgr.AfterRecycle = w.reopen
	return w, nil
}

// Start launches Chrome and opens every configured page, at most
// browser.max_tabs at a time. Pages that fail to open are logged.
func (w *Watcher) Start(ctx context.Context) error {
	if _, err := w.mgr.Start(ctx); err != nil {
		return fmt.Errorf("purifier: start browser: %w", err)
	}
	w.openAll(ctx, w.rt.cfg.Pages)
	return nil
}

func (w *Watcher) openAll(ctx context.Context, pages []PageConfig) {
	// A plain group: the pages outlive Wait, so they take ctx, not a
	// group-derived context.
	var g errgroup.Group
	if n := w.rt.cfg.Browser.MaxTabs; n > 0 {
		g.SetLimit(n)
	}
	for _, p := range pages {
		g.Go(func() error {
			if _, err := w.Open(ctx, p); err != nil {
				w.logger.Error("purifier: failed to open page", "url", p.URL, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// Open starts purifying one page. The engine keeps running until ctx ends
// or the Watcher stops.
func (w *Watcher) Open(ctx context.Context, p PageConfig) (*Engine, error) {
	tab, err := browser.OpenTab(ctx, w.mgr, p.URL, p.ID)
	if err != nil {
		return nil, fmt.Errorf("purifier: open tab: %w", err)
	}

	e, err := w.rt.NewEngine(browser.NewDocument(tab.Page, w.logger))
	if err != nil {
		tab.Close()
		return nil, err
	}

	pctx, cancel := context.WithCancel(ctx)
	if err := e.Start(pctx); err != nil {
		cancel()
		tab.Close()
		return nil, fmt.Errorf("purifier: %w", err)
	}
	if err := browser.WatchLoads(pctx, tab.Page, e.Run, w.logger); err != nil {
		w.logger.Warn("purifier: load watcher not installed", "url", p.URL, "error", err)
	}
	if p.ScanOnLoad == nil || *p.ScanOnLoad {
		e.Run()
	}

	lp := &livePage{cfg: p, tab: tab, engine: e, cancel: cancel}
	w.mu.Lock()
	if old, ok := w.pages[p.ID]; ok {
		w.closePage(old)
	}
	w.pages[p.ID] = lp
	w.mu.Unlock()

	w.logger.Info("purifier: purifying page", "id", p.ID, "url", p.URL)
	return e, nil
}

// Snapshot waits for the page to settle and returns its HTML.
func (w *Watcher) Snapshot(ctx context.Context, id string) (string, error) {
	w.mu.Lock()
	lp, ok := w.pages[id]
	w.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("purifier: unknown page %q", id)
	}
	if err := lp.engine.Settle(ctx); err != nil {
		return "", fmt.Errorf("purifier: settle %s: %w", id, err)
	}
	return lp.tab.HTML(ctx)
}

// Engine returns the engine of a page.
func (w *Watcher) Engine(id string) (*Engine, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	lp, ok := w.pages[id]
	if !ok {
		return nil, false
	}
	return lp.engine, true
}

// Stop closes every page and the browser.
func (w *Watcher) Stop() {
	w.mu.Lock()
	for id, lp := range w.pages {
		w.closePage(lp)
		w.logger.Info("purifier: stopped page", "id", id)
	}
	w.pages = make(map[string]*livePage)
	w.mu.Unlock()
	w.mgr.Close()
}

func (w *Watcher) closePage(lp *livePage) {
	lp.cancel()
	lp.engine.Stop()
	w.rt.Release(lp.engine)
	lp.tab.Close()
}

// reopen restarts every page after Chrome was recycled.
func (w *Watcher) reopen(ctx context.Context) {
	w.mu.Lock()
	var pages []PageConfig
	for _, lp := range w.pages {
		w.closePage(lp)
		pages = append(pages, lp.cfg)
	}
	w.pages = make(map[string]*livePage)
	w.mu.Unlock()

	w.logger.Info("purifier: reopening pages after recycle", "pages", len(pages))
	w.openAll(ctx, pages)
}
