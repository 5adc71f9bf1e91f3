// Package tracker is the dedup cache between source URLs and censor results.
//
// Exactly one TrackedImage exists per normalized URL. A TrackedImage is
// created when the first request for its URL is sent and carries the result
// once the worker answered; from then on every element with the same URL
// resolves from the cache without a remote round-trip.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// TrackedImage is the cache record of one normalized URL.
type TrackedImage struct {
	ID     string
	URL    string
	Result string
}

// Store persists results across process restarts.
type Store interface {
	Put(ctx context.Context, url, result string) error
	All(ctx context.Context) (map[string]string, error)
}

// Tracker maps URLs to results and request ids to URLs.
// Safe for concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	byURL  map[string]*TrackedImage
	byID   map[string]*TrackedImage
	store  Store
	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStore enables write-through persistence of applied results.
func WithStore(s Store) Option {
	return func(t *Tracker) { t.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New creates an empty tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		byURL:  make(map[string]*TrackedImage),
		byID:   make(map[string]*TrackedImage),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Lookup returns the cached result for url, if one was applied.
func (t *Tracker) Lookup(url string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	img, ok := t.byURL[url]
	if !ok || img.Result == "" {
		return "", false
	}
	return img.Result, true
}

// Track registers request id for url. When url is already tracked the
// existing record is re-pointed at id (last write wins); earlier ids keep
// resolving to the same record so their late results still land.
func (t *Tracker) Track(id, url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	img, ok := t.byURL[url]
	if !ok {
		img = &TrackedImage{URL: url}
		t.byURL[url] = img
	}
	img.ID = id
	t.byID[id] = img
}

// Apply records result against the URL tracked under id. It reports false
// when id is unknown.
func (t *Tracker) Apply(ctx context.Context, id, result string) bool {
	t.mu.Lock()
	img, ok := t.byID[id]
	if ok {
		img.Result = result
	}
	t.mu.Unlock()
	if !ok {
		return false
	}

	if t.store != nil && result != "" {
		if err := t.store.Put(ctx, img.URL, result); err != nil {
			t.logger.Warn("tracker: persist result", "url", img.URL, "error", err)
		}
	}
	return true
}

// Get returns a copy of the record tracked under id.
func (t *Tracker) Get(id string) (TrackedImage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	img, ok := t.byID[id]
	if !ok {
		return TrackedImage{}, false
	}
	return *img, true
}

// Warm loads every persisted result into the cache. Records already in
// memory are left alone.
func (t *Tracker) Warm(ctx context.Context) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	all, err := t.store.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("tracker: warm: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for url, result := range all {
		if _, ok := t.byURL[url]; ok {
			continue
		}
		t.byURL[url] = &TrackedImage{URL: url, Result: result}
		n++
	}
	t.logger.Info("tracker: warmed", "entries", n)
	return n, nil
}

// Len returns the number of distinct URLs tracked.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byURL)
}

// Results returns the number of URLs with a known result.
func (t *Tracker) Results() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, img := range t.byURL {
		if img.Result != "" {
			n++
		}
	}
	return n
}
