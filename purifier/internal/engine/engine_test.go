package engine

import (
	"context"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/purifier/purifier/dom"
	"github.com/hazyhaar/purifier/purifier/dom/memdom"
	"github.com/hazyhaar/purifier/purifier/transport"
	"github.com/hazyhaar/purifier/purifier/wire"
)

const placeholder = "data:image/png;base64,UExBQ0VIT0xERVI="

// capture is a Broadcaster and Dialer that records requests.
type capture struct {
	mu     sync.Mutex
	reqs   []wire.Request
	closed map[string]bool
}

func (c *capture) Broadcast(_ context.Context, req wire.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	return nil
}

func (c *capture) Dial(_ context.Context, id string, _ transport.ResultHandler) (transport.Conn, error) {
	return &captureConn{c: c, id: id}, nil
}

type captureConn struct {
	c  *capture
	id string
}

func (cc *captureConn) Post(ctx context.Context, req wire.Request) error {
	return cc.c.Broadcast(ctx, req)
}

func (cc *captureConn) Close() error {
	cc.c.mu.Lock()
	defer cc.c.mu.Unlock()
	if cc.c.closed == nil {
		cc.c.closed = make(map[string]bool)
	}
	cc.c.closed[cc.id] = true
	return nil
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reqs)
}

func (c *capture) wait(t *testing.T, n int) []wire.Request {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.reqs) >= n {
			out := append([]wire.Request(nil), c.reqs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d requests, got %d", n, c.count())
	return nil
}

func parse(t *testing.T, body string, opts ...memdom.Option) *memdom.Document {
	t.Helper()
	doc, err := memdom.Parse(strings.NewReader("<html><body>"+body+"</body></html>"), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func start(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.DefaultPlaceholder == "" {
		cfg.DefaultPlaceholder = placeholder
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Stop)
	return e
}

func settle(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.Settle(ctx); err != nil {
		t.Fatalf("Settle: %v", err)
	}
}

// snapshot reads an element's attributes on the engine loop.
func snapshot(t *testing.T, e *Engine, n dom.Node, names ...string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := e.Do(context.Background(), func() {
		for _, name := range names {
			if v, ok := n.Attr(name); ok {
				out[name] = v
			} else {
				out[name] = "<absent>"
			}
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// hasReason reports whether a censor-exclusion value lists reason. Images
// also collect unmatched_url from the background pass.
func hasReason(attr, reason string) bool {
	return slices.Contains(strings.Fields(attr), reason)
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	doc := parse(t, `<img src="https://x/a.jpg" width="200" height="200">`, memdom.WithHost("www.Example.com"))
	img := doc.Images()[0]
	b := &capture{}
	e := start(t, Config{Document: doc, Broadcaster: b, Active: true})

	if err := e.ScanNow(ctx); err != nil {
		t.Fatal(err)
	}
	reqs := b.wait(t, 1)

	got := snapshot(t, e, img, "src", dom.AttrState, dom.AttrPlaceholder, dom.AttrID, dom.AttrSrc)
	if got["src"] != placeholder {
		t.Errorf("src = %q, want placeholder", got["src"])
	}
	if got[dom.AttrState] != "censoring" {
		t.Errorf("censor-state = %q", got[dom.AttrState])
	}
	if got[dom.AttrPlaceholder] == "<absent>" {
		t.Error("placeholder marker not set")
	}
	if got[dom.AttrSrc] != "https://x/a.jpg" {
		t.Errorf("censor-src = %q", got[dom.AttrSrc])
	}

	req := reqs[0]
	if req.Msg != wire.MsgCensorRequest || req.ID != got[dom.AttrID] || req.Priority <= 0 {
		t.Fatalf("request = %+v", req)
	}
	if req.SrcURL != "https://x/a.jpg" || req.Domain != "example.com" {
		t.Fatalf("request = %+v", req)
	}

	e.Deliver(wire.Result{Msg: wire.MsgSetSrc, ID: req.ID, CensorURL: "https://cdn/result.jpg"})
	settle(t, e)

	got = snapshot(t, e, img, "src", dom.AttrState, dom.AttrPlaceholder)
	if got["src"] != "https://cdn/result.jpg" {
		t.Errorf("src = %q", got["src"])
	}
	if got[dom.AttrState] != "censored" {
		t.Errorf("censor-state = %q", got[dom.AttrState])
	}
	if got[dom.AttrPlaceholder] != "<absent>" {
		t.Error("placeholder marker not cleared")
	}
	if r, ok := e.Tracker().Lookup("https://x/a.jpg"); !ok || r != "https://cdn/result.jpg" {
		t.Errorf("tracker = %q, %v", r, ok)
	}
	if b.count() != 1 {
		t.Errorf("sent %d requests, want 1", b.count())
	}
}

func TestDedupAcrossScans(t *testing.T) {
	ctx := context.Background()
	doc := parse(t, `<img src="https://x/a.jpg" width="200" height="200">`)
	b := &capture{}
	e := start(t, Config{Document: doc, Broadcaster: b, Active: true})

	e.ScanNow(ctx)
	req := b.wait(t, 1)[0]
	e.Deliver(wire.Result{Msg: wire.MsgSetSrc, ID: req.ID, CensorURL: "https://cdn/a.jpg"})
	settle(t, e)

	var second *memdom.Element
	e.Do(ctx, func() {
		second = doc.Append("img", "src", "https://x/a.jpg")
		second.SetLayout(dom.Layout{
			OffsetWidth: 200, OffsetHeight: 200,
			Rect:  dom.Rect{Width: 200, Height: 200},
			Width: 200, Height: 200, NaturalWidth: 200, Complete: true,
		})
	})
	e.ScanNow(ctx)
	settle(t, e)

	if b.count() != 1 {
		t.Fatalf("sent %d requests, want 1", b.count())
	}
	got := snapshot(t, e, second, "src", dom.AttrState)
	if got["src"] != "https://cdn/a.jpg" || got[dom.AttrState] != "censored" {
		t.Fatalf("second element = %v", got)
	}
	if e.Stats().CacheHits != 1 {
		t.Fatalf("CacheHits = %d", e.Stats().CacheHits)
	}
}

func TestSameScanRaceIsTolerated(t *testing.T) {
	doc := parse(t, `<img src="https://x/a.jpg" width="200" height="200"><img src="https://x/a.jpg" width="200" height="200">`)
	b := &capture{}
	e := start(t, Config{Document: doc, Broadcaster: b, Active: true})

	e.ScanNow(context.Background())
	reqs := b.wait(t, 2)
	if reqs[0].ID == reqs[1].ID {
		t.Fatal("both elements share an id")
	}
}

func TestDebouncedRun(t *testing.T) {
	e := start(t, Config{Document: memdom.New()})

	var last time.Time
	for i := range 3 {
		if i > 0 {
			time.Sleep(100 * time.Millisecond)
		}
		last = time.Now()
		e.Run()
	}

	deadline := time.Now().Add(3 * time.Second)
	for e.Stats().Scans == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	st := e.Stats()
	if st.Scans != 1 {
		t.Fatalf("Scans = %d, want 1", st.Scans)
	}
	if wait := st.LastScan.Sub(last); wait < time.Second-time.Millisecond {
		t.Fatalf("scan began %v after the last run, want >= 1s", wait)
	}

	time.Sleep(300 * time.Millisecond)
	if n := e.Stats().Scans; n != 1 {
		t.Fatalf("Scans = %d after quiet period, want 1", n)
	}
}

func TestExclusions(t *testing.T) {
	ctx := context.Background()
	doc := parse(t, `<img src="https://x/tiny.jpg" width="50" height="50">`+
		`<img src="https://x/logo.svg" width="300" height="300">`+
		`<img src="https://x/thin.jpg" width="1000" height="90">`)
	b := &capture{}
	e := start(t, Config{Document: doc, Broadcaster: b, Active: true})

	e.ScanNow(ctx)
	e.ScanNow(ctx)
	settle(t, e)

	for _, img := range doc.Images() {
		got := snapshot(t, e, img, dom.AttrState, dom.AttrExclusion)
		if got[dom.AttrState] != "excluded" || !hasReason(got[dom.AttrExclusion], ReasonSizeFormat) {
			t.Errorf("%s: %v", img.Src(), got)
		}
	}
	if b.count() != 0 {
		t.Fatalf("sent %d requests", b.count())
	}
}

func TestInactive(t *testing.T) {
	ctx := context.Background()
	doc := parse(t, `<img src="https://x/a.jpg" width="200" height="200"><div style="background: url(https://x/bg.jpg)"></div>`)
	b := &capture{}
	e := start(t, Config{Document: doc, Broadcaster: b, Active: false})

	e.ScanNow(ctx)
	settle(t, e)

	got := snapshot(t, e, doc.Images()[0], "src", dom.AttrState, dom.AttrExclusion)
	if got["src"] != "https://x/a.jpg" || got[dom.AttrState] != "excluded" || !hasReason(got[dom.AttrExclusion], ReasonDisabled) {
		t.Fatalf("image = %v", got)
	}
	div := doc.ByTag("div")[0]
	got = snapshot(t, e, div, dom.AttrStyle)
	if got[dom.AttrStyle] != "excluded" {
		t.Fatalf("div = %v", got)
	}
	if b.count() != 0 {
		t.Fatalf("sent %d requests", b.count())
	}
}

func TestExternalResetIsReprocessed(t *testing.T) {
	ctx := context.Background()
	doc := parse(t, `<img src="https://x/a.jpg" width="200" height="200">`)
	img := doc.Images()[0]
	b := &capture{}
	e := start(t, Config{Document: doc, Broadcaster: b, Active: true})

	e.ScanNow(ctx)
	req := b.wait(t, 1)[0]
	e.Deliver(wire.Result{Msg: wire.MsgSetSrc, ID: req.ID, CensorURL: "https://cdn/a.jpg"})
	settle(t, e)

	// Rescanning a censored element does nothing.
	e.ScanNow(ctx)
	settle(t, e)
	if b.count() != 1 {
		t.Fatalf("censored element re-requested")
	}

	// Page script puts the original back: served from cache, same id.
	e.Do(ctx, func() { img.SetAttr("src", "https://x/a.jpg") })
	e.ScanNow(ctx)
	settle(t, e)
	got := snapshot(t, e, img, "src", dom.AttrID)
	if got["src"] != "https://cdn/a.jpg" || got[dom.AttrID] != req.ID {
		t.Fatalf("after reset = %v", got)
	}
	if b.count() != 1 {
		t.Fatalf("sent %d requests, want cache hit", b.count())
	}
}

func TestResultForRemovedElement(t *testing.T) {
	ctx := context.Background()
	doc := parse(t, `<img src="https://x/a.jpg" width="200" height="200">`)
	img := doc.Images()[0].(*memdom.Element)
	c := &capture{}
	e := start(t, Config{Document: doc, Dialer: c, Active: true})

	e.ScanNow(ctx)
	req := c.wait(t, 1)[0]
	e.Do(ctx, func() { img.Node().Parent.RemoveChild(img.Node()) })

	e.Deliver(wire.Result{Msg: wire.MsgSetSrc, ID: req.ID, CensorURL: "https://cdn/a.jpg"})
	settle(t, e)

	if e.Stats().Dropped != 1 || e.Stats().Applied != 0 {
		t.Fatalf("stats = %+v", e.Stats())
	}
	if _, ok := e.Tracker().Lookup("https://x/a.jpg"); ok {
		t.Fatal("dropped result was cached")
	}
	c.mu.Lock()
	closed := c.closed[req.ID]
	c.mu.Unlock()
	if !closed {
		t.Fatal("dedicated channel not released")
	}
}

func TestWorkerErrorStillApplied(t *testing.T) {
	ctx := context.Background()
	doc := parse(t, `<img src="https://x/a.jpg" width="200" height="200">`)
	b := &capture{}
	e := start(t, Config{Document: doc, Broadcaster: b, Active: true})

	e.ScanNow(ctx)
	req := b.wait(t, 1)[0]
	e.Deliver(wire.Result{Msg: wire.MsgSetSrc, ID: req.ID, CensorURL: "https://cdn/degraded.jpg", Error: "model timeout"})
	settle(t, e)

	got := snapshot(t, e, doc.Images()[0], "src", dom.AttrState)
	if got["src"] != "https://cdn/degraded.jpg" || got[dom.AttrState] != "censored" {
		t.Fatalf("image = %v", got)
	}
}

func TestBackgroundImage(t *testing.T) {
	ctx := context.Background()
	doc := parse(t, `<div id="hero" style="background: url('https://x/bg.jpg') no-repeat"></div><p>plain</p>`)
	div := doc.ByTag("div")[0]
	b := &capture{}
	e := start(t, Config{Document: doc, Broadcaster: b, Active: true})

	e.ScanNow(ctx)
	req := b.wait(t, 1)[0]
	if req.Priority != 1 || req.SrcURL != "https://x/bg.jpg" {
		t.Fatalf("request = %+v", req)
	}

	e.Deliver(wire.Result{Msg: wire.MsgSetSrc, ID: req.ID, CensorURL: "https://cdn/bg.jpg"})
	settle(t, e)

	var bg string
	e.Do(ctx, func() { bg = div.Style("background-image") })
	if bg != `url("https://cdn/bg.jpg")` {
		t.Fatalf("background-image = %q", bg)
	}
	got := snapshot(t, e, div, dom.AttrStyle, dom.AttrPlaceholder)
	if got[dom.AttrStyle] != "censored" || got[dom.AttrPlaceholder] != "<absent>" {
		t.Fatalf("div = %v", got)
	}

	p := doc.ByTag("p")[0]
	got = snapshot(t, e, p, dom.AttrStyle, dom.AttrExclusion)
	if got[dom.AttrStyle] != "excluded" || got[dom.AttrExclusion] != "unmatched_url" {
		t.Fatalf("p = %v", got)
	}
}

func TestVideoBlock(t *testing.T) {
	ctx := context.Background()
	doc := parse(t, `<video src="https://x/clip.mp4" autoplay></video>`)
	e := start(t, Config{
		Document:    doc,
		Active:      true,
		VideoMode:   VideoBlock,
		VideoPoster: "https://ext/poster.jpg",
		VideoSource: "https://ext/blocked.mp4",
	})

	e.ScanNow(ctx)
	e.ScanNow(ctx)

	var html string
	e.Do(ctx, func() {
		var sb strings.Builder
		doc.Render(&sb)
		html = sb.String()
	})
	if strings.Contains(html, "clip.mp4") {
		t.Fatalf("original video still present: %s", html)
	}
	if !strings.Contains(html, `poster="https://ext/poster.jpg"`) || !strings.Contains(html, `src="https://ext/blocked.mp4"`) {
		t.Fatalf("replacement missing: %s", html)
	}
	if n := e.Stats().Videos; n != 1 {
		t.Fatalf("Videos = %d, want 1", n)
	}
}

func TestBacklogRearmsTrigger(t *testing.T) {
	ctx := context.Background()
	doc := memdom.New()
	b := &capture{}
	e := start(t, Config{Document: doc, Broadcaster: b, Active: true})

	e.Do(ctx, func() {
		el := doc.Append("img", "src", "https://x/slow.jpg")
		el.SetLayout(dom.Layout{OffsetWidth: 200, OffsetHeight: 200, Width: 200, Height: 200})
	})
	e.ScanNow(ctx)

	var pending bool
	e.Do(ctx, func() { pending = e.deb.Pending() })
	if !pending {
		t.Fatal("unloaded image did not re-arm the trigger")
	}
	if b.count() != 0 {
		t.Fatal("unloaded image was dispatched")
	}
}

func TestHideDomains(t *testing.T) {
	doc := parse(t, `<img src="https://x/a.jpg" width="200" height="200">`, memdom.WithHost("example.com"))
	b := &capture{}
	e := start(t, Config{Document: doc, Broadcaster: b, Active: true})
	e.SetHideDomains(true)

	e.ScanNow(context.Background())
	if d := b.wait(t, 1)[0].Domain; d != wire.RedactedDomain {
		t.Fatalf("domain = %q", d)
	}
}

func TestNew_RequiresDocument(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestOnRequestSeesEveryID(t *testing.T) {
	doc := parse(t, `<img src="https://x/a.jpg" width="200" height="200"><img src="https://x/b.jpg" width="200" height="200">`)
	b := &capture{}
	var (
		mu  sync.Mutex
		ids []string
	)
	e := start(t, Config{Document: doc, Broadcaster: b, Active: true, OnRequest: func(id string) {
		mu.Lock()
		ids = append(ids, id)
		mu.Unlock()
	}})

	if err := e.ScanNow(context.Background()); err != nil {
		t.Fatal(err)
	}
	reqs := b.wait(t, 2)

	mu.Lock()
	defer mu.Unlock()
	if len(ids) != 2 {
		t.Fatalf("OnRequest saw %d ids, want 2", len(ids))
	}
	for _, r := range reqs {
		if !slices.Contains(ids, r.ID) {
			t.Errorf("request %s not reported", r.ID)
		}
	}
}

// claimCheck fails a broadcast whose id was not reported through OnRequest
// beforehand.
type claimCheck struct {
	capture
	mu      sync.Mutex
	claimed map[string]bool
	early   []string
}

func (c *claimCheck) claim(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimed == nil {
		c.claimed = make(map[string]bool)
	}
	c.claimed[id] = true
}

func (c *claimCheck) Broadcast(ctx context.Context, req wire.Request) error {
	c.mu.Lock()
	if !c.claimed[req.ID] {
		c.early = append(c.early, req.ID)
	}
	c.mu.Unlock()
	return c.capture.Broadcast(ctx, req)
}

func TestOnRequestPrecedesSend(t *testing.T) {
	doc := parse(t, `<img src="https://x/a.jpg" width="200" height="200"><div style="background: url(https://x/bg.jpg)"></div>`)
	b := &claimCheck{}
	var (
		mu   sync.Mutex
		done []string
	)
	e := start(t, Config{
		Document:      doc,
		Broadcaster:   b,
		Active:        true,
		OnRequest:     b.claim,
		OnRequestDone: func(id string) {
			mu.Lock()
			done = append(done, id)
			mu.Unlock()
		},
	})

	if err := e.ScanNow(context.Background()); err != nil {
		t.Fatal(err)
	}
	reqs := b.wait(t, 2)
	b.mu.Lock()
	early := b.early
	b.mu.Unlock()
	if len(early) != 0 {
		t.Fatalf("sent before OnRequest: %v", early)
	}

	for _, r := range reqs {
		e.Deliver(wire.Result{Msg: wire.MsgSetSrc, ID: r.ID, CensorURL: "https://cdn/c.jpg"})
	}
	settle(t, e)
	mu.Lock()
	defer mu.Unlock()
	if len(done) != 2 {
		t.Fatalf("OnRequestDone saw %v", done)
	}
}

func TestResultWithoutURLKeepsPlaceholder(t *testing.T) {
	doc := parse(t, `<img src="https://x/a.jpg" width="200" height="200">`)
	img := doc.ByTag("img")[0]
	b := &capture{}
	e := start(t, Config{Document: doc, Broadcaster: b, Active: true})

	e.ScanNow(context.Background())
	req := b.wait(t, 1)[0]
	e.Deliver(wire.Result{Msg: wire.MsgSetSrc, ID: req.ID, Error: "model unavailable"})
	settle(t, e)

	got := snapshot(t, e, img, "src", dom.AttrState, dom.AttrPlaceholder)
	if got["src"] != placeholder || got[dom.AttrState] != "censored" || got[dom.AttrPlaceholder] != "<absent>" {
		t.Fatalf("img = %v", got)
	}
	if st := e.Stats(); st.Failed != 1 || st.Dropped != 0 {
		t.Fatalf("stats = %+v", st)
	}

	// A later scan leaves the finished element alone.
	e.ScanNow(context.Background())
	settle(t, e)
	if n := b.count(); n != 1 {
		t.Fatalf("%d requests, want 1", n)
	}
}
