package engine

import (
	"html"
	"strings"
	"time"

	"github.com/hazyhaar/purifier/purifier/dom"
	"github.com/hazyhaar/purifier/purifier/internal/discovery"
	"github.com/hazyhaar/purifier/purifier/internal/registry"
	"github.com/hazyhaar/purifier/purifier/internal/urlnorm"
)

// scan processes images, then videos, then backgrounds. Images that are not
// loaded yet (or arrive while the engine is not ready) leave a backlog that
// re-arms the debouncer.
func (e *Engine) scan() {
	start := time.Now()
	e.scans.Add(1)
	e.lastScan.Store(start.UnixNano())
	domain := e.domain()

	backlog := false
	images := e.finder.Images(e.doc, discovery.Options{GIFsAsVideos: e.cfg.GIFsAsVideos})
	for _, c := range images {
		if !e.censorImage(c, domain) {
			backlog = true
		}
	}

	// Videos go before backgrounds: a replaced video hydrates as censored
	// and the background pass then leaves it alone.
	var videos int
	if e.cfg.Active && e.cfg.VideoMode == VideoBlock {
		for _, v := range e.finder.Videos(e.doc, VideoTags...) {
			e.disableVideo(v)
			videos++
		}
	}

	styles := e.finder.Backgrounds(e.doc)
	for _, c := range styles {
		e.censorStyle(c, domain)
	}

	if backlog {
		e.deb.Signal()
	}
	e.logger.Debug("engine: scan",
		"images", len(images), "backgrounds", len(styles), "videos", videos,
		"backlog", backlog, "duration_ms", time.Since(start).Milliseconds())
}

// censorImage handles one eligible image. It returns false when the image
// must wait for a later scan.
func (e *Engine) censorImage(c discovery.Candidate, domain string) bool {
	n := c.Node
	l := n.Layout()
	if !l.Complete || l.NaturalWidth <= 0 || !e.ready {
		return false
	}

	raw := c.URL
	if src, ok := e.reg.Source(n); ok {
		raw = src
	}
	url := e.norm.Normalize(raw)

	if l.Width*l.Height <= e.cfg.MinArea || l.Width <= e.cfg.MinSide || l.Height <= e.cfg.MinSide || urlnorm.IsSVG(url) {
		e.exclude(n, registry.KindImage, ReasonSizeFormat)
		return true
	}

	e.reg.Ensure(n)
	e.reg.SetSource(n, url)
	if l.ClientWidth > 0 {
		n.SetWidth(l.ClientWidth)
	}

	if !e.cfg.Active {
		e.exclude(n, registry.KindImage, ReasonDisabled)
		return true
	}

	if result, ok := e.track.Lookup(url); ok {
		e.logger.Debug("engine: cache hit", "url", url)
		e.cacheHits.Add(1)
		e.setImage(n, result)
		return true
	}

	e.dispatch(n, registry.KindImage, url, c.Priority, domain)
	return true
}

// censorStyle handles one element with a background image.
func (e *Engine) censorStyle(c discovery.StyleCandidate, domain string) {
	n := c.Node
	url := e.norm.Normalize(c.URL)
	if !urlnorm.IsValidURL(url) {
		e.exclude(n, registry.KindStyle, ReasonInvalidURL)
		return
	}
	if urlnorm.IsSVG(url) {
		e.exclude(n, registry.KindStyle, ReasonSizeFormat)
		return
	}
	if !e.cfg.Active {
		e.exclude(n, registry.KindStyle, ReasonDisabled)
		return
	}

	e.reg.Ensure(n)
	e.reg.SetSource(n, url)
	if result, ok := e.track.Lookup(url); ok {
		e.logger.Debug("engine: cache hit", "url", url)
		e.cacheHits.Add(1)
		e.setBackground(n, result)
		return
	}
	e.dispatch(n, registry.KindStyle, url, 1, domain)
}

// dispatch registers the request before handing it over: a background
// request is sent at once and its reply may race back.
func (e *Engine) dispatch(n dom.Node, k registry.Kind, url string, priority int, domain string) {
	e.requests.Add(1)
	id := e.reg.Ensure(n).ID
	e.pending[id] = struct{}{}
	if e.cfg.OnRequest != nil {
		e.cfg.OnRequest(id)
	}
	e.disp.Dispatch(e.ctx, e.doc, n, k, url, priority, domain)
}

// disableVideo swaps a video for the blocked-video placeholder. The
// replacement carries the element's id and a censored style state, so it is
// recognised as done on the next scan.
func (e *Engine) disableVideo(n dom.Node) {
	entry := e.reg.Ensure(n)
	e.reg.Complete(n, registry.KindStyle, "")
	e.videos.Add(1)

	var b strings.Builder
	b.WriteString(`<video ` + dom.AttrID + `="` + html.EscapeString(entry.ID) + `" ` + dom.AttrStyle + `="censored"`)
	if e.cfg.VideoPoster != "" {
		b.WriteString(` poster="` + html.EscapeString(e.cfg.VideoPoster) + `"`)
	}
	b.WriteString(`>`)
	if e.cfg.VideoSource != "" {
		b.WriteString(`<source type="video/mp4" src="` + html.EscapeString(e.cfg.VideoSource) + `">`)
	}
	b.WriteString(`</video>`)
	n.ReplaceHTML(b.String())
}

func (e *Engine) exclude(n dom.Node, k registry.Kind, reason string) {
	e.excluded.Add(1)
	e.reg.Exclude(n, k, reason)
}
