// Package discovery walks a document and produces the per-scan work lists:
// images in priority order, background-styled elements, and videos.
package discovery

import (
	"cmp"
	"log/slog"
	"math"
	"regexp"
	"slices"

	"github.com/hazyhaar/purifier/purifier/dom"
	"github.com/hazyhaar/purifier/purifier/internal/geometry"
	"github.com/hazyhaar/purifier/purifier/internal/registry"
	"github.com/hazyhaar/purifier/purifier/internal/urlnorm"
)

// ReasonUnmatchedURL marks elements whose background has no url() token.
const ReasonUnmatchedURL = "unmatched_url"

// Options tune image discovery.
type Options struct {
	// GIFsAsVideos skips animated images; they are handled with videos.
	GIFsAsVideos bool
}

// Candidate is an eligible image. Priority is higher for elements that
// should be censored first and is only comparable within one scan.
type Candidate struct {
	Node     dom.Node
	URL      string
	Priority int
	Visible  bool
	Center   geometry.Point
}

// StyleCandidate is an eligible element with a background image.
type StyleCandidate struct {
	Node dom.Node
	URL  string
}

// Finder runs discovery against a registry.
type Finder struct {
	reg    *registry.Registry
	logger *slog.Logger
}

// New creates a Finder. A nil logger defaults to slog.Default().
func New(reg *registry.Registry, logger *slog.Logger) *Finder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finder{reg: reg, logger: logger}
}

// Images returns the eligible images of doc: visible ones in document order,
// then the others nearest-to-view first.
func (f *Finder) Images(doc dom.Document, opts Options) []Candidate {
	vp := doc.Viewport()
	var visible, hidden []Candidate

	for _, n := range doc.Images() {
		FlattenSrcset(n)
		src := n.Src()
		if !urlnorm.IsValidURL(src) {
			continue
		}
		if opts.GIFsAsVideos && urlnorm.IsGIF(src) {
			continue
		}
		if !f.reg.IsUnsafe(n, registry.KindImage) {
			continue
		}
		st := geometry.Evaluate(n, vp)
		c := Candidate{Node: n, URL: src, Visible: st.Visible, Center: st.Center}
		if st.Visible {
			visible = append(visible, c)
		} else {
			hidden = append(hidden, c)
		}
	}

	slices.SortStableFunc(hidden, func(a, b Candidate) int {
		if c := cmp.Compare(math.Abs(a.Center.Y), math.Abs(b.Center.Y)); c != 0 {
			return c
		}
		return cmp.Compare(a.Center.X, b.Center.X)
	})

	out := append(visible, hidden...)
	for i := range out {
		out[i].Priority = len(out) - i
	}
	f.logger.Debug("discovery: images", "visible", len(visible), "hidden", len(hidden))
	return out
}

// Backgrounds returns the eligible elements whose computed background
// carries a url() token. Elements with a background but no url are excluded
// for good.
func (f *Finder) Backgrounds(doc dom.Document) []StyleCandidate {
	var out []StyleCandidate
	for _, n := range doc.Elements() {
		if !f.reg.IsUnsafe(n, registry.KindStyle) {
			continue
		}
		bg := n.Style("background")
		if bg == "" {
			continue
		}
		u, ok := ExtractURL(bg)
		if !ok {
			f.reg.Exclude(n, registry.KindStyle, ReasonUnmatchedURL)
			continue
		}
		out = append(out, StyleCandidate{Node: n, URL: u})
	}
	return out
}

// Videos returns every element with one of the given tags that has not been
// replaced yet. No visibility filter applies: blocked videos are disabled
// wherever they are, even when an earlier background pass excluded them.
func (f *Finder) Videos(doc dom.Document, tags ...string) []dom.Node {
	var out []dom.Node
	for _, n := range doc.ByTag(tags...) {
		if f.reg.State(n, registry.KindStyle) != registry.Censored {
			out = append(out, n)
		}
	}
	return out
}

// FlattenSrcset collapses a responsive image to the source the browser
// picked. The srcset is dropped so later scans see a single URL.
func FlattenSrcset(n dom.Node) {
	if n.Tag() != "IMG" {
		return
	}
	if set, ok := n.Attr("srcset"); !ok || set == "" {
		return
	}
	cur := n.CurrentSrc()
	if cur == "" || !urlnorm.IsValidURL(cur) {
		return
	}
	n.RemoveAttr("srcset")
	n.SetAttr("src", cur)
}

var urlRe = regexp.MustCompile(`(?i)[:,\s]\s*url\s*\(\s*(?:'(\S*?)'|"(\S*?)"|((?:\\\s|\\\)|\\"|\\'|\S)*?))\s*\)`)

// ExtractURL returns the first url(...) in a CSS background value. Single
// quoted, double quoted and unquoted (with escapes) forms are recognised.
func ExtractURL(background string) (string, bool) {
	m := urlRe.FindStringSubmatch(" " + background)
	if m == nil {
		return "", false
	}
	for _, g := range m[1:] {
		if g != "" {
			return g, true
		}
	}
	return "", false
}
