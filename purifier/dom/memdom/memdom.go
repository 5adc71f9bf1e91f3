// Package memdom is an in-memory dom.Document backed by golang.org/x/net/html.
//
// It has no layout engine. Parse lays images out in a single column using
// their width/height attributes, and tests position nodes explicitly with
// SetLayout and SetStyle. Mutations go straight into the parsed tree, so
// Render writes the censored document back out.
package memdom

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/purifier/purifier/dom"
)

const emptyBackground = "rgba(0, 0, 0, 0) none repeat scroll 0% 0% / auto padding-box border-box"

// Document is a parsed HTML document.
type Document struct {
	root     *html.Node
	body     *html.Node
	elems    map[*html.Node]*Element
	seq      int
	viewport dom.Viewport
	host     string
	preload  func(ctx context.Context, url string) error
	imgW     int
	imgH     int
}

// Option configures a Document.
type Option func(*Document)

// WithViewport sets the viewport size. Default: 1280x800.
func WithViewport(w, h float64) Option {
	return func(d *Document) { d.viewport = dom.Viewport{Width: w, Height: h} }
}

// WithHost sets the hostname reported to the engine.
func WithHost(host string) Option {
	return func(d *Document) { d.host = host }
}

// WithPreload sets the function used to load placeholder images. The
// default succeeds immediately.
func WithPreload(fn func(ctx context.Context, url string) error) Option {
	return func(d *Document) { d.preload = fn }
}

// WithDefaultImageSize sets the size Parse gives to images without width
// and height attributes. Default: 300x300.
func WithDefaultImageSize(w, h int) Option {
	return func(d *Document) { d.imgW, d.imgH = w, h }
}

// New returns an empty document with a body.
func New(opts ...Option) *Document {
	d, err := Parse(strings.NewReader("<html><head></head><body></body></html>"), opts...)
	if err != nil {
		// The literal above always parses.
		panic(fmt.Sprintf("memdom: parse empty document: %v", err))
	}
	return d
}

// Parse reads an HTML document.
func Parse(r io.Reader, opts ...Option) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("memdom: parse: %w", err)
	}
	d := &Document{
		root:     root,
		elems:    make(map[*html.Node]*Element),
		viewport: dom.Viewport{Width: 1280, Height: 800},
		imgW:     300,
		imgH:     300,
	}
	for _, o := range opts {
		o(d)
	}
	d.body = findBody(root)
	if d.body == nil {
		return nil, fmt.Errorf("memdom: document has no body")
	}
	d.layoutImages()
	return d, nil
}

// Append creates an element under body. attrs are name/value pairs.
func (d *Document) Append(tag string, attrs ...string) *Element {
	n := &html.Node{
		Type:     html.ElementNode,
		Data:     strings.ToLower(tag),
		DataAtom: atom.Lookup([]byte(strings.ToLower(tag))),
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: attrs[i], Val: attrs[i+1]})
	}
	d.body.AppendChild(n)
	return d.wrap(n)
}

// Element returns the handle of a node inside this document.
func (d *Document) Element(n *html.Node) *Element { return d.wrap(n) }

// Render serialises the document.
func (d *Document) Render(w io.Writer) error {
	return html.Render(w, d.root)
}

func (d *Document) Images() []dom.Node { return d.ByTag("img") }

func (d *Document) Elements() []dom.Node {
	var out []dom.Node
	d.walk(func(n *html.Node) {
		out = append(out, d.wrap(n))
	})
	return out
}

func (d *Document) ByTag(tags ...string) []dom.Node {
	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[strings.ToLower(t)] = true
	}
	var out []dom.Node
	d.walk(func(n *html.Node) {
		if want[n.Data] {
			out = append(out, d.wrap(n))
		}
	})
	return out
}

func (d *Document) FindByAttr(name, value string) (dom.Node, bool) {
	var found *html.Node
	d.walk(func(n *html.Node) {
		if found != nil {
			return
		}
		if v, ok := attr(n, name); ok && v == value {
			found = n
		}
	})
	if found == nil {
		return nil, false
	}
	return d.wrap(found), true
}

func (d *Document) Viewport() dom.Viewport { return d.viewport }

func (d *Document) Preload(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.preload == nil {
		return nil
	}
	return d.preload(ctx, url)
}

func (d *Document) Hostname() string { return d.host }

func (d *Document) wrap(n *html.Node) *Element {
	if e, ok := d.elems[n]; ok {
		return e
	}
	d.seq++
	e := &Element{doc: d, node: n, key: "n" + strconv.Itoa(d.seq), styles: make(map[string]string)}
	d.elems[n] = e
	return e
}

// walk visits every element strictly under body in document order.
func (d *Document) walk(fn func(*html.Node)) {
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode {
				fn(c)
			}
			rec(c)
		}
	}
	rec(d.body)
}

// layoutImages stacks images in a single column from the top of the page.
func (d *Document) layoutImages() {
	y := 0.0
	d.walk(func(n *html.Node) {
		if n.Data != "img" {
			return
		}
		w := atoiAttr(n, "width", d.imgW)
		h := atoiAttr(n, "height", d.imgH)
		e := d.wrap(n)
		e.layout = dom.Layout{
			OffsetWidth:  float64(w),
			OffsetHeight: float64(h),
			Rect:         dom.Rect{Left: 0, Top: y, Width: float64(w), Height: float64(h)},
			ClientWidth:  w,
			Width:        w,
			Height:       h,
			NaturalWidth: w,
			Complete:     true,
		}
		y += float64(h)
	})
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "body" {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}

func attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func atoiAttr(n *html.Node, name string, def int) int {
	v, ok := attr(n, name)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(v), "px"))
	if err != nil || i < 0 {
		return def
	}
	return i
}
