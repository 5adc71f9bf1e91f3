// Package dom defines the document contract the purifier engine works
// against. The engine never touches a browser directly: it reads layout and
// attributes through Node and mutates the page through the same handle.
//
// Two implementations ship with the module: memdom (parsed HTML, used by the
// static mode and by tests) and the go-rod backed document in
// internal/browser.
package dom

import "context"

// Persisted element attributes. They are the on-page projection of the
// engine's registry and let external tooling see what happened to a node.
const (
	AttrID          = "censor-id"
	AttrSrc         = "censor-src"
	AttrState       = "censor-state"
	AttrStyle       = "censor-style"
	AttrExclusion   = "censor-exclusion"
	AttrPlaceholder = "censor-placeholder"
)

// Rect is a bounding client rectangle in CSS pixels, relative to the viewport.
type Rect struct {
	Left   float64
	Top    float64
	Width  float64
	Height float64
}

// Layout is the rendered geometry of a node at the time it was read.
type Layout struct {
	OffsetWidth  float64
	OffsetHeight float64
	Rect         Rect
	ClientWidth  int

	// Image-only fields. Width/Height are the rendered img.width/img.height.
	Width        int
	Height       int
	NaturalWidth int
	Complete     bool
}

// Viewport is the visible document area.
type Viewport struct {
	Width  float64
	Height float64
}

// Node is an opaque handle to an element. Setters are best effort: a node
// that went away between discovery and mutation is silently ignored by the
// implementation.
type Node interface {
	// Key identifies the underlying DOM node for the lifetime of the document.
	Key() string
	// Tag is the upper-case tag name ("IMG", "DIV", ...).
	Tag() string

	Attr(name string) (string, bool)
	SetAttr(name, value string)
	RemoveAttr(name string)

	// Style returns the computed value of a CSS property.
	Style(prop string) string
	Layout() Layout

	// Src is the resolved src property, CurrentSrc the source the browser
	// picked from srcset.
	Src() string
	CurrentSrc() string

	SetWidth(px int)
	SetBackgroundImage(url string)
	// ReplaceHTML replaces the node's outer HTML.
	ReplaceHTML(html string)
}

// Document is the live page.
type Document interface {
	Images() []Node
	// Elements returns every element under body in document order.
	Elements() []Node
	ByTag(tags ...string) []Node
	// FindByAttr returns the first element whose attribute equals value.
	FindByAttr(name, value string) (Node, bool)
	Viewport() Viewport
	// Preload loads an image URL out of band and returns once it decoded.
	Preload(ctx context.Context, url string) error
	Hostname() string
}

// SetFlag toggles a boolean attribute.
func SetFlag(n Node, name string, on bool) {
	if on {
		n.SetAttr(name, "")
		return
	}
	n.RemoveAttr(name)
}
