package memdom

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/purifier/purifier/dom"
)

// Element wraps an html.Node with the layout and computed style a browser
// would provide.
type Element struct {
	doc        *Document
	node       *html.Node
	key        string
	layout     dom.Layout
	styles     map[string]string
	currentSrc string
}

var _ dom.Node = (*Element)(nil)

// Node returns the underlying html node.
func (e *Element) Node() *html.Node { return e.node }

// SetLayout replaces the element's rendered geometry.
func (e *Element) SetLayout(l dom.Layout) { e.layout = l }

// SetStyle overrides a computed style property.
func (e *Element) SetStyle(prop, value string) { e.styles[prop] = value }

// SetCurrentSrc sets the source the "browser" resolved from srcset.
func (e *Element) SetCurrentSrc(url string) { e.currentSrc = url }

// Detached reports whether the element was removed from the tree.
func (e *Element) Detached() bool { return e.node.Parent == nil }

func (e *Element) Key() string { return e.key }

func (e *Element) Tag() string { return strings.ToUpper(e.node.Data) }

func (e *Element) Attr(name string) (string, bool) { return attr(e.node, name) }

func (e *Element) SetAttr(name, value string) {
	for i, a := range e.node.Attr {
		if a.Namespace == "" && a.Key == name {
			e.node.Attr[i].Val = value
			return
		}
	}
	e.node.Attr = append(e.node.Attr, html.Attribute{Key: name, Val: value})
}

func (e *Element) RemoveAttr(name string) {
	kept := e.node.Attr[:0]
	for _, a := range e.node.Attr {
		if a.Namespace == "" && a.Key == name {
			continue
		}
		kept = append(kept, a)
	}
	e.node.Attr = kept
}

func (e *Element) Style(prop string) string {
	if v, ok := e.styles[prop]; ok {
		return v
	}
	inline := e.inlineStyle()
	switch prop {
	case "display":
		if v := inline.get("display"); v != "" {
			return v
		}
		if e.node.Data == "img" || e.node.Data == "span" || e.node.Data == "a" {
			return "inline"
		}
		return "block"
	case "visibility":
		if v := inline.get("visibility"); v != "" {
			return v
		}
		return "visible"
	case "background":
		if v := inline.get("background"); v != "" {
			return "rgba(0, 0, 0, 0) " + v + " repeat scroll 0% 0% / auto padding-box border-box"
		}
		if v := inline.get("background-image"); v != "" {
			return "rgba(0, 0, 0, 0) " + v + " repeat scroll 0% 0% / auto padding-box border-box"
		}
		return emptyBackground
	case "background-image":
		if v := inline.get("background-image"); v != "" {
			return v
		}
		return "none"
	}
	return inline.get(prop)
}

func (e *Element) Layout() dom.Layout { return e.layout }

func (e *Element) Src() string {
	v, _ := e.Attr("src")
	return v
}

func (e *Element) CurrentSrc() string {
	if e.currentSrc != "" {
		return e.currentSrc
	}
	return e.Src()
}

func (e *Element) SetWidth(px int) {
	e.layout.Width = px
	e.SetAttr("width", strconv.Itoa(px))
}

func (e *Element) SetBackgroundImage(url string) {
	st := e.inlineStyle()
	st.set("background-image", `url("`+url+`")`)
	delete(e.styles, "background-image")
	delete(e.styles, "background")
	e.SetAttr("style", st.String())
}

// ReplaceHTML parses h in the context of the parent and swaps it in.
func (e *Element) ReplaceHTML(h string) {
	parent := e.node.Parent
	if parent == nil {
		return
	}
	nodes, err := html.ParseFragment(strings.NewReader(h), parent)
	if err != nil {
		return
	}
	for _, n := range nodes {
		parent.InsertBefore(n, e.node)
		if n.Type == html.ElementNode {
			e.doc.wrap(n)
		}
	}
	parent.RemoveChild(e.node)
}

// declarations is an ordered inline style.
type declarations [][2]string

func (e *Element) inlineStyle() declarations {
	raw, _ := e.Attr("style")
	var out declarations
	for _, part := range splitDeclarations(raw) {
		name, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name == "" {
			continue
		}
		out = append(out, [2]string{name, value})
	}
	return out
}

// splitDeclarations splits on semicolons outside quotes and parentheses, so
// data URLs inside url(...) survive.
func splitDeclarations(s string) []string {
	var (
		out   []string
		depth int
		quote rune
		start int
	)
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '(':
			depth++
		case r == ')':
			if depth > 0 {
				depth--
			}
		case r == ';' && depth == 0:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func (d declarations) get(name string) string {
	for i := len(d) - 1; i >= 0; i-- {
		if d[i][0] == name {
			return d[i][1]
		}
	}
	return ""
}

func (d *declarations) set(name, value string) {
	for i := range *d {
		if (*d)[i][0] == name {
			(*d)[i][1] = value
			return
		}
	}
	*d = append(*d, [2]string{name, value})
}

func (d declarations) String() string {
	parts := make([]string, 0, len(d))
	for _, kv := range d {
		parts = append(parts, kv[0]+": "+kv[1])
	}
	return strings.Join(parts, "; ")
}
