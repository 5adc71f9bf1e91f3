package browser

import (
	"log/slog"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/purifier/purifier/dom"
)

// Element is a dom.Node over a rod element. Setters that fail (the node
// left the page) are logged and ignored.
type Element struct {
	el     *rod.Element
	key    string
	logger *slog.Logger
}

var _ dom.Node = (*Element)(nil)

func (e *Element) Key() string { return e.key }

func (e *Element) Tag() string { return e.str(`() => this.tagName`) }

func (e *Element) Attr(name string) (string, bool) {
	v, err := e.el.Attribute(name)
	if err != nil || v == nil {
		return "", false
	}
	return *v, true
}

func (e *Element) SetAttr(name, value string) {
	e.exec(`(n, v) => this.setAttribute(n, v)`, name, value)
}

func (e *Element) RemoveAttr(name string) {
	e.exec(`(n) => this.removeAttribute(n)`, name)
}

func (e *Element) Style(prop string) string {
	return e.str(`(p) => getComputedStyle(this).getPropertyValue(p)`, prop)
}

func (e *Element) Layout() dom.Layout {
	res, err := e.el.Eval(layoutJS)
	if err != nil {
		e.logger.Debug("browser: layout", "key", e.key, "error", err)
		return dom.Layout{}
	}
	l, err := decodeLayout(res.Value)
	if err != nil {
		e.logger.Debug("browser: layout", "key", e.key, "error", err)
	}
	return l
}

func (e *Element) Src() string { return e.str(`() => this.src || ''`) }

func (e *Element) CurrentSrc() string { return e.str(`() => this.currentSrc || this.src || ''`) }

func (e *Element) SetWidth(px int) {
	e.exec(`(w) => { this.width = w }`, px)
}

func (e *Element) SetBackgroundImage(url string) {
	e.exec(`(u) => { this.style.backgroundImage = 'url(' + JSON.stringify(u) + ')' }`, url)
}

func (e *Element) ReplaceHTML(html string) {
	e.exec(`(h) => { this.outerHTML = h }`, html)
}

func (e *Element) str(js string, params ...any) string {
	res, err := e.el.Eval(js, params...)
	if err != nil {
		e.logger.Debug("browser: eval", "key", e.key, "error", err)
		return ""
	}
	return res.Value.Str()
}

func (e *Element) exec(js string, params ...any) {
	if _, err := e.el.Eval(js, params...); err != nil {
		e.logger.Debug("browser: eval", "key", e.key, "error", err)
	}
}
