package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/ysmood/gson"

	"github.com/hazyhaar/purifier/purifier/dom"
)

// Document is a dom.Document over a rod page. Element handles are cached
// by the key stamped on the underlying DOM node, so the same node always
// maps to the same Element.
type Document struct {
	page   *rod.Page
	logger *slog.Logger

	mu    sync.Mutex
	elems map[string]*Element
}

var _ dom.Document = (*Document)(nil)

// NewDocument wraps page.
func NewDocument(page *rod.Page, logger *slog.Logger) *Document {
	if logger == nil {
		logger = slog.Default()
	}
	return &Document{page: page, logger: logger, elems: make(map[string]*Element)}
}

func (d *Document) Images() []dom.Node { return d.query("img") }

func (d *Document) Elements() []dom.Node {
	els, err := d.page.ElementsByJS(rod.Eval(`() => document.body ? Array.from(document.body.querySelectorAll('*')) : []`))
	if err != nil {
		d.logger.Debug("browser: list elements", "error", err)
		return nil
	}
	return d.wrapAll(els)
}

func (d *Document) ByTag(tags ...string) []dom.Node {
	if len(tags) == 0 {
		return nil
	}
	return d.query(strings.Join(tags, ","))
}

func (d *Document) FindByAttr(name, value string) (dom.Node, bool) {
	els, err := d.page.ElementsByJS(rod.Eval(`(n, v) => {
		for (const el of document.querySelectorAll('[' + n + ']')) {
			if (el.getAttribute(n) === v) return [el];
		}
		return [];
	}`, name, value))
	if err != nil || len(els) == 0 {
		return nil, false
	}
	n := d.wrap(els[0])
	return n, n != nil
}

func (d *Document) Viewport() dom.Viewport {
	res, err := d.page.Eval(`() => ({width: window.innerWidth, height: window.innerHeight})`)
	if err != nil {
		d.logger.Debug("browser: viewport", "error", err)
		return dom.Viewport{}
	}
	return dom.Viewport{
		Width:  res.Value.Get("width").Num(),
		Height: res.Value.Get("height").Num(),
	}
}

// Preload loads url into an off-page image and waits for it to decode.
func (d *Document) Preload(ctx context.Context, url string) error {
	_, err := d.page.Context(ctx).Eval(`(u) => new Promise((resolve, reject) => {
		const img = new Image();
		img.onload = () => resolve(true);
		img.onerror = () => reject(new Error('preload failed: ' + u));
		img.src = u;
	})`, url)
	if err != nil {
		return fmt.Errorf("browser: preload: %w", err)
	}
	return nil
}

func (d *Document) Hostname() string {
	res, err := d.page.Eval(`() => location.hostname`)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}

func (d *Document) query(selector string) []dom.Node {
	els, err := d.page.Elements(selector)
	if err != nil {
		d.logger.Debug("browser: query", "selector", selector, "error", err)
		return nil
	}
	return d.wrapAll(els)
}

func (d *Document) wrapAll(els rod.Elements) []dom.Node {
	out := make([]dom.Node, 0, len(els))
	for _, el := range els {
		if n := d.wrap(el); n != nil {
			out = append(out, n)
		}
	}
	return out
}

// wrap stamps el with a stable key and returns its cached handle. The key
// lives on the JS object, so it survives attribute rewrites by the page.
func (d *Document) wrap(el *rod.Element) *Element {
	res, err := el.Eval(`() => {
		if (!this.__purifierKey) {
			window.__purifierSeq = (window.__purifierSeq || 0) + 1;
			this.__purifierKey = 'k' + window.__purifierSeq;
		}
		return this.__purifierKey;
	}`)
	if err != nil {
		d.logger.Debug("browser: stamp element", "error", err)
		return nil
	}
	key := res.Value.Str()

	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.elems[key]; ok {
		e.el = el
		return e
	}
	e := &Element{el: el, key: key, logger: d.logger}
	d.elems[key] = e
	return e
}

// layoutJS reads everything Layout needs in one round trip.
const layoutJS = `() => {
	const r = this.getBoundingClientRect();
	return {
		offsetWidth: this.offsetWidth || 0,
		offsetHeight: this.offsetHeight || 0,
		left: r.left, top: r.top, width: r.width, height: r.height,
		clientWidth: this.clientWidth || 0,
		imgWidth: this.width || 0,
		imgHeight: this.height || 0,
		naturalWidth: this.naturalWidth || 0,
		complete: this.complete === true,
	};
}`

type layoutValue struct {
	OffsetWidth  float64 `json:"offsetWidth"`
	OffsetHeight float64 `json:"offsetHeight"`
	Left         float64 `json:"left"`
	Top          float64 `json:"top"`
	Width        float64 `json:"width"`
	Height       float64 `json:"height"`
	ClientWidth  float64 `json:"clientWidth"`
	ImgWidth     float64 `json:"imgWidth"`
	ImgHeight    float64 `json:"imgHeight"`
	NaturalWidth float64 `json:"naturalWidth"`
	Complete     bool    `json:"complete"`
}

// decodeLayout converts the object returned by layoutJS.
func decodeLayout(v gson.JSON) (dom.Layout, error) {
	var lv layoutValue
	if err := v.Unmarshal(&lv); err != nil {
		return dom.Layout{}, fmt.Errorf("browser: decode layout: %w", err)
	}
	return dom.Layout{
		OffsetWidth:  lv.OffsetWidth,
		OffsetHeight: lv.OffsetHeight,
		Rect:         dom.Rect{Left: lv.Left, Top: lv.Top, Width: lv.Width, Height: lv.Height},
		ClientWidth:  int(lv.ClientWidth),
		Width:        int(lv.ImgWidth),
		Height:       int(lv.ImgHeight),
		NaturalWidth: int(lv.NaturalWidth),
		Complete:     lv.Complete,
	}, nil
}
