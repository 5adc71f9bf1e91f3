package engine

import (
	"github.com/hazyhaar/purifier/purifier/dom"
	"github.com/hazyhaar/purifier/purifier/internal/registry"
	"github.com/hazyhaar/purifier/purifier/wire"
)

// applyResult puts a worker result on its element. Results whose element
// left the document are dropped. The dedicated channel of the request is
// released either way.
func (e *Engine) applyResult(res wire.Result) {
	defer e.finish(res.ID)
	defer e.disp.Release(res.ID)
	delete(e.pending, res.ID)

	if res.Error != "" {
		e.logger.Warn("engine: worker error", "id", res.ID, "error", res.Error)
	}

	n, ok := e.doc.FindByAttr(dom.AttrID, res.ID)
	if !ok {
		e.dropped.Add(1)
		e.logger.Debug("engine: result target not found", "id", res.ID)
		return
	}
	if res.CensorURL == "" {
		e.failed.Add(1)
		e.logger.Warn("engine: result without url, keeping placeholder", "id", res.ID)
		e.keepAssigned(n)
		return
	}

	if registry.KindOf(n) == registry.KindImage {
		e.setImage(n, res.CensorURL)
	} else {
		e.setBackground(n, res.CensorURL)
	}
	e.track.Apply(e.ctx, res.ID, res.CensorURL)
	e.applied.Add(1)
	e.logger.Debug("engine: result applied", "id", res.ID)
}

func (e *Engine) setImage(n dom.Node, url string) {
	n.SetAttr("src", url)
	n.RemoveAttr("srcset")
	e.reg.Complete(n, registry.KindImage, url)
	dom.SetFlag(n, dom.AttrPlaceholder, false)
}

func (e *Engine) setBackground(n dom.Node, url string) {
	n.SetBackgroundImage(url)
	e.reg.Complete(n, registry.KindStyle, url)
	dom.SetFlag(n, dom.AttrPlaceholder, false)
}

// keepAssigned ends a request that came back without a result: whatever the
// engine last assigned (the placeholder) becomes the final source. The
// tracker learns nothing, so other elements with that URL are still sent.
func (e *Engine) keepAssigned(n dom.Node) {
	k := registry.KindOf(n)
	var assigned string
	if entry, ok := e.reg.Lookup(n); ok {
		assigned = entry.Slot(k).Assigned
	}
	e.reg.Complete(n, k, assigned)
	dom.SetFlag(n, dom.AttrPlaceholder, false)
}

// finish tells the embedder a request is over.
func (e *Engine) finish(id string) {
	if e.cfg.OnRequestDone != nil {
		e.cfg.OnRequestDone(id)
	}
}
