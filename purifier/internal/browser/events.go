package browser

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

const bindingName = "__purifierSignal"

// signalJS reports image loads and inserted subtrees to the binding. The
// load listener runs in the capture phase since load does not bubble.
const signalJS = `() => {
	if (window.__purifierWatching) return;
	window.__purifierWatching = true;
	const signal = (why) => { try { window.` + bindingName + `(why); } catch (e) {} };
	document.addEventListener('load', (e) => {
		if (e.target && e.target.tagName === 'IMG') signal('load');
	}, true);
	new MutationObserver((records) => {
		for (const r of records) {
			if (r.addedNodes.length > 0 || r.type === 'attributes') { signal('mutation'); return; }
		}
	}).observe(document.documentElement, {
		childList: true, subtree: true,
		attributes: true, attributeFilter: ['src', 'srcset', 'style'],
	});
}`

// WatchLoads calls run whenever the page loads an image, inserts nodes or
// rewrites an image source, and after every navigation. It returns once the
// listeners are installed; they stop with ctx.
func WatchLoads(ctx context.Context, page *rod.Page, run func(), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		logger.Warn("browser: addBinding failed (may already exist)", "error", err)
	}
	if _, err := page.EvalOnNewDocument(`(` + signalJS + `)()`); err != nil {
		return fmt.Errorf("browser: install watcher: %w", err)
	}
	if _, err := page.Eval(signalJS); err != nil {
		return fmt.Errorf("browser: install watcher: %w", err)
	}

	wait := page.Context(ctx).EachEvent(
		func(e *proto.RuntimeBindingCalled) {
			if e.Name != bindingName {
				return
			}
			run()
		},
		func(e *proto.PageLoadEventFired) {
			logger.Debug("browser: load event")
			run()
		},
	)
	go wait()
	return nil
}
