package purifier

import (
	"context"
	"fmt"
	"io"

	"github.com/hazyhaar/purifier/purifier/dom/memdom"
)

// PurifyHTML censors a static HTML document and writes the result to w.
// host is reported to the worker as the page domain. It returns once every
// request was answered or ctx expired; on expiry the partially censored
// document is still written and the context error returned.
func (rt *Runtime) PurifyHTML(ctx context.Context, r io.Reader, w io.Writer, host string) (Stats, error) {
	doc, err := memdom.Parse(r, memdom.WithHost(host))
	if err != nil {
		return Stats{}, fmt.Errorf("purifier: %w", err)
	}

	e, err := rt.NewEngine(doc)
	if err != nil {
		return Stats{}, err
	}
	if err := e.Start(ctx); err != nil {
		return Stats{}, fmt.Errorf("purifier: %w", err)
	}
	defer rt.Release(e)
	defer e.Stop()

	if err := e.ScanNow(ctx); err != nil {
		return e.Stats(), fmt.Errorf("purifier: scan: %w", err)
	}
	settleErr := e.Settle(ctx)
	if settleErr != nil {
		rt.logger.Warn("purifier: requests still pending", "error", settleErr)
	}

	// The loop may be gone when ctx expired; the document is no longer
	// mutated then and can be rendered directly.
	var renderErr error
	if err := e.Do(context.WithoutCancel(ctx), func() { renderErr = doc.Render(w) }); err != nil {
		renderErr = doc.Render(w)
	}
	if renderErr != nil {
		return e.Stats(), fmt.Errorf("purifier: render: %w", renderErr)
	}
	return e.Stats(), settleErr
}
