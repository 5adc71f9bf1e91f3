package transport

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/purifier/purifier/wire"
)

// CensorFunc is an in-process worker: it receives the request's image (data
// URL or raw URL) and priority and returns the censored asset URL.
type CensorFunc func(ctx context.Context, imageURL string, priority int) (string, error)

// Fixed returns a CensorFunc that answers every request with url.
func Fixed(url string) CensorFunc {
	return func(context.Context, string, int) (string, error) { return url, nil }
}

// Local runs a CensorFunc in process. It is both a Dialer (results go to the
// per-request handler) and a Broadcaster (results go to the global handler
// given to NewLocal).
type Local struct {
	fn       CensorFunc
	onResult ResultHandler
	logger   *slog.Logger
}

// NewLocal creates a local worker. onResult receives broadcast results.
func NewLocal(fn CensorFunc, onResult ResultHandler, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{fn: fn, onResult: onResult, logger: logger}
}

func (l *Local) Dial(_ context.Context, id string, onResult ResultHandler) (Conn, error) {
	return &localConn{local: l, onResult: onResult}, nil
}

func (l *Local) Broadcast(ctx context.Context, req wire.Request) error {
	l.run(ctx, req, l.onResult)
	return nil
}

// run executes the worker. A worker error becomes a result with Error set
// and no CensorURL, as a remote worker would report it.
func (l *Local) run(ctx context.Context, req wire.Request, onResult ResultHandler) {
	res := wire.Result{Msg: wire.MsgSetSrc, ID: req.ID}
	url, err := l.fn(ctx, req.ImageURL, req.Priority)
	if err != nil {
		l.logger.Warn("transport/local: censor failed", "id", req.ID, "error", err)
		res.Error = err.Error()
	}
	res.CensorURL = url
	if onResult != nil {
		onResult(res)
	}
}

type localConn struct {
	local    *Local
	onResult ResultHandler
}

func (c *localConn) Post(ctx context.Context, req wire.Request) error {
	c.local.run(ctx, req, c.onResult)
	return nil
}

func (c *localConn) Close() error { return nil }
