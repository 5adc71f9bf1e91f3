package purifier

import (
	"log/slog"
	"sync"

	"github.com/hazyhaar/purifier/purifier/wire"
)

// deliverer is the part of an engine the router needs.
type deliverer interface {
	Deliver(res wire.Result)
}

// router hands replies that arrive on shared listeners (websocket,
// callback server, local broadcast) to the engine that sent the request.
type router struct {
	mu     sync.Mutex
	owners map[string]deliverer
	logger *slog.Logger
}

func newRouter(logger *slog.Logger) *router {
	return &router{owners: make(map[string]deliverer), logger: logger}
}

// claim records that id was sent by d.
func (r *router) claim(id string, d deliverer) {
	r.mu.Lock()
	r.owners[id] = d
	r.mu.Unlock()
}

// release drops id once its result was handled, whichever path it took.
func (r *router) release(id string) {
	r.mu.Lock()
	delete(r.owners, id)
	r.mu.Unlock()
}

// forget drops every id owned by d.
func (r *router) forget(d deliverer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, owner := range r.owners {
		if owner == d {
			delete(r.owners, id)
		}
	}
}

// deliver routes res to its owner. A result is delivered at most once.
func (r *router) deliver(res wire.Result) {
	r.mu.Lock()
	d, ok := r.owners[res.ID]
	delete(r.owners, res.ID)
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("purifier: result for unknown request", "id", res.ID)
		return
	}
	d.Deliver(res)
}

func (r *router) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.owners)
}
