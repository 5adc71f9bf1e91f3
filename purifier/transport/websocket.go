package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/hazyhaar/purifier/purifier/wire"
)

// WebSocket is a long-lived channel shared by every request. Replies are
// routed by id to a single handler, the engine's global listener.
//
// A connection lost by the read loop is redialled by the next Post. Put a
// recovering breaker in front (Guard) to space those attempts out; with a
// latch the channel is never tried again.
type WebSocket struct {
	url      string
	onResult ResultHandler
	logger   *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
	broken bool  // read loop ended
	err    error // why it ended
	closed bool  // Close was called
}

// DialWebSocket connects to url and starts reading results.
func DialWebSocket(ctx context.Context, url string, onResult ResultHandler, logger *slog.Logger) (*WebSocket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ws := &WebSocket{url: url, onResult: onResult, logger: logger}
	if err := ws.connect(ctx); err != nil {
		return nil, err
	}
	return ws, nil
}

// connect dials and starts a read loop. Callers hold mu once ws is shared.
func (ws *WebSocket) connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, ws.url, nil)
	if err != nil {
		return fmt.Errorf("transport/ws: dial %s: %w", ws.url, err)
	}
	conn.SetReadLimit(maxResultBody)

	readCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ws.conn, ws.cancel, ws.done = conn, cancel, done
	ws.broken, ws.err = false, nil
	go ws.readLoop(readCtx, conn, done)
	return nil
}

func (ws *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.fail(conn, err)
			return
		}
		res, err := wire.DecodeResult(data)
		if err != nil {
			ws.logger.Debug("transport/ws: skip message", "error", err)
			continue
		}
		if ws.onResult != nil {
			ws.onResult(res)
		}
	}
}

func (ws *WebSocket) fail(conn *websocket.Conn, err error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed || ws.conn != conn {
		return
	}
	ws.broken = true
	ws.err = err
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
		ws.logger.Warn("transport/ws: connection lost", "error", err)
	}
}

// Post writes req as a JSON text message, redialling first if the
// connection was lost.
func (ws *WebSocket) Post(ctx context.Context, req wire.Request) error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return ErrClosed
	}
	if ws.broken {
		cause := ws.err
		ws.cancel()
		if err := ws.connect(ctx); err != nil {
			ws.mu.Unlock()
			return fmt.Errorf("%w: %v: %v", ErrClosed, cause, err)
		}
		ws.logger.Info("transport/ws: reconnected", "url", ws.url)
	}
	conn := ws.conn
	ws.mu.Unlock()

	if err := wsjson.Write(ctx, conn, req); err != nil {
		return fmt.Errorf("transport/ws: write: %w", err)
	}
	return nil
}

// Close closes the connection and waits for the read loop to exit.
func (ws *WebSocket) Close() error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return nil
	}
	ws.closed = true
	conn, cancel, done, broken := ws.conn, ws.cancel, ws.done, ws.broken
	ws.mu.Unlock()

	err := conn.Close(websocket.StatusNormalClosure, "")
	cancel()
	<-done
	if broken {
		return nil
	}
	return err
}
