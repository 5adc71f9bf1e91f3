// Package callback receives worker replies to broadcast requests. Workers
// that got a request through the webhook POST their setSrc result here.
package callback

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/purifier/purifier/wire"
)

// TokenHeader carries the shared secret when Config.Token is set.
const TokenHeader = "X-Purifier-Token"

const maxBody = 10 << 20

// Config configures the callback server.
type Config struct {
	// Addr is the listen address, e.g. ":8091".
	Addr string
	// OnResult receives every decoded result.
	OnResult func(wire.Result)
	// Token, when set, must match the TokenHeader of every POST.
	Token  string
	Logger *slog.Logger
}

// Server is the callback HTTP server.
type Server struct {
	cfg    Config
	router chi.Router
	logger *slog.Logger
}

// New creates a Server. It does not listen until Serve is called.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(headToGet)
	r.Use(s.traceID)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/results", s.handleResult)
	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on Config.Addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("callback: listen: %w", err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("callback: listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("callback: serve: %w", err)
	}
	return nil
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Token != "" {
		got := r.Header.Get(TokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
			return
		}
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	res, err := wire.DecodeResult(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if res.ID == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing id"))
		return
	}

	if s.cfg.OnResult != nil {
		s.cfg.OnResult(res)
	}
	s.logger.Debug("callback: result received", "id", res.ID, "error", res.Error)
	w.WriteHeader(http.StatusAccepted)
}

// headToGet lets HEAD probes hit GET routes.
func headToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

// traceID tags each request with a random id, echoed in X-Trace-ID.
func (s *Server) traceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := make([]byte, 4)
		rand.Read(id)
		traceID := hex.EncodeToString(id)
		w.Header().Set("X-Trace-ID", traceID)
		s.logger.Debug("callback: request",
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
