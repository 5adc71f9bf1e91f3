package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/purifier/purifier/wire"
)

// maxResultBody caps the worker's response (10 MiB).
const maxResultBody int64 = 10 << 20

// HTTPDialer opens one HTTP exchange per request id: the request is POSTed
// to the worker and a setSrc body in the response is handed to the conn's
// result handler. A 202 or 204 means the worker will answer elsewhere.
type HTTPDialer struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// HTTPOption configures an HTTPDialer.
type HTTPOption func(*HTTPDialer)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(d *HTTPDialer) { d.client = c }
}

// WithHTTPTimeout sets the round-trip timeout. Default: 60s.
func WithHTTPTimeout(t time.Duration) HTTPOption {
	return func(d *HTTPDialer) { d.client = &http.Client{Timeout: t} }
}

// WithHTTPLogger sets a custom logger.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(d *HTTPDialer) { d.logger = l }
}

// NewHTTPDialer creates a dialer targeting the worker endpoint url.
func NewHTTPDialer(url string, opts ...HTTPOption) *HTTPDialer {
	d := &HTTPDialer{
		url:    url,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *HTTPDialer) Dial(_ context.Context, id string, onResult ResultHandler) (Conn, error) {
	if d.url == "" {
		return nil, fmt.Errorf("transport/http: no endpoint")
	}
	return &httpConn{dialer: d, id: id, onResult: onResult}, nil
}

type httpConn struct {
	dialer   *HTTPDialer
	id       string
	onResult ResultHandler
}

func (c *httpConn) Post(ctx context.Context, req wire.Request) error {
	d := c.dialer
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("transport/http: marshal: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport/http: new request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(hreq)
	if err != nil {
		return fmt.Errorf("transport/http: do: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBody))
	if err != nil {
		return fmt.Errorf("transport/http: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("transport/http: status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	res, err := wire.DecodeResult(data)
	if err != nil {
		d.logger.Warn("transport/http: bad result", "id", c.id, "error", err)
		return nil
	}
	if c.onResult != nil {
		c.onResult(res)
	}
	return nil
}

func (c *httpConn) Close() error { return nil }
