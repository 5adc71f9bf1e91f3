// Package asset reads the bytes of an image so the censor request can carry
// them inline as a data URL. Failure is never fatal to the caller: the
// dispatcher falls back to sending the raw URL.
package asset

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"
)

// ErrTooLarge is returned when the asset exceeds Config.MaxBytes.
var ErrTooLarge = errors.New("asset: body exceeds size limit")

// ErrUnsupportedScheme is returned for URLs that cannot be fetched over HTTP.
var ErrUnsupportedScheme = errors.New("asset: unsupported scheme")

// Config configures the fetcher.
type Config struct {
	Timeout   time.Duration // HTTP timeout. Default: 15s.
	MaxBytes  int64         // Max body size. Default: 10MB.
	UserAgent string
	// URLValidator vets URLs (and redirects) before they are fetched.
	// Default: ValidateURL.
	URLValidator func(string) error
	Client       *http.Client
	Logger       *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (compatible; Purifier/1.0)"
	}
	if c.URLValidator == nil {
		c.URLValidator = ValidateURL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Fetcher downloads images and encodes them as data URLs.
type Fetcher struct {
	client *http.Client
	cfg    Config
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	client := cfg.Client
	if client == nil {
		validate := cfg.URLValidator
		client = &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		}
	}
	return &Fetcher{client: client, cfg: cfg}
}

// DataURL returns src as a data URL. Data URLs are returned unchanged.
func (f *Fetcher) DataURL(ctx context.Context, src string) (string, error) {
	lower := strings.ToLower(src)
	if strings.HasPrefix(lower, "data:") {
		return src, nil
	}
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, src)
	}
	if err := f.cfg.URLValidator(src); err != nil {
		return "", fmt.Errorf("asset: url blocked: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", fmt.Errorf("asset: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "image/avif,image/webp,image/*,*/*;q=0.8")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("asset: do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("asset: http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		return "", fmt.Errorf("asset: read body: %w", err)
	}
	if int64(len(body)) > f.cfg.MaxBytes {
		return "", ErrTooLarge
	}

	ct := mediaType(resp.Header.Get("Content-Type"), body)
	f.cfg.Logger.Debug("asset: fetched",
		"url", src, "size", len(body), "type", ct,
		"duration_ms", time.Since(start).Milliseconds())

	return "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(body), nil
}

// mediaType prefers the declared image type and sniffs otherwise.
func mediaType(header string, body []byte) string {
	if mt, _, err := mime.ParseMediaType(header); err == nil && strings.HasPrefix(mt, "image/") {
		return mt
	}
	return strings.SplitN(http.DetectContentType(body), ";", 2)[0]
}
