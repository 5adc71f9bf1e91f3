// Command purifier censors the images of web pages.
//
// Usage:
//
//	purifier -config purifier.yaml                       # purify configured pages until interrupted
//	purifier -url https://example.com                     # purify one live page until interrupted
//	purifier -url https://example.com -out page.html      # purify, wait for results, save the DOM
//	purifier -html in.html -out out.html -host example.com # purify a static document
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/purifier/purifier"
)

type options struct {
	configPath string
	url        string
	htmlPath   string
	outPath    string
	host       string
	worker     string
	fixed      string
	active     bool
	activeSet  bool // -active given explicitly
	timeout    time.Duration
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to purifier.yaml config file")
	flag.StringVar(&o.url, "url", "", "purify a single live URL")
	flag.StringVar(&o.htmlPath, "html", "", "purify a static HTML file (- for stdin)")
	flag.StringVar(&o.outPath, "out", "", "write the purified document here (- for stdout)")
	flag.StringVar(&o.host, "host", "", "page domain reported to the worker in -html mode")
	flag.StringVar(&o.worker, "worker", "", "worker endpoint for dedicated requests (overrides worker.dial_url)")
	flag.StringVar(&o.fixed, "fixed", "", "answer every request in process with this URL (offline runs)")
	flag.BoolVar(&o.active, "active", true, "censor images (false only marks them)")
	flag.DurationVar(&o.timeout, "timeout", 2*time.Minute, "how long -out waits for pending results")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "active" {
			o.activeSet = true
		}
	})

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, o); err != nil {
		logger.Error("purifier: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, o options) error {
	if o.configPath == "" && o.url == "" && o.htmlPath == "" {
		fmt.Fprintln(os.Stderr, "usage: purifier -config <file> | -url <url> [-out <file>] | -html <file> -out <file>")
		os.Exit(2)
	}

	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}

	rt, err := purifier.NewRuntime(ctx, cfg, purifier.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	defer rt.Close()

	switch {
	case o.htmlPath != "":
		return runStatic(ctx, logger, rt, o)
	case o.url != "":
		return runSingle(ctx, logger, rt, cfg, o)
	default:
		return runConfig(ctx, rt)
	}
}

// loadConfig reads the config file when given and applies flag overrides.
func loadConfig(o options) (*purifier.Config, error) {
	var (
		cfg *purifier.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = purifier.LoadConfigFile(o.configPath)
	} else {
		cfg, err = purifier.ParseConfig(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	// Without a file the -active default applies; with one, only an
	// explicit -active overrides it.
	if o.configPath == "" || o.activeSet {
		cfg.Censor.Active = o.active
	}
	if o.worker != "" {
		cfg.Worker.DialURL = o.worker
	}
	if o.fixed != "" {
		cfg.Worker.Fixed = o.fixed
	}
	return cfg, nil
}

func runStatic(ctx context.Context, logger *slog.Logger, rt *purifier.Runtime, o options) error {
	var in io.Reader = os.Stdin
	if o.htmlPath != "-" {
		f, err := os.Open(o.htmlPath)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	out, closeOut, err := output(o.outPath)
	if err != nil {
		return err
	}
	defer closeOut()

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	st, err := rt.PurifyHTML(ctx, in, out, o.host)
	logger.Info("purifier: document purified",
		"requests", st.Requests, "applied", st.Applied, "cache_hits", st.CacheHits,
		"excluded", st.Excluded, "dropped", st.Dropped)
	return err
}

func runSingle(ctx context.Context, logger *slog.Logger, rt *purifier.Runtime, cfg *purifier.Config, o options) error {
	page := purifier.PageConfig{ID: "page-1", URL: o.url}
	cfg.Pages = nil

	w, err := purifier.NewWatcher(rt)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer w.Stop()

	e, err := w.Open(ctx, page)
	if err != nil {
		return err
	}

	if o.outPath == "" {
		<-ctx.Done()
		return nil
	}

	// Scan before settling so the first requests are counted as pending.
	if err := e.ScanNow(ctx); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	snapCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	html, err := w.Snapshot(snapCtx, page.ID)
	if err != nil {
		return err
	}

	out, closeOut, err := output(o.outPath)
	if err != nil {
		return err
	}
	defer closeOut()
	if _, err := io.WriteString(out, html); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	logger.Info("purifier: page saved", "url", o.url, "out", o.outPath)
	return nil
}

func runConfig(ctx context.Context, rt *purifier.Runtime) error {
	w, err := purifier.NewWatcher(rt)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

func output(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, func() { f.Close() }, nil
}
