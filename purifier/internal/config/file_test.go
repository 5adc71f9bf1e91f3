package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "purifier.yaml")
	data := `
censor:
  active: true
  video_mode: Block
  hide_domains: true
  placeholders:
    - https://ph/1.png
    - https://ph/2.png
  default_placeholder: https://ph/default.png
debounce:
  window: 500ms
worker:
  dial_url: http://worker:8080/censor
  shared_url: ws://worker:8080/ws
  shared_reset: 30s
store:
  path: /var/lib/purifier/results.db
pages:
  - url: https://example.com/
  - id: news
    url: https://news.example.com/
    scan_on_load: false
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Censor.Active || cfg.Censor.VideoMode != "Block" || !cfg.Censor.HideDomains {
		t.Errorf("censor = %+v", cfg.Censor)
	}
	if len(cfg.Censor.Placeholders) != 2 {
		t.Errorf("placeholders = %v", cfg.Censor.Placeholders)
	}
	if cfg.Debounce.Window != 500*time.Millisecond {
		t.Errorf("window = %v", cfg.Debounce.Window)
	}
	if cfg.Worker.DialURL != "http://worker:8080/censor" || cfg.Worker.SharedURL != "ws://worker:8080/ws" {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if cfg.Worker.SharedReset != 30*time.Second {
		t.Errorf("shared_reset = %v", cfg.Worker.SharedReset)
	}
	if cfg.Store.Path != "/var/lib/purifier/results.db" {
		t.Errorf("store = %+v", cfg.Store)
	}

	if cfg.Pages[0].ID != "page-1" || !*cfg.Pages[0].ScanOnLoad {
		t.Errorf("page 0 = %+v", cfg.Pages[0])
	}
	if cfg.Pages[1].ID != "news" || *cfg.Pages[1].ScanOnLoad {
		t.Errorf("page 1 = %+v", cfg.Pages[1])
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Censor.Active {
		t.Error("censoring active by default")
	}
	if cfg.Censor.VideoMode != "Allow" {
		t.Errorf("video_mode = %q", cfg.Censor.VideoMode)
	}
	if cfg.Censor.MinArea != 15000 || cfg.Censor.MinSide != 100 {
		t.Errorf("size gate = %d/%d", cfg.Censor.MinArea, cfg.Censor.MinSide)
	}
	if cfg.Debounce.Window != time.Second {
		t.Errorf("window = %v", cfg.Debounce.Window)
	}
	if cfg.Worker.Timeout != 60*time.Second {
		t.Errorf("timeout = %v", cfg.Worker.Timeout)
	}
	if cfg.Browser.Stealth != "headless" || cfg.Browser.XvfbDisplay != ":99" || cfg.Browser.MaxTabs != 4 {
		t.Errorf("browser = %+v", cfg.Browser)
	}
}

func TestNormalize_StructLiteral(t *testing.T) {
	cfg := &Config{Pages: []PageConfig{{URL: "https://example.com/"}}}
	if err := cfg.Normalize(); err != nil {
		t.Fatal(err)
	}
	if cfg.Browser.MaxTabs != 4 || cfg.Worker.Timeout != 60*time.Second {
		t.Errorf("browser = %+v, worker = %+v", cfg.Browser, cfg.Worker)
	}
	if cfg.Pages[0].ID == "" || cfg.Pages[0].ScanOnLoad == nil {
		t.Errorf("page = %+v", cfg.Pages[0])
	}

	bad := &Config{Browser: BrowserConfig{Stealth: "invisible"}}
	if err := bad.Normalize(); err == nil {
		t.Error("expected stealth error")
	}
}

func TestInvalid(t *testing.T) {
	cases := map[string]string{
		"video mode": "censor:\n  video_mode: Mute\n",
		"stealth":    "browser:\n  stealth: invisible\n",
		"page url":   "pages:\n  - id: x\n",
		"yaml":       "censor: [",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config: read") {
		t.Fatalf("err = %v", err)
	}
}
