// Package config handles purifier configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level purifier configuration.
type Config struct {
	Censor   CensorConfig   `yaml:"censor"`
	Debounce DebounceConfig `yaml:"debounce"`
	Worker   WorkerConfig   `yaml:"worker"`
	Browser  BrowserConfig  `yaml:"browser"`
	Pages    []PageConfig   `yaml:"pages"`
	Store    StoreConfig    `yaml:"store"`
}

// CensorConfig controls what gets censored.
type CensorConfig struct {
	Active             bool     `yaml:"active"`
	VideoMode          string   `yaml:"video_mode"` // Allow | Block
	GIFsAsVideos       bool     `yaml:"gifs_as_videos"`
	HideDomains        bool     `yaml:"hide_domains"`
	Placeholders       []string `yaml:"placeholders"`
	DefaultPlaceholder string   `yaml:"default_placeholder"`
	VideoPoster        string   `yaml:"video_poster"`
	VideoSource        string   `yaml:"video_source"`
	MinArea            int      `yaml:"min_area"`
	MinSide            int      `yaml:"min_side"`
}

// DebounceConfig controls scan batching.
type DebounceConfig struct {
	Window time.Duration `yaml:"window"`
}

// WorkerConfig locates the censoring worker. Each URL enables one delivery
// strategy; empty ones are skipped.
type WorkerConfig struct {
	// DialURL enables dedicated delivery: one HTTP exchange per request.
	DialURL string `yaml:"dial_url"`
	// SharedURL enables the shared websocket.
	SharedURL string `yaml:"shared_url"`
	// SharedReset is how long a faulted shared channel rests before one
	// request probes it again. Zero retires it after the first failure.
	SharedReset time.Duration `yaml:"shared_reset"`
	// BroadcastURL enables broadcast delivery through a webhook.
	BroadcastURL string `yaml:"broadcast_url"`
	// CallbackAddr is the listen address for replies to broadcasts.
	CallbackAddr string `yaml:"callback_addr"`
	// CallbackToken, when set, must accompany every reply to the listener.
	CallbackToken string        `yaml:"callback_token"`
	Timeout       time.Duration `yaml:"timeout"`
	// Fixed answers every request in-process with this URL. Used for
	// offline runs.
	Fixed string `yaml:"fixed"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	Stealth          string        `yaml:"stealth"` // headless | headful
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	XvfbDisplay      string        `yaml:"xvfb_display"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	MaxTabs          int           `yaml:"max_tabs"`
}

// PageConfig defines a page to purify.
type PageConfig struct {
	ID         string `yaml:"id"`
	URL        string `yaml:"url"`
	ScanOnLoad *bool  `yaml:"scan_on_load"`
}

// StoreConfig locates the result database. Empty path disables it.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills unset fields with their defaults and validates the
// result. Parse calls it; configs built in code go through it too.
func (c *Config) Normalize() error {
	c.applyDefaults()
	return c.validate()
}

func (c *Config) applyDefaults() {
	if c.Censor.VideoMode == "" {
		c.Censor.VideoMode = "Allow"
	}
	if c.Censor.MinArea <= 0 {
		c.Censor.MinArea = 15000
	}
	if c.Censor.MinSide <= 0 {
		c.Censor.MinSide = 100
	}
	if c.Debounce.Window <= 0 {
		c.Debounce.Window = time.Second
	}
	if c.Worker.Timeout <= 0 {
		c.Worker.Timeout = 60 * time.Second
	}
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Browser.MaxTabs <= 0 {
		c.Browser.MaxTabs = 4
	}
	for i := range c.Pages {
		if c.Pages[i].ID == "" {
			c.Pages[i].ID = fmt.Sprintf("page-%d", i+1)
		}
		if c.Pages[i].ScanOnLoad == nil {
			on := true
			c.Pages[i].ScanOnLoad = &on
		}
	}
}

func (c *Config) validate() error {
	switch c.Censor.VideoMode {
	case "Allow", "Block":
	default:
		return fmt.Errorf("config: censor.video_mode: unknown mode %q", c.Censor.VideoMode)
	}
	switch c.Browser.Stealth {
	case "headless", "headful":
	default:
		return fmt.Errorf("config: browser.stealth: unknown mode %q", c.Browser.Stealth)
	}
	for _, p := range c.Pages {
		if p.URL == "" {
			return fmt.Errorf("config: page %s: missing url", p.ID)
		}
	}
	return nil
}
