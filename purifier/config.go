package purifier

import (
	"github.com/hazyhaar/purifier/purifier/internal/config"
)

// Config is the top-level purifier configuration. Re-exported from internal.
type Config = config.Config

// CensorConfig controls what gets censored.
type CensorConfig = config.CensorConfig

// DebounceConfig controls scan batching.
type DebounceConfig = config.DebounceConfig

// WorkerConfig locates the censoring worker.
type WorkerConfig = config.WorkerConfig

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig = config.BrowserConfig

// PageConfig defines a page to purify.
type PageConfig = config.PageConfig

// StoreConfig locates the result database.
type StoreConfig = config.StoreConfig

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// ParseConfig decodes YAML configuration and applies defaults.
func ParseConfig(data []byte) (*Config, error) {
	return config.Parse(data)
}
