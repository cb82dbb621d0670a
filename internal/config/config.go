package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fanlog/fanlog/internal/fanout"
	pebblestore "github.com/fanlog/fanlog/internal/storage/pebble"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir  string `json:"dataDir"`
	HTTPAddr string `json:"httpAddr"`
	// Fsync is one of "always", "interval", "never".
	Fsync           string `json:"fsync"`
	FsyncIntervalMs int    `json:"fsyncIntervalMs"`
	LogLevel        string `json:"logLevel"`
	LogFormat       string `json:"logFormat"`
	// RetentionMs discards entries older than this; 0 disables the janitor.
	RetentionMs      int64            `json:"retentionMs"`
	RetentionSweepMs int64            `json:"retentionSweepMs"`
	Subscriber       SubscriberLimits `json:"subscriber"`
}

// SubscriberLimits bounds each subscriber's outbound queue. Zero fields take
// built-in defaults.
type SubscriberLimits struct {
	MaxEntries      int `json:"maxEntries"`
	MaxBytes        int `json:"maxBytes"`
	DegradedEntries int `json:"degradedEntries"`
	DegradedGraceMs int `json:"degradedGraceMs"`
	DrainEntries    int `json:"drainEntries"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DataDir:          DefaultDataDir(),
		HTTPAddr:         ":8085",
		Fsync:            "interval",
		FsyncIntervalMs:  5,
		LogLevel:         "info",
		LogFormat:        "text",
		RetentionSweepMs: 60_000,
	}
}

// Load reads JSON configuration from path over the defaults. An empty path
// returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// FsyncMode maps the configured string to the storage mode.
func (c Config) FsyncMode() (pebblestore.FsyncMode, error) {
	switch c.Fsync {
	case "", "interval":
		return pebblestore.FsyncModeInterval, nil
	case "always":
		return pebblestore.FsyncModeAlways, nil
	case "never":
		return pebblestore.FsyncModeNever, nil
	default:
		return pebblestore.FsyncModeUnspecified, fmt.Errorf("unknown fsync mode %q", c.Fsync)
	}
}

// FsyncInterval returns the group-commit window.
func (c Config) FsyncInterval() time.Duration {
	return time.Duration(c.FsyncIntervalMs) * time.Millisecond
}

// FanoutLimits maps the subscriber section to fan-out limits.
func (c Config) FanoutLimits() fanout.Limits {
	return fanout.Limits{
		MaxEntries:      c.Subscriber.MaxEntries,
		MaxBytes:        c.Subscriber.MaxBytes,
		DegradedEntries: c.Subscriber.DegradedEntries,
		DegradedGrace:   time.Duration(c.Subscriber.DegradedGraceMs) * time.Millisecond,
		DrainEntries:    c.Subscriber.DrainEntries,
	}
}
