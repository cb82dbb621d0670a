package config

import (
	"os"
	"strconv"
)

// FromEnv overlays FANLOG_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("FANLOG_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FANLOG_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("FANLOG_FSYNC"); v != "" {
		cfg.Fsync = v
	}
	if v := os.Getenv("FANLOG_FSYNC_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FsyncIntervalMs = n
		}
	}
	if v := os.Getenv("FANLOG_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FANLOG_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("FANLOG_RETENTION_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RetentionMs = n
		}
	}
	if v := os.Getenv("FANLOG_RETENTION_SWEEP_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RetentionSweepMs = n
		}
	}
	if v := os.Getenv("FANLOG_SUBSCRIBER_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Subscriber.MaxEntries = n
		}
	}
	if v := os.Getenv("FANLOG_SUBSCRIBER_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Subscriber.MaxBytes = n
		}
	}
	if v := os.Getenv("FANLOG_SUBSCRIBER_DEGRADED_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Subscriber.DegradedEntries = n
		}
	}
	if v := os.Getenv("FANLOG_SUBSCRIBER_DEGRADED_GRACE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Subscriber.DegradedGraceMs = n
		}
	}
	if v := os.Getenv("FANLOG_SUBSCRIBER_DRAIN_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Subscriber.DrainEntries = n
		}
	}
}
