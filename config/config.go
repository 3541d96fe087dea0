// Package config collects every engine component's tunables into one
// env-driven struct, in the style of the teacher's
// proxy/stream/config/config.go: each field has a default, optionally
// overridden by an environment variable parsed with a tolerant
// ok/err check that falls back silently on a bad value.
package config

import (
	"os"
	"strconv"
	"time"

	"stream-engine/abr"
	"stream-engine/fetch"
)

// Config is the engine-wide configuration; one instance is built at
// startup and handed to OwnerAPI, which derives per-session configs
// from it.
type Config struct {
	Fetch *fetch.Config
	ABR   *abr.Config

	MaxBufferBytes int64 // segstore per-session quota, default 500 MiB
	SlotBytes      int64 // segstore max single segment size, default 4 MiB
	SegstoreDir    string

	SqlitePath         string
	CheckpointInterval time.Duration

	HTTPAddr string

	// WatchdogFloorBPS and WatchdogWindow tune the throughput watchdog:
	// a Recoverable warning fires once WatchdogWindow consecutive
	// segment fetches complete below WatchdogFloorBPS.
	WatchdogFloorBPS float64
	WatchdogWindow   int
}

// NewDefaultConfig builds the engine config from defaults overridden
// by environment variables, matching the teacher's
// NewDefaultStreamConfig precedent.
func NewDefaultConfig() *Config {
	cfg := &Config{
		Fetch:              fetch.NewDefaultConfig(),
		ABR:                abr.NewDefaultConfig(),
		MaxBufferBytes:     500 * 1024 * 1024,
		SlotBytes:          4 * 1024 * 1024,
		SegstoreDir:        "/tmp/stream-engine/segments",
		SqlitePath:         "/tmp/stream-engine/registry.sqlite",
		CheckpointInterval: 30 * time.Second,
		HTTPAddr:           ":8080",
		WatchdogFloorBPS:   250_000, // 250 kbps
		WatchdogWindow:     3,
	}

	if v, ok := os.LookupEnv("FETCH_ATTEMPTS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Fetch.Attempts = n
		}
	}
	if v, ok := os.LookupEnv("FETCH_BACKOFF_BASE_MS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Fetch.BackoffBase = time.Duration(n) * time.Millisecond
		}
	}
	if v, ok := os.LookupEnv("FETCH_TIMEOUT_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Fetch.PerAttemptTimeout = time.Duration(n) * time.Second
		}
	}
	if v, ok := os.LookupEnv("FETCH_MAX_CONCURRENT"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Fetch.MaxConcurrent = n
		}
	}

	if v, ok := os.LookupEnv("MAX_BUFFER_BYTES"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBufferBytes = n
		}
	}
	if v, ok := os.LookupEnv("SEGSTORE_SLOT_BYTES"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.SlotBytes = n
		}
	}
	if v, ok := os.LookupEnv("SEGSTORE_DIR"); ok && v != "" {
		cfg.SegstoreDir = v
	}

	if v, ok := os.LookupEnv("REGISTRY_SQLITE_PATH"); ok && v != "" {
		cfg.SqlitePath = v
	}
	if v, ok := os.LookupEnv("REGISTRY_CHECKPOINT_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.CheckpointInterval = time.Duration(n) * time.Second
		}
	}

	if v, ok := os.LookupEnv("HTTP_ADDR"); ok && v != "" {
		cfg.HTTPAddr = v
	}

	if v, ok := os.LookupEnv("WATCHDOG_FLOOR_BPS"); ok {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
			cfg.WatchdogFloorBPS = n
		}
	}
	if v, ok := os.LookupEnv("WATCHDOG_WINDOW"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WatchdogWindow = n
		}
	}

	return cfg
}
