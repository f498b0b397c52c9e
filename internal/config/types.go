package config

// Config is the daemon configuration. JSON or YAML; unknown keys are
// rejected.
type Config struct {
	// Root is the directory whose subdirectories are canvases.
	Root string `json:"root"`

	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Watch     WatchConfig     `json:"watch"`
	Sweep     SweepConfig     `json:"sweep"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Debug     DebugConfig     `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert mirrors records at or above MinLevel to stderr as compact
// JSON lines, at most RatePerSec per second.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the reindex manager.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - delay: "2s"
//   - cooldown: "0s" (disabled)
//   - adaptive_cooldown_min: "0s" (wait the full cooldown)
//   - propagate_parents: true
//   - flush_timeout: "30s"
type SchedulerConfig struct {
	Delay               string `json:"delay,omitempty"`
	Cooldown            string `json:"cooldown,omitempty"`
	AdaptiveCooldownMin string `json:"adaptive_cooldown_min,omitempty"`
	PropagateParents    *bool  `json:"propagate_parents,omitempty"`
	// FlushTimeout bounds the flush performed on shutdown.
	FlushTimeout string `json:"flush_timeout,omitempty"`
}

// WatchConfig controls the filesystem watcher.
type WatchConfig struct {
	Enabled bool `json:"enabled"`
	// Ignore holds globs matched against entry names and relative paths.
	// Hidden entries are always ignored.
	Ignore []string `json:"ignore,omitempty"`
}

// SweepConfig controls the periodic full sweep.
//
// Schedule accepts a cron expression ("0 3 * * *"), a Go duration ("6h"),
// or an "HH:MM" interval.
type SweepConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "pebble", "path": "./canvasindex.pebble" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DebugConfig controls the optional debug HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	Prefix        string `json:"prefix,omitempty"` // pprof prefix, default: "/debug/pprof/"
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof   bool `json:"pprof,omitempty"`
	Metrics bool `json:"metrics,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
