package app

import (
	"fmt"
	"strings"
	"time"

	"canvasindex/internal/config"
	"canvasindex/internal/observability/debugsrv"
	"canvasindex/internal/storage"
	"canvasindex/internal/sweep"
	logx "canvasindex/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

// mapStorageConfig reports enabled=false for an absent or "none" driver;
// the indexer then keeps records in memory.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, true, nil
	case "file", "pebble", "badger":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSweepConfig(cfg *config.Config) (sweep.Config, error) {
	sc := sweep.Config{
		Enabled:  cfg.Sweep.Enabled,
		Schedule: strings.TrimSpace(cfg.Sweep.Schedule),
		Timezone: strings.TrimSpace(cfg.Sweep.Timezone),
	}
	if sc.Schedule != "" {
		if _, err := sweep.ParseSchedule(sc.Schedule); err != nil {
			return sweep.Config{}, fmt.Errorf("sweep.schedule: %w", err)
		}
	}
	return sc, nil
}

func mapDebugConfig(cfg *config.Config) (debugsrv.Config, error) {
	d := cfg.Debug
	rt, err := config.ParseDurationField("debug.read_timeout", d.ReadTimeout)
	if err != nil {
		return debugsrv.Config{}, err
	}
	wt, err := config.ParseDurationField("debug.write_timeout", d.WriteTimeout)
	if err != nil {
		return debugsrv.Config{}, err
	}
	it, err := config.ParseDurationField("debug.idle_timeout", d.IdleTimeout)
	if err != nil {
		return debugsrv.Config{}, err
	}
	if rt == 0 {
		rt = 10 * time.Second
	}
	if it == 0 {
		it = time.Minute
	}
	return debugsrv.Config{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		Prefix:               d.Prefix,
		Token:                strings.TrimSpace(d.Token),
		AllowInsecure:        d.AllowInsecure,
		Pprof:                d.Pprof,
		Metrics:              d.Metrics,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
		MemProfileRate:       d.MemProfileRate,
	}, nil
}
