package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultDelay        = 2 * time.Second
	DefaultFlushTimeout = 30 * time.Second
)

// SchedulerSettings is SchedulerConfig with durations parsed and defaults
// applied.
type SchedulerSettings struct {
	Delay               time.Duration
	Cooldown            time.Duration
	AdaptiveCooldownMin time.Duration
	PropagateParents    bool
	FlushTimeout        time.Duration
}

// ParseDurationField parses a non-negative Go duration; "" is 0. path names
// the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for "" and 0.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

func ResolveScheduler(sc SchedulerConfig) (SchedulerSettings, error) {
	var (
		out SchedulerSettings
		err error
	)
	// An explicit "0s" delay is valid, so only an omitted one gets the default.
	out.Delay = DefaultDelay
	if strings.TrimSpace(sc.Delay) != "" {
		if out.Delay, err = ParseDurationField("scheduler.delay", sc.Delay); err != nil {
			return out, err
		}
	}
	if out.Cooldown, err = ParseDurationField("scheduler.cooldown", sc.Cooldown); err != nil {
		return out, err
	}
	if out.AdaptiveCooldownMin, err = ParseDurationField("scheduler.adaptive_cooldown_min", sc.AdaptiveCooldownMin); err != nil {
		return out, err
	}
	if out.FlushTimeout, err = ParseDurationOrDefault("scheduler.flush_timeout", sc.FlushTimeout, DefaultFlushTimeout); err != nil {
		return out, err
	}
	out.PropagateParents = sc.PropagateParents == nil || *sc.PropagateParents
	return out, nil
}

var knownDrivers = map[string]bool{
	"": true, "none": true, "memory": true, "file": true,
	"sqlite": true, "sqlite3": true, "pebble": true, "badger": true,
}

// Validate checks everything that can be checked without touching the
// filesystem or other packages.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(c.Root) == "" {
		errs = append(errs, errors.New("root is required"))
	}
	if _, err := ResolveScheduler(c.Scheduler); err != nil {
		errs = append(errs, err)
	}
	if c.Storage != nil {
		d := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
		if !knownDrivers[d] {
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Sweep.Enabled && strings.TrimSpace(c.Sweep.Schedule) == "" {
		errs = append(errs, errors.New("sweep.schedule is required when sweep is enabled"))
	}
	if tz := strings.TrimSpace(c.Sweep.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("sweep.timezone: %w", err))
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"debug.read_timeout", c.Debug.ReadTimeout},
		{"debug.write_timeout", c.Debug.WriteTimeout},
		{"debug.idle_timeout", c.Debug.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
