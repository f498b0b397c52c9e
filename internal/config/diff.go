package config

import (
	"slices"
	"sort"
	"strings"

	logx "canvasindex/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if strings.TrimSpace(oldCfg.Root) != strings.TrimSpace(newCfg.Root) {
		changed = append(changed, "root")
		attrs = append(attrs, logx.String("root", strings.TrimSpace(newCfg.Root)))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	oSch, nSch := oldCfg.Scheduler, newCfg.Scheduler
	if strings.TrimSpace(oSch.Delay) != strings.TrimSpace(nSch.Delay) ||
		strings.TrimSpace(oSch.Cooldown) != strings.TrimSpace(nSch.Cooldown) ||
		strings.TrimSpace(oSch.AdaptiveCooldownMin) != strings.TrimSpace(nSch.AdaptiveCooldownMin) ||
		strings.TrimSpace(oSch.FlushTimeout) != strings.TrimSpace(nSch.FlushTimeout) ||
		boolOr(oSch.PropagateParents, true) != boolOr(nSch.PropagateParents, true) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.delay", strings.TrimSpace(nSch.Delay)),
			logx.String("scheduler.cooldown", strings.TrimSpace(nSch.Cooldown)),
			logx.String("scheduler.adaptive_cooldown_min", strings.TrimSpace(nSch.AdaptiveCooldownMin)),
			logx.Bool("scheduler.propagate_parents", boolOr(nSch.PropagateParents, true)),
		)
	}

	if oldCfg.Watch.Enabled != newCfg.Watch.Enabled || !slices.Equal(oldCfg.Watch.Ignore, newCfg.Watch.Ignore) {
		changed = append(changed, "watch")
		attrs = append(attrs,
			logx.Bool("watch.enabled", newCfg.Watch.Enabled),
			logx.Int("watch.ignore_count", len(newCfg.Watch.Ignore)),
		)
	}

	if oldCfg.Sweep.Enabled != newCfg.Sweep.Enabled ||
		strings.TrimSpace(oldCfg.Sweep.Schedule) != strings.TrimSpace(newCfg.Sweep.Schedule) ||
		strings.TrimSpace(oldCfg.Sweep.Timezone) != strings.TrimSpace(newCfg.Sweep.Timezone) {
		changed = append(changed, "sweep")
		attrs = append(attrs,
			logx.Bool("sweep.enabled", newCfg.Sweep.Enabled),
			logx.String("sweep.schedule", strings.TrimSpace(newCfg.Sweep.Schedule)),
			logx.String("sweep.timezone", strings.TrimSpace(newCfg.Sweep.Timezone)),
		)
	}

	// Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy, oPath, nPath string
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if oDriver != nDriver || oBusy != nBusy || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Debug server (never log token)
	od, nd := oldCfg.Debug, newCfg.Debug
	od.Token, nd.Token = tokenMarker(od.Token), tokenMarker(nd.Token)
	if od != nd {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("debug.token_set", nd.Token != ""),
			logx.Bool("debug.pprof", nd.Pprof),
			logx.Bool("debug.metrics", nd.Metrics),
			logx.Bool("debug.allow_insecure", nd.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports whether a change cannot be applied in place.
func RestartRequired(changed []string) bool {
	for _, c := range changed {
		switch c {
		case "root", "storage", "watch":
			return true
		}
	}
	return false
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func tokenMarker(tok string) string {
	if strings.TrimSpace(tok) == "" {
		return ""
	}
	return "set"
}
