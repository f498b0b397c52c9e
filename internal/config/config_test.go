package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseYAMLAndJSON(t *testing.T) {
	yml := `
root: /srv/canvases
scheduler:
  delay: 500ms
  cooldown: 10s
  propagate_parents: false
watch:
  enabled: true
  ignore: ["node_modules", "*.tmp"]
storage:
  driver: pebble
  path: /var/lib/canvasindex
`
	cfg, err := ParseBytes("c.yaml", []byte(yml))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if cfg.Root != "/srv/canvases" || !cfg.Watch.Enabled || len(cfg.Watch.Ignore) != 2 || cfg.Storage.Driver != "pebble" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	s, err := ResolveScheduler(cfg.Scheduler)
	if err != nil {
		t.Fatal(err)
	}
	if s.Delay != 500*time.Millisecond || s.Cooldown != 10*time.Second || s.PropagateParents || s.FlushTimeout != DefaultFlushTimeout {
		t.Fatalf("unexpected settings: %+v", s)
	}

	if _, err := ParseBytes("c.json", []byte(`{"root":"x","bogus":1}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := ParseBytes("c.json", []byte(`{"root":"x"}{"root":"y"}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestResolveSchedulerDefaults(t *testing.T) {
	s, err := ResolveScheduler(SchedulerConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if s.Delay != DefaultDelay || !s.PropagateParents || s.Cooldown != 0 {
		t.Fatalf("defaults = %+v", s)
	}
	s, err = ResolveScheduler(SchedulerConfig{Delay: "0s"})
	if err != nil || s.Delay != 0 {
		t.Fatalf("explicit zero delay = %v, %v", s.Delay, err)
	}
	if _, err := ResolveScheduler(SchedulerConfig{Cooldown: "-1s"}); err == nil {
		t.Fatal("expected error for negative cooldown")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "ok", cfg: Config{Root: "/x"}},
		{name: "no root", cfg: Config{}, want: "root is required"},
		{name: "bad driver", cfg: Config{Root: "/x", Storage: &StorageConfig{Driver: "mongo"}}, want: "storage.driver"},
		{name: "sweep without schedule", cfg: Config{Root: "/x", Sweep: SweepConfig{Enabled: true}}, want: "sweep.schedule"},
		{name: "bad timezone", cfg: Config{Root: "/x", Sweep: SweepConfig{Timezone: "Mars/Olympus"}}, want: "sweep.timezone"},
		{name: "bad debug timeout", cfg: Config{Root: "/x", Debug: DebugConfig{ReadTimeout: "soon"}}, want: "debug.read_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	old := &Config{Root: "/x", Debug: DebugConfig{Enabled: true, Token: "secret-a"}}
	next := &Config{Root: "/x", Debug: DebugConfig{Enabled: true, Token: "secret-b"}, Scheduler: SchedulerConfig{Delay: "1s"}}
	changed, attrs := SummarizeConfigChange(old, next)
	if len(changed) != 1 || changed[0] != "scheduler" {
		t.Fatalf("changed = %v (token rotation must not count)", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if RestartRequired(changed) {
		t.Fatal("scheduler change should apply in place")
	}

	next.Storage = &StorageConfig{Driver: "file", Path: "/tmp/x"}
	changed, _ = SummarizeConfigChange(old, next)
	if !RestartRequired(changed) {
		t.Fatalf("storage change should require restart: %v", changed)
	}
}

func TestLoadAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canvasindex.json")
	writeConfig(t, path, `{"root":"/a"}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if ok, err := m.Reload(context.Background()); err != nil || ok {
		t.Fatalf("unchanged reload = %v, %v", ok, err)
	}

	writeConfig(t, path, `{"root":"/b"}`)
	if ok, err := m.Reload(context.Background()); err != nil || !ok {
		t.Fatalf("changed reload = %v, %v", ok, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Root != "/b" {
			t.Fatalf("published root = %q", cfg.Root)
		}
	default:
		t.Fatal("no config published")
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Root == "/forbidden" {
			return os.ErrPermission
		}
		return nil
	})
	writeConfig(t, path, `{"root":"/forbidden"}`)
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatal("expected validator rejection")
	}
	if m.Get().Root != "/b" {
		t.Fatalf("rejected config was committed: %q", m.Get().Root)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canvasindex.yaml")
	writeConfig(t, path, "root: /a\n")
	m := NewConfigManager(path)
	m.SetReloadDelay(20 * time.Millisecond)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	// Rewrite until the watcher has picked up a change; the first write may
	// land before the watch is registered.
	for {
		writeConfig(t, path, "root: /b\n")
		select {
		case cfg := <-sub:
			if cfg.Root != "/b" {
				t.Fatalf("published root = %q", cfg.Root)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("watch never published")
		}
	}
}

func TestParseEmptyYAMLAndRestartSections(t *testing.T) {
	cfg, err := ParseBytes("empty.yml", []byte("\n"))
	if err != nil {
		t.Fatalf("empty yaml: %v", err)
	}
	if cfg.Root != "" {
		t.Fatalf("root = %q", cfg.Root)
	}
	if _, err := ParseBytes("bad.yaml", []byte("root: [unterminated")); err == nil {
		t.Fatal("expected yaml syntax error")
	}
	if !RestartRequired([]string{"debug", "watch"}) {
		t.Fatal("watch change should require restart")
	}
	if RestartRequired([]string{"logging", "sweep", "debug"}) {
		t.Fatal("logging, sweep and debug apply in place")
	}
}
