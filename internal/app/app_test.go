package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"canvasindex/internal/config"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

// newTestApp lays out root/{top.txt, a/one.txt, a/b/two.txt, c/} and a
// config pointing at it.
func newTestApp(t *testing.T, extra map[string]any) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "root")
	writeFile(t, filepath.Join(root, "top.txt"), "top")
	writeFile(t, filepath.Join(root, "a", "one.txt"), "one")
	writeFile(t, filepath.Join(root, "a", "b", "two.txt"), "two!")
	if err := os.MkdirAll(filepath.Join(root, "c"), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := map[string]any{
		"root":      root,
		"logging":   map[string]any{"level": "error"},
		"scheduler": map[string]any{"delay": "10ms", "flush_timeout": "5s"},
	}
	for k, v := range extra {
		cfg[k] = v
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "canvasindex.json")
	writeFile(t, cfgPath, string(body))

	a, err := NewApp(cfgPath)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return a, root
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	writeFile(t, path, `{"root":"/x","scheduler":{"delay":"soon"}}`)
	if _, err := NewApp(path); err == nil {
		t.Fatal("expected error for bad delay")
	}
}

func TestRunOnceAggregatesTree(t *testing.T) {
	a, _ := newTestApp(t, nil)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := a.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	root, ok := st.Canvases["."]
	if !ok {
		t.Fatalf("root not indexed: %+v", st.Canvases)
	}
	if root.Docs != 1 || root.SubtreeDocs != 3 {
		t.Fatalf("root docs = %d subtree = %d, want 1 and 3", root.Docs, root.SubtreeDocs)
	}
	if root.SubtreeBytes != int64(len("top")+len("one")+len("two!")) {
		t.Fatalf("root subtree bytes = %d", root.SubtreeBytes)
	}
	if ra := st.Canvases["a"]; ra.SubtreeDocs != 2 || ra.Parent != "." {
		t.Fatalf("a = %+v", ra)
	}
	if c, ok := st.Canvases["c"]; !ok || c.Docs != 0 {
		t.Fatalf("c = %+v, %v", c, ok)
	}
	if st.Scheduler.TotalRuns == 0 || st.Scheduler.Failures != 0 {
		t.Fatalf("scheduler stats = %+v", st.Scheduler)
	}
}

func TestStartWatchReindexesAndStops(t *testing.T) {
	a, root := newTestApp(t, map[string]any{
		"watch":   map[string]any{"enabled": true},
		"storage": map[string]any{"driver": "file", "path": filepath.Join(t.TempDir(), "state", "index.json")},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-a.watcher.Ready()
	if err := a.Flush(ctx, ""); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	writeFile(t, filepath.Join(root, "a", "b", "three.txt"), "3")

	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := a.Flush(ctx, ""); err != nil {
			t.Fatalf("Flush: %v", err)
		}
		rec, ok, err := a.Store().GetRecord(ctx, ".")
		if err != nil {
			t.Fatalf("GetRecord: %v", err)
		}
		if ok && rec.SubtreeDocs == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("root never saw the new file: %+v", rec)
		}
		time.Sleep(20 * time.Millisecond)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Manager().Size() != 0 {
		t.Fatalf("entries left after Stop: %d", a.Manager().Size())
	}
}

func TestApplyConfigUpdatesDelayAndCooldown(t *testing.T) {
	a, _ := newTestApp(t, nil)
	defer a.Close()

	prev := a.cfgm.Get()
	next := *prev
	next.Scheduler = config.SchedulerConfig{Delay: "1s", Cooldown: "3s", FlushTimeout: "7s"}
	next.Sweep = config.SweepConfig{Schedule: "not a schedule"}
	a.applyConfig(context.Background(), prev, &next)

	if got := time.Duration(a.delay.Load()); got != time.Second {
		t.Fatalf("delay = %v, want 1s", got)
	}
	if got := time.Duration(a.flushTimeout.Load()); got != 7*time.Second {
		t.Fatalf("flush timeout = %v, want 7s", got)
	}
	if a.sweep.Stats().Scheduling {
		t.Fatal("invalid sweep config must keep the previous (disabled) trigger")
	}
}

func TestMapStorageConfig(t *testing.T) {
	tests := []struct {
		name    string
		sc      *config.StorageConfig
		enabled bool
		wantErr bool
	}{
		{"absent", nil, false, false},
		{"none", &config.StorageConfig{Driver: "none"}, false, false},
		{"memory", &config.StorageConfig{Driver: "memory"}, true, false},
		{"pebble", &config.StorageConfig{Driver: "Pebble", Path: "/tmp/p"}, true, false},
		{"pebble without path", &config.StorageConfig{Driver: "pebble"}, false, true},
		{"sqlite busy", &config.StorageConfig{Driver: "sqlite", Path: "/tmp/x.db", BusyTimeout: "nope"}, false, true},
		{"unknown", &config.StorageConfig{Driver: "mongo"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, enabled, err := mapStorageConfig(&config.Config{Storage: tt.sc})
			if (err != nil) != tt.wantErr || enabled != tt.enabled {
				t.Fatalf("enabled = %v, err = %v", enabled, err)
			}
		})
	}
}

func TestMapDebugConfigDefaults(t *testing.T) {
	dc, err := mapDebugConfig(&config.Config{Debug: config.DebugConfig{Enabled: true, Token: " t "}})
	if err != nil {
		t.Fatalf("mapDebugConfig: %v", err)
	}
	if dc.Token != "t" || dc.ReadTimeout != 10*time.Second || dc.IdleTimeout != time.Minute || dc.WriteTimeout != 0 {
		t.Fatalf("unexpected mapping: %+v", dc)
	}
	if _, err := mapDebugConfig(&config.Config{Debug: config.DebugConfig{ReadTimeout: "x"}}); err == nil {
		t.Fatal("expected error for bad timeout")
	}
}
