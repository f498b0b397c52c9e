package sweep

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"canvasindex/internal/canvas"
	"canvasindex/internal/reindex"
	logx "canvasindex/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
		cronSpec string
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron", cronSpec: "*/5 * * * *"},
		{name: "descriptor", raw: "@daily", kind: SpecCron, source: "cron", cronSpec: "@daily"},
		{name: "prefixed cron", raw: "cron:0 3 * * *", kind: SpecCron, source: "cron", cronSpec: "0 3 * * *"},
		{name: "duration", raw: "6h", kind: SpecInterval, source: "duration", duration: 6 * time.Hour, cronSpec: "@every 6h0m0s"},
		{name: "prefixed interval", raw: "every:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Source != tt.source {
				t.Fatalf("got %+v", got)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if tt.cronSpec != "" && got.CronSpec() != tt.cronSpec {
				t.Fatalf("CronSpec = %q, want %q", got.CronSpec(), tt.cronSpec)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:00", "01:75", "-5m", "cron:", "61 * * * *"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Errorf("ParseSchedule(%q) succeeded, want error", raw)
		}
	}
}

type captureScheduler struct {
	mu   sync.Mutex
	reqs []reindex.Request
}

func (c *captureScheduler) Add(req reindex.Request) error {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	return nil
}

func newTree(t *testing.T) *canvas.Tree {
	t.Helper()
	root := t.TempDir()
	for _, d := range []string{"a/b", "c", ".cache"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	tree, err := canvas.NewTree(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	return tree
}

func TestScanAllSchedulesEveryCanvas(t *testing.T) {
	target := &captureScheduler{}
	s := New(Config{}, newTree(t), target, logx.Nop())
	n, err := s.ScanAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 || len(target.reqs) != 4 {
		t.Fatalf("scheduled %d (%d requests), want 4", n, len(target.reqs))
	}
	for _, r := range target.reqs {
		if r.OnlyReplies || r.SkipAncestors {
			t.Fatalf("sweep request should be a propagating Full run: %+v", r)
		}
	}
	if st := s.Stats(); st.Sweeps != 1 || st.LastSize != 4 || st.Scheduling {
		t.Fatalf("stats = %+v", st)
	}
}

func TestStartApplyStop(t *testing.T) {
	s := New(Config{Enabled: true, Schedule: "0 3 * * *", Timezone: "UTC"}, newTree(t), &captureScheduler{}, logx.Nop())
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	next := s.Next()
	if next.IsZero() || next.UTC().Hour() != 3 {
		t.Fatalf("Next = %v", next)
	}

	if err := s.Apply(ctx, Config{Enabled: true, Schedule: "12:00", Timezone: "UTC"}); err != nil {
		t.Fatal(err)
	}
	if got := time.Until(s.Next()); got < 11*time.Hour || got > 12*time.Hour+time.Minute {
		t.Fatalf("interval schedule next in %v", got)
	}

	if err := s.Apply(ctx, Config{Enabled: false}); err != nil {
		t.Fatal(err)
	}
	if !s.Next().IsZero() {
		t.Fatal("disabled sweep still scheduled")
	}
	if err := s.Apply(ctx, Config{Enabled: true, Schedule: "bogus"}); err == nil {
		t.Fatal("expected error for bad schedule")
	}
	s.Stop(ctx)
}
