// Package sweep periodically schedules a Full reindex of every canvas, to
// catch changes the watcher missed.
package sweep

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"canvasindex/internal/canvas"
	"canvasindex/internal/reindex"
	logx "canvasindex/pkg/logx"
)

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
}

type Service struct {
	tree   *canvas.Tree
	target reindex.Scheduler
	log    logx.Logger

	mu    sync.Mutex
	cfg   Config
	c     *cron.Cron
	entry cron.EntryID

	sweeps   atomic.Uint64
	lastAt   atomic.Int64 // unix nanos
	lastSize atomic.Int64
}

func New(cfg Config, tree *canvas.Tree, target reindex.Scheduler, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{tree: tree, target: target, log: log, cfg: cfg}
}

// ScanAll schedules a Full run for every canvas and returns how many were
// scheduled. Runs propagate, so ancestors are re-aggregated once their
// children are done.
func (s *Service) ScanAll(ctx context.Context) (int, error) {
	start := time.Now()
	n := 0
	err := s.tree.Walk(ctx, func(node *canvas.Node) error {
		if err := s.target.Add(reindex.Request{Node: node}); err != nil {
			return err
		}
		n++
		return nil
	})
	s.sweeps.Add(1)
	s.lastAt.Store(start.UnixNano())
	s.lastSize.Store(int64(n))
	s.log.Debug("sweep scheduled", logx.Int("canvases", n), logx.Duration("took", time.Since(start)))
	return n, err
}

// Start registers the cron trigger. It is a no-op when disabled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	spec, err := ParseSchedule(s.cfg.Schedule)
	if err != nil {
		return err
	}
	loc := loadLocation(s.cfg.Timezone, s.log)
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))
	id, err := c.AddFunc(spec.CronSpec(), func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.ScanAll(ctx); err != nil {
			s.log.Warn("sweep failed", logx.Err(err))
		}
	})
	if err != nil {
		return err
	}
	s.c, s.entry = c, id
	c.Start()
	s.log.Info("sweep started", logx.String("schedule", spec.CronSpec()), logx.String("tz", loc.String()))
	return nil
}

// Stop stops the trigger and waits for a running sweep, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("sweep stopped")
}

// Apply swaps in a new config, restarting the trigger when it changed.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	if running && old == cfg {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	s.Stop(stopCtx)
	cancel()
	return s.Start(ctx)
}

// Next returns the next trigger time, or zero when not running.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

type Stats struct {
	Sweeps     uint64    `json:"sweeps"`
	LastAt     time.Time `json:"last_at,omitempty"`
	LastSize   int64     `json:"last_size"`
	NextAt     time.Time `json:"next_at,omitempty"`
	Scheduling bool      `json:"scheduling"`
}

func (s *Service) Stats() Stats {
	st := Stats{Sweeps: s.sweeps.Load(), LastSize: s.lastSize.Load(), NextAt: s.Next()}
	if ns := s.lastAt.Load(); ns > 0 {
		st.LastAt = time.Unix(0, ns)
	}
	st.Scheduling = !st.NextAt.IsZero()
	return st
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid sweep timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
