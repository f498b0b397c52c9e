// Package app wires the canvas index daemon together: configuration,
// logging, storage, the reindex manager, the watcher, the periodic sweep
// and the debug server.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"canvasindex/internal/canvas"
	"canvasindex/internal/config"
	"canvasindex/internal/eventbus"
	"canvasindex/internal/indexer"
	"canvasindex/internal/metrics"
	"canvasindex/internal/observability/debugsrv"
	"canvasindex/internal/reindex"
	"canvasindex/internal/runtime/supervisor"
	"canvasindex/internal/storage"
	"canvasindex/internal/sweep"
	"canvasindex/internal/watch"
	logx "canvasindex/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	tree    *canvas.Tree
	store   storage.Store
	ix      *indexer.Indexer
	mgr     *reindex.Manager
	watcher *watch.Watcher
	sweep   *sweep.Service
	metrics *metrics.Metrics
	events  eventbus.Bus[reindex.Event]
	debug   *debugsrv.Service

	delay        atomic.Int64 // time.Duration
	flushTimeout atomic.Int64 // time.Duration
}

// Stats is the JSON view served on /stats and printed by -once.
type Stats struct {
	Root        string                    `json:"root"`
	Scheduler   reindex.Stats             `json:"scheduler"`
	Entries     []reindex.EntrySnapshot   `json:"entries"`
	Sweep       sweep.Stats               `json:"sweep"`
	Watched     int                       `json:"watched_dirs"`
	CacheHits   uint64                    `json:"digest_cache_hits"`
	CacheMisses uint64                    `json:"digest_cache_misses"`
	Loops       *supervisor.Snapshot      `json:"loops,omitempty"`
	Canvases    map[string]storage.Record `json:"canvases,omitempty"`
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	settings, err := config.ResolveScheduler(cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	sweepCfg, err := mapSweepConfig(cfg)
	if err != nil {
		return nil, err
	}
	debugCfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}

	tree, err := canvas.NewTree(cfg.Root, cfg.Watch.Ignore)
	if err != nil {
		return nil, err
	}

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	ix, err := indexer.New(indexer.Config{
		Tree:   tree,
		Store:  store,
		Logger: log.With(logx.String("comp", "indexer")),
	})
	if err != nil {
		closeStore(store)
		return nil, err
	}

	a := &App{
		cfgPath: cfgm.Path(),
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		tree:    tree,
		store:   ix.Store(),
		ix:      ix,
		metrics: metrics.New(),
		events:  eventbus.New[reindex.Event](),
	}
	a.delay.Store(int64(settings.Delay))
	a.flushTimeout.Store(int64(settings.FlushTimeout))

	mgrLog := log.With(logx.String("comp", "reindex"))
	mgr, err := reindex.New(reindex.Config{
		DelayFunc:           func() time.Duration { return time.Duration(a.delay.Load()) },
		Reindex:             ix.Reindex,
		PropagateParents:    reindex.Bool(settings.PropagateParents),
		Cooldown:            settings.Cooldown,
		AdaptiveCooldownMin: settings.AdaptiveCooldownMin,
		Observer:            reindex.MultiObserver(reindex.LogObserver(mgrLog), a.metrics, reindex.ObserverFunc(a.events.Publish)),
		OnError: func(node reindex.Node, err error) {
			mgrLog.Warn("canvas reindex failed", logx.String("canvas", node.ID()), logx.Err(err))
		},
		Logger: mgrLog,
	})
	if err != nil {
		closeStore(a.store)
		return nil, err
	}
	a.mgr = mgr
	ix.Bind(mgr)

	a.sweep = sweep.New(sweepCfg, tree, mgr, log.With(logx.String("comp", "sweep")))

	if cfg.Watch.Enabled {
		w, err := watch.New(watch.Config{
			Tree:   tree,
			Target: mgr,
			OnResync: func(ctx context.Context) {
				if _, err := a.sweep.ScanAll(ctx); err != nil {
					a.log.Warn("resync scan failed", logx.Err(err))
				}
			},
			Logger: log.With(logx.String("comp", "watch")),
		})
		if err != nil {
			closeStore(a.store)
			return nil, err
		}
		a.watcher = w
	}

	a.registerGauges()
	a.debug = debugsrv.New(debugCfg, debugsrv.Routes{
		Metrics: a.metrics.Handler(),
		Stats:   func() any { return a.Stats(false) },
		Flush:   a.Flush,
		Events:  a.events.Subscribe,
	}, log.With(logx.String("comp", "debugsrv")))

	return a, nil
}

func (a *App) registerGauges() {
	a.metrics.RegisterGauge("entries", "Canvases tracked by the scheduler", func() float64 {
		return float64(a.mgr.Size())
	})
	a.metrics.RegisterGauge("pending_entries", "Canvases with a scheduled or running reindex", func() float64 {
		n := 0
		for _, e := range a.mgr.Snapshot() {
			if e.Scheduled || e.Running {
				n++
			}
		}
		return float64(n)
	})
	a.metrics.RegisterGauge("digest_cache_hits", "File digest cache hits", func() float64 {
		hits, _ := a.ix.CacheStats()
		return float64(hits)
	})
	a.metrics.RegisterGauge("digest_cache_misses", "File digest cache misses", func() float64 {
		_, misses := a.ix.CacheStats()
		return float64(misses)
	})
	a.metrics.RegisterGauge("watched_dirs", "Directories with an active filesystem watch", func() float64 {
		if a.watcher == nil {
			return 0
		}
		return float64(a.watcher.Watched())
	})
	a.metrics.RegisterGauge("events_dropped", "Scheduler events dropped for slow /events clients", func() float64 {
		return float64(a.events.Dropped())
	})
	a.metrics.RegisterGauge("log_alerts_dropped", "Alert log lines dropped by the rate limiter", func() float64 {
		return float64(a.logs.AlertsDropped())
	})
}

func (a *App) Manager() *reindex.Manager { return a.mgr }
func (a *App) Store() storage.Store      { return a.store }
func (a *App) Tree() *canvas.Tree        { return a.tree }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Flush runs pending work for one canvas, or for every canvas when id is "".
func (a *App) Flush(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return a.mgr.FlushAll(ctx)
	}
	return a.mgr.Flush(ctx, canvas.CleanID(id))
}

// Stats collects a point-in-time view. withRecords adds the stored record of
// every canvas in the tree.
func (a *App) Stats(withRecords bool) Stats {
	hits, misses := a.ix.CacheStats()
	st := Stats{
		Root:        a.tree.Root(),
		Scheduler:   a.mgr.Stats(),
		Entries:     a.mgr.Snapshot(),
		Sweep:       a.sweep.Stats(),
		CacheHits:   hits,
		CacheMisses: misses,
	}
	if a.watcher != nil {
		st.Watched = a.watcher.Watched()
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		st.Loops = &snap
	}
	if withRecords {
		st.Canvases = map[string]storage.Record{}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.tree.Walk(ctx, func(n *canvas.Node) error {
			if r, ok, err := a.store.GetRecord(ctx, n.ID()); err == nil && ok {
				st.Canvases[n.ID()] = r
			}
			return nil
		})
	}
	return st
}

// RunOnce schedules every canvas, flushes, and closes the scheduler. It is
// the -once mode and does not start any background loop.
func (a *App) RunOnce(ctx context.Context) (Stats, error) {
	n, err := a.sweep.ScanAll(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("scan: %w", err)
	}
	a.log.Info("one-shot scan scheduled", logx.Int("canvases", n))
	flushErr := a.mgr.FlushAll(ctx)
	st := a.Stats(true)
	return st, flushErr
}

// Close releases what NewApp acquired when Start was never called.
func (a *App) Close() error {
	a.mgr.CloseAll()
	err := a.store.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSweepConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDebugConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if a.watcher != nil {
		a.sup.Go("watch.canvas", a.watcher.Run)
	}

	// Initial full scan. Runs propagate, so the root ends up aggregating
	// every subtree.
	n, err := a.sweep.ScanAll(a.sup.Context())
	if err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}
	a.log.Info("initial scan scheduled", logx.Int("canvases", n))

	if err := a.sweep.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("root", a.tree.Root()), logx.Bool("watch", a.watcher != nil))
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if config.RestartRequired(sections) {
		a.log.Warn("root, storage or watch config changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(next))

	if settings, err := config.ResolveScheduler(next.Scheduler); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.delay.Store(int64(settings.Delay))
		a.flushTimeout.Store(int64(settings.FlushTimeout))
		a.mgr.SetCooldown(settings.Cooldown, settings.AdaptiveCooldownMin)
		if boolOr(prev.Scheduler.PropagateParents, true) != settings.PropagateParents {
			a.log.Warn("scheduler.propagate_parents changed; restart required for changes to take effect")
		}
	}

	if sc, err := mapSweepConfig(next); err != nil {
		a.log.Warn("invalid sweep config; keeping previous", logx.Err(err))
	} else if err := a.sweep.Apply(ctx, sc); err != nil {
		a.log.Warn("sweep reconfigure failed", logx.Err(err))
	}

	if dc, err := mapDebugConfig(next); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(ctx, dc)
	}

	a.log.Info("config reloaded", fields...)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so the watcher stops feeding requests.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("sweep", 2*time.Second, func(c context.Context) error { a.sweep.Stop(c); return nil })
	step("debugsrv", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("flush", time.Duration(a.flushTimeout.Load()), func(c context.Context) error {
		return a.mgr.FlushAll(c)
	})
	step("reindex", time.Second, func(c context.Context) error { a.mgr.CloseAll(); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}
