package reindex

import (
	"context"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	logx "canvasindex/pkg/logx"
)

// Config controls a Manager.
//
// Delay is the debounce window; DelayFunc, when set, is consulted every time
// a window arms and takes precedence. PropagateParents nil means true.
// Cooldown 0 disables the post-run window. AdaptiveCooldownMin caps how long
// a request arriving during cooldown waits (0 = wait the full remainder).
// A request deferred by cooldown runs as soon as that wait ends, without a
// further Delay.
type Config struct {
	Delay     time.Duration
	DelayFunc func() time.Duration
	Reindex   Func

	PropagateParents    *bool
	Cooldown            time.Duration
	AdaptiveCooldownMin time.Duration

	Observer Observer
	// OnError receives every failed run. When nil, failures are logged.
	OnError func(node Node, err error)
	Logger  logx.Logger

	// BaseContext is passed to every reindex call. Close does not cancel it.
	BaseContext context.Context
}

// Manager schedules reindex runs per node id.
type Manager struct {
	reindex          Func
	delay            func() time.Duration
	propagateDefault bool
	obs              Observer
	onError          func(Node, error)
	log              logx.Logger
	ctx              context.Context

	mu          sync.Mutex
	cooldown    time.Duration
	adaptiveMin time.Duration
	entries     map[string]*entry
	inflight    map[string]chan struct{}
	totalRuns   int
	failures    int
}

// New returns a Manager. cfg.Reindex is required.
func New(cfg Config) (*Manager, error) {
	if cfg.Reindex == nil {
		return nil, ErrNoReindexFunc
	}
	delay := cfg.DelayFunc
	if delay == nil {
		delay = ConstDelay(cfg.Delay)
	}
	propagate := true
	if cfg.PropagateParents != nil {
		propagate = *cfg.PropagateParents
	}
	log := cfg.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx := cfg.BaseContext
	if ctx == nil {
		ctx = context.Background()
	}
	return &Manager{
		reindex:          cfg.Reindex,
		delay:            delay,
		propagateDefault: propagate,
		obs:              cfg.Observer,
		onError:          cfg.OnError,
		log:              log,
		ctx:              ctx,
		cooldown:         max(cfg.Cooldown, 0),
		adaptiveMin:      max(cfg.AdaptiveCooldownMin, 0),
		entries:          make(map[string]*entry),
		inflight:         make(map[string]chan struct{}),
	}, nil
}

// SetCooldown changes the cooldown settings for windows established from
// now on.
func (m *Manager) SetCooldown(cooldown, adaptiveMin time.Duration) {
	m.mu.Lock()
	m.cooldown = max(cooldown, 0)
	m.adaptiveMin = max(adaptiveMin, 0)
	m.mu.Unlock()
}

// Add records a request and makes sure a run is pending for the node. It
// only does bookkeeping; the reindex func always runs later, on another
// goroutine.
func (m *Manager) Add(req Request) error {
	if req.Node == nil {
		return ErrInvalidNode
	}
	id := req.Node.ID()
	if strings.TrimSpace(id) == "" {
		return ErrInvalidNode
	}
	want := StrengthFor(req.OnlyReplies)
	propagate := m.propagateDefault
	if req.PropagateParents != nil {
		propagate = *req.PropagateParents
	}
	propagate = propagate && !req.SkipAncestors

	now := time.Now()
	evs := make([]Event, 0, 2)

	m.mu.Lock()
	e := m.entries[id]
	if e == nil {
		e = m.newEntryLocked(id)
	}
	e.node = req.Node
	if merged := Merge(e.mode, want); merged != e.mode {
		e.mode = merged
		evs = append(evs, Event{Type: EventModeUpgrade, Time: now, Node: id, Mode: merged})
	}
	if propagate {
		e.propagate = true
	}
	e.requested = true

	switch {
	case e.cooldown != nil:
		evs = append(evs, Event{Type: EventCooldownCoalesced, Time: now, Node: id, Mode: e.mode})
	case e.running || e.scheduled:
		evs = append(evs, Event{Type: EventScheduleCoalesced, Time: now, Node: id, Mode: e.mode})
	default:
		evs = append(evs, m.scheduleLocked(e, now))
	}
	m.mu.Unlock()

	m.emit(evs...)
	return nil
}

func (m *Manager) newEntryLocked(id string) *entry {
	e := &entry{id: id}
	e.debounce = NewDebouncer(m.delay, func() { m.run(e) })
	m.entries[id] = e
	return e
}

// scheduleLocked arms either the cooldown timer or the debounce window for
// an idle entry.
func (m *Manager) scheduleLocked(e *entry, now time.Time) Event {
	var idle time.Duration
	if !e.lastRunEndedAt.IsZero() {
		idle = now.Sub(e.lastRunEndedAt)
	}
	e.scheduled = true
	e.lastScheduledAt = now

	if m.cooldown > 0 && now.Before(e.cooldownUntil) {
		wait := e.cooldownUntil.Sub(now)
		if m.adaptiveMin > 0 && m.adaptiveMin < wait {
			wait = m.adaptiveMin
		}
		e.cooldownGen++
		gen := e.cooldownGen
		e.cooldown = time.AfterFunc(wait, func() { m.cooldownFired(e, gen) })
		return Event{Type: EventCooldownDefer, Time: now, Node: e.id, Mode: e.mode, Delay: wait, Idle: idle}
	}

	e.debounce.Call()
	return Event{Type: EventSchedule, Time: now, Node: e.id, Mode: e.mode, Idle: idle}
}

func (m *Manager) cooldownFired(e *entry, gen uint64) {
	m.mu.Lock()
	if e.closed || e.cooldown == nil || e.cooldownGen != gen {
		m.mu.Unlock()
		return
	}
	ev := m.promoteCooldownLocked(e, time.Now())
	m.mu.Unlock()
	m.emit(ev)
	// The cooldown already was the wait; do not add a debounce window on top.
	_ = e.debounce.Flush(context.Background())
}

func (m *Manager) promoteCooldownLocked(e *entry, now time.Time) Event {
	e.cooldown.Stop()
	e.cooldown = nil
	e.cooldownGen++
	e.debounce.Call()
	return Event{Type: EventCooldownRun, Time: now, Node: e.id, Mode: e.mode}
}

// run is the debounce action for e.
func (m *Manager) run(e *entry) {
	done := make(chan struct{})

	m.mu.Lock()
	// A closed-then-recreated entry may still have an untracked run in
	// flight for the same id; wait for it.
	for {
		prev, busy := m.inflight[e.id]
		if !busy {
			break
		}
		m.mu.Unlock()
		<-prev
		m.mu.Lock()
	}
	if e.closed {
		e.scheduled = false
		m.mu.Unlock()
		return
	}
	m.inflight[e.id] = done

	mode := e.mode
	opt := Options{OnlyReplies: mode == Replies, SkipAncestors: !e.propagate}
	e.mode = Replies
	e.propagate = false
	e.requested = false
	e.scheduled = false
	e.running = true
	node := e.node
	m.mu.Unlock()

	runID := uuid.NewString()
	start := time.Now()
	m.emit(Event{Type: EventRunStart, Time: start, Node: e.id, Mode: mode, RunID: runID})

	err := m.invoke(node, opt)

	end := time.Now()
	var runErr error
	if err != nil {
		runErr = &RunError{NodeID: e.id, Mode: mode, Err: err}
	}
	evs := []Event{{Type: EventRunEnd, Time: end, Node: e.id, Mode: mode, RunID: runID, Duration: end.Sub(start), Err: runErr}}

	m.mu.Lock()
	if m.inflight[e.id] == done {
		delete(m.inflight, e.id)
	}
	close(done)
	e.running = false
	e.runs++
	e.lastRunEndedAt = end
	if m.cooldown > 0 {
		e.cooldownUntil = end.Add(m.cooldown)
	} else {
		e.cooldownUntil = time.Time{}
	}
	m.totalRuns++
	if runErr != nil {
		m.failures++
	}
	if !e.closed && e.requested && !e.scheduled {
		evs = append(evs, m.scheduleLocked(e, end))
	}
	m.mu.Unlock()

	if runErr != nil {
		m.report(node, runErr)
	}
	m.emit(evs...)
}

func (m *Manager) invoke(node Node, opt Options) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
			m.log.Error("reindex func panicked", logx.String("node", node.ID()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return m.reindex(m.ctx, node, opt)
}

func (m *Manager) report(node Node, err error) {
	if m.onError != nil {
		m.onError(node, err)
		return
	}
	m.log.Warn("reindex failed", logx.String("node", node.ID()), logx.Err(err))
}

// Flush drives the entry for id until it is neither scheduled nor running.
// A pending cooldown timer is promoted so the run happens now. Unknown ids
// are a no-op.
func (m *Manager) Flush(ctx context.Context, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	m.emit(Event{Type: EventFlushStart, Time: start, Node: id})
	err := m.flush(ctx, id)
	m.emit(Event{Type: EventFlushEnd, Time: time.Now(), Node: id, Duration: time.Since(start), Err: err})
	return err
}

func (m *Manager) flush(ctx context.Context, id string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var evs []Event
		m.mu.Lock()
		e := m.entries[id]
		if e == nil {
			m.mu.Unlock()
			return nil
		}
		if e.cooldown != nil && !e.running {
			evs = append(evs, m.promoteCooldownLocked(e, time.Now()))
		}
		pending := e.scheduled || e.running
		d := e.debounce
		m.mu.Unlock()
		m.emit(evs...)

		if !pending {
			return nil
		}
		if err := d.Flush(ctx); err != nil {
			return err
		}
	}
}

// FlushAll flushes every pending entry concurrently, in rounds, until no
// entry is pending. Work scheduled by runs (ancestors) is drained too.
func (m *Manager) FlushAll(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	m.emit(Event{Type: EventFlushStart, Time: start})

	var err error
	for {
		ids := m.pendingIDs()
		if len(ids) == 0 {
			break
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, id := range ids {
			g.Go(func() error { return m.flush(gctx, id) })
		}
		if err = g.Wait(); err != nil {
			break
		}
	}

	m.emit(Event{Type: EventFlushEnd, Time: time.Now(), Duration: time.Since(start), Err: err})
	return err
}

func (m *Manager) pendingIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.entries))
	for id, e := range m.entries {
		if e.scheduled || e.running {
			ids = append(ids, id)
		}
	}
	return ids
}

// Close cancels the timers of id and forgets it. A run in flight finishes
// on its own but is no longer tracked. Unknown ids are a no-op.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entries[id]; e != nil {
		delete(m.entries, id)
		closeEntryLocked(e)
	}
}

// CloseAll closes every entry.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		delete(m.entries, id)
		closeEntryLocked(e)
	}
}

func closeEntryLocked(e *entry) {
	e.closed = true
	e.scheduled = false
	if e.cooldown != nil {
		e.cooldown.Stop()
		e.cooldown = nil
		e.cooldownGen++
	}
	e.debounce.Close()
}

// Size returns the number of tracked entries.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Pending reports whether id is scheduled or running.
func (m *Manager) Pending(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	return e != nil && (e.scheduled || e.running)
}

// Running reports whether a run for id is in flight.
func (m *Manager) Running(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	return e != nil && e.running
}

// Stats returns the manager-wide run counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	per := make(map[string]int, len(m.entries))
	for id, e := range m.entries {
		per[id] = e.runs
	}
	return Stats{TotalRuns: m.totalRuns, Failures: m.failures, PerNodeRuns: per}
}

// Snapshot returns every entry sorted by id.
func (m *Manager) Snapshot() []EntrySnapshot {
	now := time.Now()
	m.mu.Lock()
	out := make([]EntrySnapshot, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.snapshot(now))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) emit(evs ...Event) {
	if m.obs == nil {
		return
	}
	for _, e := range evs {
		m.obs.Observe(e)
	}
}
