package reindex

import (
	"time"

	logx "canvasindex/pkg/logx"
)

// EventType names a scheduler lifecycle event.
type EventType string

const (
	EventSchedule          EventType = "schedule"
	EventScheduleCoalesced EventType = "schedule:coalesced"
	EventModeUpgrade       EventType = "mode:upgrade"
	EventRunStart          EventType = "run:start"
	EventRunEnd            EventType = "run:end"
	EventCooldownDefer     EventType = "cooldown:defer"
	EventCooldownRun       EventType = "cooldown:run"
	EventCooldownCoalesced EventType = "cooldown:coalesced"
	EventFlushStart        EventType = "flush:start"
	EventFlushEnd          EventType = "flush:end"
)

// Event is advisory instrumentation. Nothing in the scheduler depends on
// observers seeing it.
type Event struct {
	Type EventType
	Time time.Time
	Node string
	Mode Strength

	// RunID is set on run:start and run:end.
	RunID string
	// Delay is the debounce or cooldown wait that was armed.
	Delay time.Duration
	// Idle is the gap since the previous run ended (schedule events only).
	Idle time.Duration
	// Duration is the run time (run:end) or flush time (flush:end).
	Duration time.Duration
	Err      error
}

// Observer receives scheduler events. Observe is called outside the
// manager's lock and must not block for long.
type Observer interface {
	Observe(e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// MultiObserver fans events out to every non-nil observer in order.
func MultiObserver(obs ...Observer) Observer {
	out := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

type multiObserver []Observer

func (m multiObserver) Observe(e Event) {
	for _, o := range m {
		o.Observe(e)
	}
}

// LogObserver writes every event at trace level, and failed runs at warn.
func LogObserver(log logx.Logger) Observer {
	return ObserverFunc(func(e Event) {
		fields := []logx.Field{
			logx.String("event", string(e.Type)),
			logx.String("node", e.Node),
			logx.String("mode", e.Mode.String()),
		}
		if e.RunID != "" {
			fields = append(fields, logx.String("run", e.RunID))
		}
		if e.Delay > 0 {
			fields = append(fields, logx.Duration("delay", e.Delay))
		}
		if e.Duration > 0 {
			fields = append(fields, logx.Duration("took", e.Duration))
		}
		if e.Err != nil {
			log.Warn("reindex run failed", append(fields, logx.Err(e.Err))...)
			return
		}
		log.Trace("reindex event", fields...)
	})
}
