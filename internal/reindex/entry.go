package reindex

import "time"

// entry is the scheduler state for one node id. All fields except debounce
// are guarded by Manager.mu.
type entry struct {
	id   string
	node Node

	// mode is the strength the next run executes at. It is reset to Replies
	// when a run starts so upgrades during the run are not absorbed by it.
	mode Strength
	// propagate is set when any request since the last run start wants
	// ancestors refreshed.
	propagate bool
	// requested is set by every Add and cleared at run start; a run that
	// finishes with it set schedules a follow-up.
	requested bool

	running   bool
	scheduled bool
	closed    bool
	runs      int

	cooldownUntil time.Time
	cooldown      *time.Timer
	cooldownGen   uint64

	debounce *Debouncer

	lastScheduledAt time.Time
	lastRunEndedAt  time.Time
}

// EntrySnapshot is a point-in-time view of one entry, for diagnostics.
type EntrySnapshot struct {
	ID             string    `json:"id"`
	Mode           string    `json:"mode"`
	Running        bool      `json:"running"`
	Scheduled      bool      `json:"scheduled"`
	CoolingDown    bool      `json:"cooling_down"`
	Runs           int       `json:"runs"`
	CooldownUntil  time.Time `json:"cooldown_until,omitempty"`
	LastScheduled  time.Time `json:"last_scheduled,omitempty"`
	LastRunEndedAt time.Time `json:"last_run_ended_at,omitempty"`
}

func (e *entry) snapshot(now time.Time) EntrySnapshot {
	return EntrySnapshot{
		ID:             e.id,
		Mode:           e.mode.String(),
		Running:        e.running,
		Scheduled:      e.scheduled,
		CoolingDown:    now.Before(e.cooldownUntil),
		Runs:           e.runs,
		CooldownUntil:  e.cooldownUntil,
		LastScheduled:  e.lastScheduledAt,
		LastRunEndedAt: e.lastRunEndedAt,
	}
}

// Stats summarises completed runs.
type Stats struct {
	TotalRuns   int            `json:"total_runs"`
	Failures    int            `json:"failures"`
	PerNodeRuns map[string]int `json:"per_node_runs"`
}
