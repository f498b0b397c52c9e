package reindex

import "context"

// Node is the external entity whose derived state gets recomputed.
//
// ID must be stable; it is the only identity the manager uses. Ancestors
// returns the chain ordered root first, parent last.
type Node interface {
	ID() string
	Ancestors(ctx context.Context) ([]Node, error)
}

// Options is passed to the reindex Func for one run.
type Options struct {
	OnlyReplies   bool
	SkipAncestors bool
}

// Func recomputes derived state for node.
type Func func(ctx context.Context, node Node, opt Options) error

// Request asks the manager to schedule a run for Node.
//
// PropagateParents nil means the manager default. A request with
// PropagateParents false behaves like SkipAncestors.
type Request struct {
	Node             Node
	OnlyReplies      bool
	SkipAncestors    bool
	PropagateParents *bool
}

// Scheduler accepts reindex requests. *Manager implements it.
type Scheduler interface {
	Add(req Request) error
}

// Bool returns a pointer to v, for Request.PropagateParents.
func Bool(v bool) *bool { return &v }
