package reindex

import (
	"context"
	"sync"
	"testing"
	"time"
)

type testNode struct {
	id     string
	parent *testNode
}

func (n *testNode) ID() string { return n.id }

func (n *testNode) Ancestors(ctx context.Context) ([]Node, error) {
	var chain []Node
	for p := n.parent; p != nil; p = p.parent {
		chain = append([]Node{p}, chain...)
	}
	return chain, nil
}

func chain(ids ...string) []*testNode {
	out := make([]*testNode, len(ids))
	var parent *testNode
	for i, id := range ids {
		out[i] = &testNode{id: id, parent: parent}
		parent = out[i]
	}
	return out
}

type runRecord struct {
	id    string
	opt   Options
	start time.Time
	end   time.Time
}

// recorder is a reindex Func that records every run and tracks per-id
// concurrency.
type recorder struct {
	mu       sync.Mutex
	runs     []runRecord
	inflight map[string]int
	maxPer   map[string]int

	hold  time.Duration
	after func(ctx context.Context, node Node, opt Options) error
}

func newRecorder() *recorder {
	return &recorder{inflight: map[string]int{}, maxPer: map[string]int{}}
}

func (r *recorder) Reindex(ctx context.Context, node Node, opt Options) error {
	id := node.ID()
	start := time.Now()
	r.mu.Lock()
	r.inflight[id]++
	if r.inflight[id] > r.maxPer[id] {
		r.maxPer[id] = r.inflight[id]
	}
	r.mu.Unlock()

	if r.hold > 0 {
		time.Sleep(r.hold)
	}

	r.mu.Lock()
	r.inflight[id]--
	r.runs = append(r.runs, runRecord{id: id, opt: opt, start: start, end: time.Now()})
	r.mu.Unlock()

	if r.after != nil {
		return r.after(ctx, node, opt)
	}
	return nil
}

func (r *recorder) runsFor(id string) []runRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []runRecord
	for _, rr := range r.runs {
		if rr.id == id {
			out = append(out, rr)
		}
	}
	return out
}

func (r *recorder) maxConcurrency(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxPer[id]
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.CloseAll)
	return m
}

func flushAll(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.FlushAll(ctx); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
}

func mustAdd(t *testing.T, m *Manager, req Request) {
	t.Helper()
	if err := m.Add(req); err != nil {
		t.Fatalf("Add(%s): %v", req.Node.ID(), err)
	}
}
