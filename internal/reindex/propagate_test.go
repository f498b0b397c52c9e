package reindex

import (
	"context"
	"errors"
	"testing"
)

type captureScheduler struct {
	reqs []Request
	fail string
}

func (c *captureScheduler) Add(req Request) error {
	if req.Node.ID() == c.fail {
		return errors.New("rejected")
	}
	c.reqs = append(c.reqs, req)
	return nil
}

type loopNode struct {
	id        string
	ancestors []Node
	err       error
}

func (n *loopNode) ID() string { return n.id }

func (n *loopNode) Ancestors(context.Context) ([]Node, error) { return n.ancestors, n.err }

func TestPropagateAncestorsNearestFirst(t *testing.T) {
	nodes := chain("root", "a", "b", "leaf")
	s := &captureScheduler{}
	if err := PropagateAncestors(context.Background(), s, nodes[3]); err != nil {
		t.Fatalf("PropagateAncestors: %v", err)
	}
	want := []string{"b", "a", "root"}
	if len(s.reqs) != len(want) {
		t.Fatalf("got %d requests, want %d", len(s.reqs), len(want))
	}
	for i, r := range s.reqs {
		if r.Node.ID() != want[i] {
			t.Fatalf("request %d = %s, want %s", i, r.Node.ID(), want[i])
		}
		if !r.OnlyReplies || !r.SkipAncestors {
			t.Fatalf("request %d has wrong options: %+v", i, r)
		}
	}
}

func TestPropagateAncestorsStopsAtCycle(t *testing.T) {
	a := &loopNode{id: "a"}
	b := &loopNode{id: "b"}
	leaf := &loopNode{id: "leaf", ancestors: []Node{a, leaf0(), b, a}}
	s := &captureScheduler{}
	if err := PropagateAncestors(context.Background(), s, leaf); err != nil {
		t.Fatalf("PropagateAncestors: %v", err)
	}
	// a, then b, then the self reference cuts the walk.
	if len(s.reqs) != 2 || s.reqs[0].Node.ID() != "a" || s.reqs[1].Node.ID() != "b" {
		t.Fatalf("unexpected requests: %+v", s.reqs)
	}
}

func leaf0() Node { return &loopNode{id: "leaf"} }

func TestPropagateAncestorsErrors(t *testing.T) {
	boom := errors.New("boom")
	if err := PropagateAncestors(context.Background(), &captureScheduler{}, &loopNode{id: "x", err: boom}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	nodes := chain("root", "mid", "leaf")
	s := &captureScheduler{fail: "mid"}
	err := PropagateAncestors(context.Background(), s, nodes[2])
	if err == nil {
		t.Fatal("expected error for rejected ancestor")
	}
	if len(s.reqs) != 1 || s.reqs[0].Node.ID() != "root" {
		t.Fatalf("remaining ancestors not scheduled: %+v", s.reqs)
	}
	if err := PropagateAncestors(context.Background(), nil, nodes[2]); err != nil {
		t.Fatalf("nil scheduler: %v", err)
	}
}
