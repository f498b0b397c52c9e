package reindex

import (
	"context"
	"errors"
	"fmt"
)

// PropagateAncestors schedules a Replies run for every ancestor of node,
// nearest first, with SkipAncestors set so the ancestors do not propagate
// again. Each id is scheduled at most once; a chain that loops back on
// itself is cut at the first repeat.
func PropagateAncestors(ctx context.Context, s Scheduler, node Node) error {
	if s == nil || node == nil {
		return nil
	}
	ancestors, err := node.Ancestors(ctx)
	if err != nil {
		return fmt.Errorf("ancestors of %s: %w", node.ID(), err)
	}

	seen := map[string]struct{}{node.ID(): {}}
	var errs []error
	for i := len(ancestors) - 1; i >= 0; i-- {
		a := ancestors[i]
		if a == nil {
			continue
		}
		id := a.ID()
		if _, dup := seen[id]; dup {
			break
		}
		seen[id] = struct{}{}
		if err := s.Add(Request{Node: a, OnlyReplies: true, SkipAncestors: true}); err != nil {
			errs = append(errs, fmt.Errorf("schedule ancestor %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
