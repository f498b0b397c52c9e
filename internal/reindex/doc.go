// Package reindex schedules recomputation of derived state for the nodes of
// a tree.
//
// A Manager owns one entry per node id. Requests coalesce into a single
// pending run per node, escalate from Replies to Full without losing earlier
// intent, and never overlap for the same node. Runs are delayed by a
// leading-edge debounce window and, after completion, by an optional cooldown
// window.
//
// The manager does not walk ancestors itself. A reindex Func that wants its
// ancestors refreshed calls PropagateAncestors once its own work is done;
// ancestors are then scheduled at Replies strength with SkipAncestors set, so
// they never recurse.
package reindex
