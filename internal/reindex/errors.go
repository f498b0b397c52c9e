package reindex

import (
	"errors"
	"fmt"
)

var (
	ErrNoReindexFunc = errors.New("reindex: Reindex func is required")
	ErrInvalidNode   = errors.New("reindex: node is nil or has an empty id")
	ErrPanic         = errors.New("reindex: panic in reindex func")
)

// RunError is reported through Config.OnError and Event.Err when a run fails.
type RunError struct {
	NodeID string
	Mode   Strength
	Err    error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("reindex %s (%s): %v", e.NodeID, e.Mode, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

func panicError(p any) error {
	if err, ok := p.(error); ok {
		return fmt.Errorf("%w: %w", ErrPanic, err)
	}
	return fmt.Errorf("%w: %v", ErrPanic, p)
}
