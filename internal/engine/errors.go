package engine

import (
	"fmt"

	"fieldline/internal/domain"
)

// InvalidTransitionError rejects a state change outside the lifecycle graph.
type InvalidTransitionError struct {
	From domain.BlockState
	To   domain.BlockState
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid block transition %s -> %s", e.From, e.To)
}

// IncompleteCropProfileError indicates a crop profile (or the block's
// planning data) lacks a date the destination state needs.
type IncompleteCropProfileError struct {
	Crop  string
	Field string
}

func (e IncompleteCropProfileError) Error() string {
	return fmt.Sprintf("crop profile %s incomplete: missing %s", e.Crop, e.Field)
}

// ConcurrentModificationError reports a lost version race on a block. The
// operation left no partial state behind and is safe to retry.
type ConcurrentModificationError struct {
	BlockID string
}

func (e ConcurrentModificationError) Error() string {
	return fmt.Sprintf("block %s modified concurrently; retry", e.BlockID)
}

// AlreadyCompletedError reports that a conditional task update lost the
// race or targeted a settled record. Not retryable.
type AlreadyCompletedError struct {
	TaskID string
	Status domain.TaskStatus
}

func (e AlreadyCompletedError) Error() string {
	return fmt.Sprintf("task %s already %s", e.TaskID, e.Status)
}

// TaskPersistenceError wraps a failed candidate-batch insert. The batch has
// been rolled back and the block state is unchanged; safe to retry.
type TaskPersistenceError struct {
	Err error
}

func (e TaskPersistenceError) Error() string {
	return fmt.Sprintf("task persistence failed: %v", e.Err)
}

func (e TaskPersistenceError) Unwrap() error { return e.Err }
