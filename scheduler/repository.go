package scheduler

import (
	"context"
	"time"
)

// TaskStore is the durable table of task definitions.
type TaskStore interface {
	ListEnabled(ctx context.Context) ([]Task, error)
	Get(ctx context.Context, id int64) (Task, error)
	// CompareAndSwap persists task if the stored version still equals task.Version and
	// returns the stored task with its incremented version. A stale base version yields
	// ErrVersionConflict.
	CompareAndSwap(ctx context.Context, task Task) (Task, error)
}

// ExecutionLog is the append-only record of (task, slot) firings.
type ExecutionLog interface {
	HasExecution(ctx context.Context, taskID int64, slot time.Time) (bool, error)
	// AppendExecution returns ErrDuplicateExecution if the slot is already recorded.
	AppendExecution(ctx context.Context, e Execution) error
	// LatestSlot returns the newest recorded slot of a task, if any.
	LatestSlot(ctx context.Context, taskID int64) (time.Time, bool, error)
}

// Store is what the engine needs from persistence.
type Store interface {
	TaskStore
	ExecutionLog
}
