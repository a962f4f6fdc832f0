package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrVersionConflict is returned by CompareAndSwap when the stored version moved on.
	ErrVersionConflict = errors.New("task version conflict")
	// ErrDuplicateExecution is returned by AppendExecution when the slot is already recorded.
	ErrDuplicateExecution = errors.New("execution already recorded for slot")
	ErrTaskNotFound       = errors.New("task not found")
)

// ScheduleError reports a schedule expression that cannot be evaluated.
type ScheduleError struct {
	Expr string
	Err  error
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule %q: %v", e.Expr, e.Err)
}

func (e *ScheduleError) Unwrap() error { return e.Err }

// DispatchError is a failed notification attempt.
type DispatchError struct {
	TaskID  int64
	Slot    time.Time
	Attempt int
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("task %d slot %s attempt %d: %v", e.TaskID, e.Slot.Format(time.RFC3339), e.Attempt, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// StoreError wraps a persistence failure. The affected pass is retried later.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IsStoreError reports whether err came from the task store or execution log.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
