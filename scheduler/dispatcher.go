package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"appointments/notify"
)

// DispatchConfig holds the dispatcher policy.
type DispatchConfig struct {
	// DefaultTimeout applies to tasks without their own timeout.
	DefaultTimeout time.Duration
	// Between attempts the dispatcher waits BackoffBase*attempt, at most BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// CASRetries bounds the re-read/re-apply loop on version conflicts.
	CASRetries        int
	AlertTimeout      time.Duration
	MonitorRecipients []string
}

func (c DispatchConfig) withDefaults() DispatchConfig {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.BackoffBase < 0 {
		c.BackoffBase = 0
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	if c.CASRetries <= 0 {
		c.CASRetries = 5
	}
	if c.AlertTimeout <= 0 {
		c.AlertTimeout = 10 * time.Second
	}
	return c
}

// Dispatcher performs a task's notification for one slot and records the outcome.
type Dispatcher struct {
	store   Store
	gateway notify.Gateway
	clock   Clock
	cfg     DispatchConfig
	logger  *zap.SugaredLogger

	alerts sync.WaitGroup
}

func NewDispatcher(store Store, gateway notify.Gateway, clock Clock, cfg DispatchConfig, logger *zap.SugaredLogger) *Dispatcher {
	if clock == nil {
		clock = SystemClock()
	}
	return &Dispatcher{
		store:   store,
		gateway: gateway,
		clock:   clock,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Execute runs up to task.Retries+1 attempts for slot, appends exactly one Execution and
// updates the task's last execution and status. The caller must hold the slot claim and
// have checked the execution log. A failed notification is not an error: it is recorded
// as a FAILURE execution. Errors are store problems or ErrDuplicateExecution.
func (d *Dispatcher) Execute(ctx context.Context, task Task, slot time.Time) (Execution, error) {
	maxAttempts := task.Retries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := d.attempt(attemptCtx, task, slot)
		cancel()
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = &DispatchError{TaskID: task.ID, Slot: slot, Attempt: attempt, Err: err}
		d.logger.Warnf("task %d(%s) slot %s attempt %d/%d failed: %v",
			task.ID, task.Name, slot.Format(time.RFC3339), attempt, maxAttempts, err)
		if notify.IsPermanent(err) || attempt == maxAttempts {
			break
		}
		if err := sleepCtx(ctx, d.backoff(attempt)); err != nil {
			break
		}
	}

	exec := Execution{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		ScheduledAt: slot,
		ExecutedAt:  d.clock.Now(),
		Status:      StatusSuccess,
		Attempts:    attempts,
		Simulated:   task.Development,
	}
	if lastErr != nil {
		exec.Status = StatusFailure
		exec.Error = lastErr.Error()
	}

	if err := d.appendExecution(ctx, exec); err != nil {
		return exec, err
	}

	last := slot
	if err := d.updateTask(ctx, task.ID, func(t *Task) bool {
		if t.LastExecution != nil && !slot.After(*t.LastExecution) {
			return false
		}
		t.LastExecution = &last
		t.LastStatus = exec.Status
		return true
	}); err != nil {
		d.logger.Errorf("update status of task %d after slot %s failed: %v", task.ID, slot.Format(time.RFC3339), err)
	}

	if exec.Status == StatusFailure {
		d.logger.Errorf("task %d(%s) slot %s failed after %d attempts: %s",
			task.ID, task.Name, slot.Format(time.RFC3339), attempts, exec.Error)
		if task.Monitoring {
			d.alert(task, exec)
		}
	} else {
		d.logger.Infof("task %d(%s) slot %s done in %d attempt(s)", task.ID, task.Name, slot.Format(time.RFC3339), attempts)
	}
	return exec, nil
}

// MarkFailed records lastStatus = FAILURE without touching lastExecution. Used for
// tasks whose schedule cannot be evaluated.
func (d *Dispatcher) MarkFailed(ctx context.Context, taskID int64) error {
	return d.updateTask(ctx, taskID, func(t *Task) bool {
		if t.LastStatus == StatusFailure {
			return false
		}
		t.LastStatus = StatusFailure
		return true
	})
}

// WaitAlerts blocks until in-flight monitoring alerts have finished.
func (d *Dispatcher) WaitAlerts() {
	d.alerts.Wait()
}

func (d *Dispatcher) attempt(ctx context.Context, task Task, slot time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			d.logger.Errorf("task %d attempt panicked: %v\n%s", task.ID, r, debug.Stack())
		}
	}()
	to, payload := notification(task, slot)
	if task.Development {
		d.logger.Infof("[development] task %d(%s) slot %s: would send %s to %v %v %s",
			task.ID, task.Name, slot.Format(time.RFC3339), to.Kind, to.Phones, to.Groups, to.Endpoint)
		return nil
	}
	return d.gateway.Send(ctx, to, payload)
}

func (d *Dispatcher) appendExecution(ctx context.Context, exec Execution) error {
	var err error
	for i := 0; i < d.cfg.CASRetries; i++ {
		err = d.store.AppendExecution(ctx, exec)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrDuplicateExecution) {
			d.logger.Warnf("task %d slot %s already recorded by another dispatcher", exec.TaskID, exec.ScheduledAt.Format(time.RFC3339))
			return err
		}
		if sleepCtx(ctx, d.backoff(i+1)) != nil {
			break
		}
	}
	return storeErr("append execution", err)
}

// updateTask applies mutate to a fresh copy of the task and compare-and-swaps it,
// re-reading on version conflicts. mutate returns false when there is nothing to write.
func (d *Dispatcher) updateTask(ctx context.Context, taskID int64, mutate func(t *Task) bool) error {
	for i := 0; i < d.cfg.CASRetries; i++ {
		task, err := d.store.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if !mutate(&task) {
			return nil
		}
		_, err = d.store.CompareAndSwap(ctx, task)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		d.logger.Debugf("task %d version %d conflict, retrying", taskID, task.Version)
	}
	return fmt.Errorf("task %d: %w after %d attempts", taskID, ErrVersionConflict, d.cfg.CASRetries)
}

func (d *Dispatcher) alert(task Task, exec Execution) {
	if len(d.cfg.MonitorRecipients) == 0 {
		d.logger.Warnf("task %d has monitoring enabled but no monitoring recipients are configured", task.ID)
		return
	}
	d.alerts.Add(1)
	go func() {
		defer d.alerts.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.AlertTimeout)
		defer cancel()
		msg := fmt.Sprintf("Task %q (#%d) failed for %s after %d attempt(s): %s",
			task.Name, task.ID, exec.ScheduledAt.Format("2006-01-02 15:04:05"), exec.Attempts, exec.Error)
		err := d.gateway.Send(ctx,
			notify.Recipient{Kind: notify.KindMessage, Phones: d.cfg.MonitorRecipients},
			notify.Payload{TaskID: task.ID, TaskName: task.Name, Slot: exec.ScheduledAt, Message: msg})
		if err != nil {
			d.logger.Errorf("monitoring alert for task %d failed: %v", task.ID, err)
		}
	}()
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BackoffBase * time.Duration(attempt)
	if delay > d.cfg.BackoffMax {
		delay = d.cfg.BackoffMax
	}
	return delay
}

func notification(task Task, slot time.Time) (notify.Recipient, notify.Payload) {
	kind := notify.KindMessage
	if task.RecipientType == RecipientAPI {
		kind = notify.KindAPI
	}
	return notify.Recipient{
			Kind:     kind,
			Endpoint: task.Endpoint,
			Phones:   task.Recipients,
			Groups:   task.Groups,
		}, notify.Payload{
			TaskID:   task.ID,
			TaskName: task.Name,
			Slot:     slot,
			Message:  task.Message,
			ImageURL: task.ImageURL,
		}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
