package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const DefaultRefreshInterval = 5 * time.Minute

// TaskCache holds an immutable snapshot of the enabled tasks. Refresh swaps the whole
// snapshot, so readers never see a partial view and never wait for a refresh.
type TaskCache struct {
	repo            TaskStore
	eval            *Evaluator
	logger          *zap.SugaredLogger
	refreshInterval time.Duration

	tasks atomic.Pointer[[]compiledTask]
}

func NewTaskCache(repo TaskStore, eval *Evaluator, logger *zap.SugaredLogger, refreshInterval time.Duration) *TaskCache {
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}
	return &TaskCache{
		repo:            repo,
		eval:            eval,
		logger:          logger,
		refreshInterval: refreshInterval,
	}
}

// Start runs the periodic refresh until ctx is done. Call Load first.
func (c *TaskCache) Start(ctx context.Context) {
	go c.loop(ctx)
}

func (c *TaskCache) loop(ctx context.Context) {
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Load(ctx); err != nil {
				c.logger.Errorf("refresh tasks failed, keeping previous snapshot: %v", err)
			}
		}
	}
}

// Load reads the enabled tasks from the store and publishes them.
func (c *TaskCache) Load(ctx context.Context) error {
	tasks, err := c.repo.ListEnabled(ctx)
	if err != nil {
		return storeErr("load tasks", err)
	}
	c.Refresh(tasks)
	return nil
}

// Refresh compiles tasks and replaces the snapshot. Tasks with a malformed schedule
// stay in the snapshot with their compile error so the failure can be reported.
func (c *TaskCache) Refresh(tasks []Task) {
	compiled := make([]compiledTask, 0, len(tasks))
	for _, task := range tasks {
		if !task.Enabled {
			continue
		}
		ct := compiledTask{Task: task}
		ct.Schedule, ct.Err = c.eval.Compile(task.Schedule)
		if ct.Err != nil {
			c.logger.Warnf("compile schedule failed for task %d(%s): %v", task.ID, task.Name, ct.Err)
		}
		compiled = append(compiled, ct)
	}
	c.tasks.Store(&compiled)
	c.logger.Debugf("task cache refreshed: %d enabled tasks", len(compiled))
}

// Snapshot returns the current published tasks. The slice is shared and must not be modified.
func (c *TaskCache) Snapshot() []compiledTask {
	p := c.tasks.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Loaded reports whether a snapshot has been published.
func (c *TaskCache) Loaded() bool {
	return c.tasks.Load() != nil
}
