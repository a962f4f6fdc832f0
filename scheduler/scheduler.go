package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"appointments/worker"
)

const DefaultTickInterval = time.Second

type Options struct {
	TickInterval time.Duration
	// CatchUpMaxAge limits how far back catch-up replays. Zero replays everything.
	CatchUpMaxAge time.Duration
	Workers       int
}

// Scheduler owns the cache, store, evaluator, dispatcher and clock of one scheduler
// process. Start runs catch-up and then the due-check loop.
type Scheduler struct {
	cache      *TaskCache
	store      Store
	eval       *Evaluator
	dispatcher *Dispatcher
	claimer    Claimer
	clock      Clock
	pool       *worker.Pool
	logger     *zap.SugaredLogger
	opts       Options

	// dispatchCtx is not cancelled on Stop: in-flight attempts end within their own timeout.
	dispatchCtx context.Context

	mu          sync.Mutex
	lastChecked time.Time
	checkpoints map[int64]time.Time
	// pending holds tasks whose catch-up must be resubmitted, with the slot to resume
	// from (zero when the start has to be recomputed).
	pending     map[int64]time.Time
	reported    map[int64]int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler wires the engine. extra, when not nil, is consulted after the in-process
// claim, e.g. a RedisClaimer shared by several instances.
func NewScheduler(cache *TaskCache, store Store, eval *Evaluator, dispatcher *Dispatcher, extra Claimer, clock Clock, opts Options, logger *zap.SugaredLogger) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	var claimer Claimer = newSlotLock()
	if extra != nil {
		claimer = chainClaimer{claimer, extra}
	}
	s := &Scheduler{
		cache:       cache,
		store:       store,
		eval:        eval,
		dispatcher:  dispatcher,
		claimer:     claimer,
		clock:       clock,
		logger:      logger,
		opts:        opts,
		dispatchCtx: context.Background(),
		checkpoints: make(map[int64]time.Time),
		pending:     make(map[int64]time.Time),
		reported:    make(map[int64]int64),
	}
	s.pool = worker.NewPool(opts.Workers, func(key int64, r interface{}) {
		s.logger.Errorf("task %d job panicked: %v", key, r)
	})
	return s
}

// Start loads the cache, runs catch-up to completion and then arms the due-check loop
// and the periodic cache refresh.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.cache.Load(ctx); err != nil {
		return fmt.Errorf("initial task load: %w", err)
	}
	s.dispatchCtx = context.WithoutCancel(ctx)

	now := s.clock.Now()
	s.CatchUp(now)

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.cache.Start(loopCtx)
	go s.loop(loopCtx)
	s.logger.Infof("scheduler started: %d tasks, tick %s", len(s.cache.Snapshot()), s.opts.TickInterval)
	return nil
}

// Stop halts the loops and waits for queued and in-flight dispatches to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.pool.Wait()
	s.dispatcher.WaitAlerts()
	s.logger.Infof("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(s.clock.Now())
		}
	}
}

// CatchUp replays, for every cached task, the slots missed between its last recorded
// execution and now. It returns when every replayed slot has been dispatched.
func (s *Scheduler) CatchUp(now time.Time) {
	tasks := s.cache.Snapshot()
	s.mu.Lock()
	s.lastChecked = now
	s.checkpoints = make(map[int64]time.Time)
	s.mu.Unlock()

	for _, ct := range tasks {
		if ct.Err != nil {
			s.reportScheduleError(ct)
			continue
		}
		s.submitCatchUp(ct, now, time.Time{})
	}
	s.pool.Wait()
	s.logger.Infof("catch-up finished for %d tasks", len(tasks))
}

func (s *Scheduler) submitCatchUp(ct compiledTask, now, resume time.Time) {
	task := ct.Task
	s.pool.Submit(task.ID, func() {
		since := resume
		if since.IsZero() {
			start, ok, err := s.catchUpStart(s.dispatchCtx, task, now)
			if err != nil {
				s.logger.Errorf("catch-up of task %d postponed: %v", task.ID, err)
				s.markPending(task.ID, time.Time{})
				return
			}
			if !ok {
				return
			}
			since = start
		}
		slots := s.eval.AllSlots(ct.Schedule, since, now)
		if len(slots) > 0 {
			s.logger.Infof("catch-up of task %d(%s): %d missed slots since %s", task.ID, task.Name, len(slots), since.Format(time.RFC3339))
		}
		if failed, ok := s.runSlots(task, slots); !ok {
			s.logger.Warnf("catch-up of task %d stopped at %s, retrying on next tick", task.ID, failed.Format(time.RFC3339))
			s.markPending(task.ID, failed.Add(-time.Nanosecond))
		}
	})
}

func (s *Scheduler) markPending(taskID int64, resume time.Time) {
	s.mu.Lock()
	s.pending[taskID] = resume
	s.mu.Unlock()
}

// catchUpStart finds the instant after which slots count as missed: the newest of
// task.LastExecution and the newest logged slot, else the creation time.
func (s *Scheduler) catchUpStart(ctx context.Context, task Task, now time.Time) (time.Time, bool, error) {
	var since time.Time
	if task.LastExecution != nil {
		since = *task.LastExecution
	}
	latest, ok, err := s.store.LatestSlot(ctx, task.ID)
	if err != nil {
		return time.Time{}, false, storeErr("latest slot", err)
	}
	if ok && latest.After(since) {
		since = latest
	}
	if since.IsZero() {
		if task.CreatedAt.IsZero() {
			return time.Time{}, false, nil
		}
		since = task.CreatedAt
	}
	if s.opts.CatchUpMaxAge > 0 {
		if floor := now.Add(-s.opts.CatchUpMaxAge); since.Before(floor) {
			s.logger.Warnf("task %d last ran %s, catch-up limited to %s", task.ID, since.Format(time.RFC3339), floor.Format(time.RFC3339))
			since = floor
		}
	}
	return since, true, nil
}

// tick evaluates (checkpoint, now] for every cached task and queues the due slots.
func (s *Scheduler) tick(now time.Time) {
	tasks := s.cache.Snapshot()

	s.mu.Lock()
	next := make(map[int64]time.Time, len(tasks))
	type due struct {
		ct    compiledTask
		slots []time.Time
	}
	var work []due
	type resumed struct {
		ct   compiledTask
		from time.Time
	}
	var retryCatchUp []resumed
	var broken []compiledTask
	for _, ct := range tasks {
		id := ct.Task.ID
		if ct.Err != nil {
			broken = append(broken, ct)
			continue
		}
		if from, ok := s.pending[id]; ok {
			delete(s.pending, id)
			next[id] = now
			retryCatchUp = append(retryCatchUp, resumed{ct: ct, from: from})
			continue
		}
		start, ok := s.checkpoints[id]
		if !ok {
			start = s.lastChecked
		}
		next[id] = now
		if !now.After(start) {
			next[id] = start
			continue
		}
		slots, skipped := s.eval.Slots(ct.Schedule, start, now)
		if skipped > 0 {
			s.logger.Warnf("task %d: %d slots skipped in window %s..%s", id, skipped, start.Format(time.RFC3339), now.Format(time.RFC3339))
		}
		if len(slots) > 0 {
			work = append(work, due{ct: ct, slots: slots})
		}
	}
	s.checkpoints = next
	s.lastChecked = now
	s.mu.Unlock()

	for _, ct := range broken {
		s.reportScheduleError(ct)
	}
	for _, r := range retryCatchUp {
		s.submitCatchUp(r.ct, now, r.from)
	}
	for _, w := range work {
		task, slots := w.ct.Task, w.slots
		s.pool.Submit(task.ID, func() {
			if failed, ok := s.runSlots(task, slots); !ok {
				s.rewind(task.ID, failed)
			}
		})
	}
}

// runSlots dispatches slots in order. A store failure aborts the rest of the batch;
// the failed slot is returned with ok false so the caller can schedule a retry.
func (s *Scheduler) runSlots(task Task, slots []time.Time) (failed time.Time, ok bool) {
	for _, slot := range slots {
		if err := s.runSlot(s.dispatchCtx, task, slot); err != nil {
			s.logger.Errorf("task %d slot %s: %v", task.ID, slot.Format(time.RFC3339), err)
			if IsStoreError(err) {
				return slot, false
			}
		}
	}
	return time.Time{}, true
}

func (s *Scheduler) runSlot(ctx context.Context, task Task, slot time.Time) error {
	release, ok, err := s.claimer.Claim(ctx, task.ID, slot)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Debugf("task %d slot %s is claimed elsewhere", task.ID, slot.Format(time.RFC3339))
		return nil
	}
	defer release()

	exists, err := s.store.HasExecution(ctx, task.ID, slot)
	if err != nil {
		return storeErr("check execution", err)
	}
	if exists {
		return nil
	}
	if _, err := s.dispatcher.Execute(ctx, task, slot); err != nil && !errors.Is(err, ErrDuplicateExecution) {
		return err
	}
	return nil
}

func (s *Scheduler) rewind(taskID int64, slot time.Time) {
	before := slot.Add(-time.Nanosecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.checkpoints[taskID]; ok && before.Before(cur) {
		s.checkpoints[taskID] = before
	}
}

// reportScheduleError writes FAILURE once per task version with a bad schedule.
func (s *Scheduler) reportScheduleError(ct compiledTask) {
	task := ct.Task
	s.mu.Lock()
	if v, ok := s.reported[task.ID]; ok && v == task.Version {
		s.mu.Unlock()
		return
	}
	s.reported[task.ID] = task.Version
	s.mu.Unlock()

	s.logger.Errorf("task %d(%s) not scheduled: %v", task.ID, task.Name, ct.Err)
	s.pool.Submit(task.ID, func() {
		if err := s.dispatcher.MarkFailed(s.dispatchCtx, task.ID); err != nil {
			s.logger.Errorf("mark task %d failed: %v", task.ID, err)
			s.mu.Lock()
			delete(s.reported, task.ID)
			s.mu.Unlock()
		}
	})
}
