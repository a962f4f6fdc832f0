package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"appointments/notify"
)

var errStoreDown = errors.New("store unavailable")

// memStore is an in-memory Store with switches for injecting failures.
type memStore struct {
	mu    sync.Mutex
	tasks map[int64]Task
	execs []Execution

	appendFailures int
	conflicts      int
	listErr        error
	casCalls       int

	// failSlot makes appends for that slot fail failSlotTimes times.
	failSlot      time.Time
	failSlotTimes int
}

func newMemStore(tasks ...Task) *memStore {
	s := &memStore{tasks: make(map[int64]Task)}
	for _, t := range tasks {
		if t.Version == 0 {
			t.Version = 1
		}
		s.tasks[t.ID] = t
	}
	return s
}

func (s *memStore) ListEnabled(_ context.Context) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []Task
	for _, t := range s.tasks {
		if t.Enabled {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) Get(_ context.Context, id int64) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t, nil
}

func (s *memStore) CompareAndSwap(_ context.Context, task Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.casCalls++
	cur, ok := s.tasks[task.ID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if s.conflicts > 0 {
		s.conflicts--
		cur.Version++
		s.tasks[task.ID] = cur
		return Task{}, ErrVersionConflict
	}
	if cur.Version != task.Version {
		return Task{}, ErrVersionConflict
	}
	task.Version++
	s.tasks[task.ID] = task
	return task, nil
}

func (s *memStore) HasExecution(_ context.Context, taskID int64, slot time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.execs {
		if e.TaskID == taskID && e.ScheduledAt.Equal(slot) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) AppendExecution(_ context.Context, exec Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendFailures > 0 {
		s.appendFailures--
		return errStoreDown
	}
	if s.failSlotTimes > 0 && exec.ScheduledAt.Equal(s.failSlot) {
		s.failSlotTimes--
		return errStoreDown
	}
	for _, e := range s.execs {
		if e.TaskID == exec.TaskID && e.ScheduledAt.Equal(exec.ScheduledAt) {
			return ErrDuplicateExecution
		}
	}
	s.execs = append(s.execs, exec)
	return nil
}

func (s *memStore) LatestSlot(_ context.Context, taskID int64) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest time.Time
	found := false
	for _, e := range s.execs {
		if e.TaskID == taskID && (!found || e.ScheduledAt.After(latest)) {
			latest, found = e.ScheduledAt, true
		}
	}
	return latest, found, nil
}

func (s *memStore) task(id int64) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

func (s *memStore) executions(taskID int64) []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Execution
	for _, e := range s.execs {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

// fakeGateway records every Send and answers with the scripted errors in order.
type fakeGateway struct {
	mu    sync.Mutex
	calls []gatewayCall
	errs  []error
	block bool
}

type gatewayCall struct {
	To      notify.Recipient
	Payload notify.Payload
}

func (g *fakeGateway) Send(ctx context.Context, to notify.Recipient, p notify.Payload) error {
	g.mu.Lock()
	g.calls = append(g.calls, gatewayCall{To: to, Payload: p})
	block := g.block
	var err error
	if len(g.errs) > 0 {
		err = g.errs[0]
		g.errs = g.errs[1:]
	}
	g.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (g *fakeGateway) sent() []gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gatewayCall(nil), g.calls...)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func at(hour, min int) time.Time {
	return time.Date(2024, 3, 4, hour, min, 0, 0, time.UTC)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func messageTask(id int64, schedule string) Task {
	return Task{
		ID:            id,
		Name:          fmt.Sprintf("task-%d", id),
		Schedule:      schedule,
		Enabled:       true,
		RecipientType: RecipientMessage,
		Recipients:    []string{"6281234"},
		Message:       "reminder",
		LastStatus:    StatusPending,
		Version:       1,
		CreatedAt:     at(8, 0),
	}
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func testDispatcher(store Store, gw notify.Gateway, clock Clock) *Dispatcher {
	return NewDispatcher(store, gw, clock, DispatchConfig{
		DefaultTimeout: time.Second,
		BackoffMax:     time.Millisecond,
		AlertTimeout:   time.Second,
	}, testLogger())
}
