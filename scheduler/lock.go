package scheduler

import (
	"context"
	"sync"
	"time"
)

// Claimer guards the check-dispatch-append sequence of one (task, slot). Only the
// holder of a claim may dispatch the slot; release must be called once it is recorded.
type Claimer interface {
	Claim(ctx context.Context, taskID int64, slot time.Time) (release func(), ok bool, err error)
}

type slotKey struct {
	taskID int64
	slot   int64
}

// slotLock is the in-process claim table.
type slotLock struct {
	locks sync.Map
}

func newSlotLock() *slotLock {
	return &slotLock{}
}

func (l *slotLock) TryLock(taskID int64, slot time.Time) bool {
	_, loaded := l.locks.LoadOrStore(slotKey{taskID: taskID, slot: slot.UnixNano()}, struct{}{})
	return !loaded
}

func (l *slotLock) Unlock(taskID int64, slot time.Time) {
	l.locks.Delete(slotKey{taskID: taskID, slot: slot.UnixNano()})
}

func (l *slotLock) Claim(_ context.Context, taskID int64, slot time.Time) (func(), bool, error) {
	if !l.TryLock(taskID, slot) {
		return nil, false, nil
	}
	return func() { l.Unlock(taskID, slot) }, true, nil
}

// chainClaimer takes every claim in order and releases them in reverse.
type chainClaimer []Claimer

func (c chainClaimer) Claim(ctx context.Context, taskID int64, slot time.Time) (func(), bool, error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, cl := range c {
		release, ok, err := cl.Claim(ctx, taskID, slot)
		if err != nil || !ok {
			releaseAll()
			return nil, false, err
		}
		releases = append(releases, release)
	}
	return releaseAll, true, nil
}
