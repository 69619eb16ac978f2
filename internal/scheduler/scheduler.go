// Package scheduler keeps the in-memory timeline of pending sanction reversals.
// It is never the source of truth: every entry can be rebuilt from the store.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"warden/internal/middleware"
	"warden/internal/observability"

	"github.com/jonboulle/clockwork"
)

// FireFunc performs the reversal for one entry. It runs on its own goroutine.
type FireFunc func(ctx context.Context, infractionID uint)

// Entry is one (infraction, due time) pair used for rehydration.
type Entry struct {
	InfractionID uint
	DueAt        time.Time
}

// Scheduler fires each registered entry at most once per registration,
// in ascending due order with ties broken by infraction id.
type Scheduler struct {
	clock clockwork.Clock
	fire  FireFunc

	mu      sync.Mutex
	queue   dueQueue
	entries map[uint]*entry

	wake     chan struct{}
	inflight sync.WaitGroup
}

// New creates a scheduler that calls fire for due entries.
func New(clock clockwork.Clock, fire FireFunc) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		clock:   clock,
		fire:    fire,
		entries: make(map[uint]*entry),
		wake:    make(chan struct{}, 1),
	}
}

// Register schedules id at due. A pending entry is moved to the new time;
// an entry that is currently firing is queued again once its callback returns.
func (s *Scheduler) Register(id uint, due time.Time) {
	s.mu.Lock()
	s.registerLocked(id, due)
	s.reportLocked()
	s.mu.Unlock()
	s.notify()
}

func (s *Scheduler) registerLocked(id uint, due time.Time) {
	due = due.UTC()
	e, ok := s.entries[id]
	switch {
	case !ok:
		e = &entry{id: id, due: due, state: statePending}
		s.entries[id] = e
		heap.Push(&s.queue, e)
	case e.state == statePending:
		e.due = due
		heap.Fix(&s.queue, e.index)
	default:
		e.requeue = &due
	}
}

// Cancel drops a pending entry. Cancelling an unknown entry, or one whose
// callback is already running, is a no-op for that run.
func (s *Scheduler) Cancel(id uint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return
	}
	if e.state == stateFiring {
		e.requeue = nil
		return
	}
	heap.Remove(&s.queue, e.index)
	delete(s.entries, id)
	s.reportLocked()
}

// Rehydrate registers entries loaded from durable storage.
// Overdue entries fire on the next pass, oldest first.
func (s *Scheduler) Rehydrate(entries []Entry) {
	s.mu.Lock()
	for _, e := range entries {
		s.registerLocked(e.InfractionID, e.DueAt)
	}
	s.reportLocked()
	s.mu.Unlock()

	middleware.Logger.Info("scheduler rehydrated", slog.Int("entries", len(entries)))
	s.notify()
}

// Len returns the number of live entries, pending or firing.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Has reports whether id has a live entry.
func (s *Scheduler) Has(id uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// DueAt returns the pending due time for id.
func (s *Scheduler) DueAt(id uint) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return time.Time{}, false
	}
	if e.state == stateFiring {
		if e.requeue == nil {
			return time.Time{}, false
		}
		return *e.requeue, true
	}
	return e.due, true
}

// FireDue starts callbacks for every entry due at or before now and returns
// how many were started. Callbacks run without the caller's cancellation so
// a shutdown does not abandon a reversal halfway.
func (s *Scheduler) FireDue(ctx context.Context) int {
	due := s.takeDue(s.clock.Now())

	fireCtx := context.WithoutCancel(ctx)
	for _, e := range due {
		go s.run(fireCtx, e)
	}
	return len(due)
}

// takeDue moves every entry due at or before now to firing, in firing order.
func (s *Scheduler) takeDue(now time.Time) []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*entry
	for s.queue.Len() > 0 && !s.queue[0].due.After(now) {
		e := heap.Pop(&s.queue).(*entry)
		e.state = stateFiring
		due = append(due, e)
	}
	s.inflight.Add(len(due))
	return due
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	defer s.inflight.Done()
	defer s.finish(e)
	defer func() {
		if r := recover(); r != nil {
			middleware.Logger.Error("scheduler callback panicked",
				slog.Uint64("infraction_id", uint64(e.id)),
				slog.Any("panic", r),
			)
		}
	}()

	s.fire(middleware.WithInfraction(ctx, e.id), e.id)
}

func (s *Scheduler) finish(e *entry) {
	s.mu.Lock()
	if e.requeue != nil {
		e.due = *e.requeue
		e.requeue = nil
		e.state = statePending
		heap.Push(&s.queue, e)
	} else {
		delete(s.entries, e.id)
	}
	s.reportLocked()
	s.mu.Unlock()
	s.notify()
}

// Wait blocks until every started callback has returned.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// Run sleeps until the earliest due time, fires what is due and repeats
// until ctx is cancelled. In-flight callbacks are awaited before returning.
func (s *Scheduler) Run(ctx context.Context) {
	middleware.Logger.Info("expiry scheduler started")
	defer middleware.Logger.Info("expiry scheduler stopped")

	var (
		timer   clockwork.Timer
		armedAt time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		s.inflight.Wait()
	}()

	for {
		s.FireDue(ctx)

		next, ok := s.next()
		switch {
		case ok && !next.Equal(armedAt):
			wait := next.Sub(s.clock.Now())
			if timer == nil {
				timer = s.clock.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			armedAt = next
		case !ok && timer != nil && !armedAt.IsZero():
			timer.Stop()
			armedAt = time.Time{}
		}

		var timerC <-chan time.Time
		if timer != nil {
			timerC = timer.Chan()
		}

		select {
		case <-ctx.Done():
			return
		case <-timerC:
			armedAt = time.Time{}
		case <-s.wake:
		}
	}
}

func (s *Scheduler) next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return time.Time{}, false
	}
	return s.queue[0].due, true
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) reportLocked() {
	observability.ScheduledReversals.Set(float64(len(s.entries)))
}
