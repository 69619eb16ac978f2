package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fireRecorder struct {
	mu    sync.Mutex
	calls map[uint]int
}

func newFireRecorder() *fireRecorder {
	return &fireRecorder{calls: make(map[uint]int)}
}

func (r *fireRecorder) fire(_ context.Context, id uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[id]++
}

func (r *fireRecorder) count(id uint) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func ids(entries []*entry) []uint {
	out := make([]uint, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.id)
	}
	return out
}

func TestScheduler_TakeDueOrdersByDueThenID(t *testing.T) {
	s := New(clockwork.NewFakeClockAt(t0), newFireRecorder().fire)
	s.Register(7, t0.Add(time.Minute))
	s.Register(3, t0.Add(time.Minute))
	s.Register(9, t0.Add(-time.Minute))
	s.Register(1, t0.Add(time.Hour))

	due := s.takeDue(t0.Add(time.Minute))
	assert.Equal(t, []uint{9, 3, 7}, ids(due))
	assert.Equal(t, 4, s.Len(), "firing entries stay live until their callback returns")

	for _, e := range due {
		s.inflight.Done()
		s.finish(e)
	}
	assert.Equal(t, 1, s.Len())
}

func TestScheduler_RegisterMovesPendingEntry(t *testing.T) {
	s := New(clockwork.NewFakeClockAt(t0), newFireRecorder().fire)
	s.Register(1, t0.Add(10*time.Minute))
	s.Register(2, t0.Add(5*time.Minute))
	s.Register(1, t0.Add(time.Minute))

	due, ok := s.DueAt(1)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), due)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []uint{1, 2}, ids(s.takeDue(t0.Add(time.Hour))))
}

func TestScheduler_FireDueSkipsFutureEntries(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	rec := newFireRecorder()
	s := New(clock, rec.fire)
	s.Register(1, t0)
	s.Register(2, t0.Add(time.Second))

	assert.Equal(t, 1, s.FireDue(context.Background()))
	s.Wait()
	assert.Equal(t, 1, rec.count(1))
	assert.Zero(t, rec.count(2))
	assert.False(t, s.Has(1))
	assert.True(t, s.Has(2))
}

func TestScheduler_ConcurrentTicksFireOnce(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	rec := newFireRecorder()
	s := New(clock, rec.fire)
	s.Register(1, t0.Add(-time.Second))

	var wg sync.WaitGroup
	start := make(chan struct{})
	var started atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			started.Add(int32(s.FireDue(context.Background())))
		}()
	}
	close(start)
	wg.Wait()
	s.Wait()

	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, 1, rec.count(1))
	assert.Zero(t, s.Len())
}

func TestScheduler_Cancel(t *testing.T) {
	t.Run("pending entry is dropped", func(t *testing.T) {
		rec := newFireRecorder()
		s := New(clockwork.NewFakeClockAt(t0), rec.fire)
		s.Register(1, t0)
		s.Cancel(1)

		assert.Zero(t, s.FireDue(context.Background()))
		assert.Zero(t, s.Len())
		assert.Zero(t, rec.count(1))
	})

	t.Run("unknown entry is a no-op", func(t *testing.T) {
		s := New(clockwork.NewFakeClockAt(t0), newFireRecorder().fire)
		assert.NotPanics(t, func() { s.Cancel(99) })
	})

	t.Run("firing entry completes normally", func(t *testing.T) {
		release := make(chan struct{})
		entered := make(chan struct{})
		var calls atomic.Int32
		s := New(clockwork.NewFakeClockAt(t0), func(context.Context, uint) {
			calls.Add(1)
			close(entered)
			<-release
		})
		s.Register(1, t0)
		require.Equal(t, 1, s.FireDue(context.Background()))
		<-entered

		s.Cancel(1)
		assert.True(t, s.Has(1))
		close(release)
		s.Wait()

		assert.Equal(t, int32(1), calls.Load())
		assert.Zero(t, s.Len())
	})
}

func TestScheduler_RegisterWhileFiringRequeues(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	var calls atomic.Int32
	var s *Scheduler
	s = New(clock, func(_ context.Context, id uint) {
		if calls.Add(1) == 1 {
			s.Register(id, t0.Add(time.Minute))
		}
	})
	s.Register(5, t0)

	require.Equal(t, 1, s.FireDue(context.Background()))
	s.Wait()
	due, ok := s.DueAt(5)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), due)

	assert.Zero(t, s.FireDue(context.Background()))
	clock.Advance(time.Minute)
	require.Equal(t, 1, s.FireDue(context.Background()))
	s.Wait()
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, s.Has(5))
}

func TestScheduler_RehydrateFiresOverdueOldestFirst(t *testing.T) {
	s := New(clockwork.NewFakeClockAt(t0), newFireRecorder().fire)
	s.Rehydrate([]Entry{
		{InfractionID: 2, DueAt: t0.Add(-time.Minute)},
		{InfractionID: 3, DueAt: t0.Add(time.Hour)},
		{InfractionID: 1, DueAt: t0.Add(-5 * time.Minute)},
	})

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []uint{1, 2}, ids(s.takeDue(t0)))
}

func TestScheduler_RunFiresAtDueTime(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	rec := newFireRecorder()
	s := New(clock, rec.fire)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	s.Register(1, t0.Add(time.Hour))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	clock.Advance(59 * time.Minute)
	assert.Never(t, func() bool { return rec.count(1) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return rec.count(1) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, 1, rec.count(1))
}
