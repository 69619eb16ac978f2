// Package locker serializes moderation operations per member and sanction class.
package locker

import (
	"context"
	"time"

	"warden/internal/observability"

	"github.com/puzpuzpuz/xsync/v3"
)

// Locker grants exclusive sections keyed by string. Unlock must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Entries exist only while some caller
// holds or waits on the key, so the map never outgrows the set of busy members.
type KeyedMutex struct {
	entries *xsync.MapOf[string, *keyedEntry]
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: xsync.NewMapOf[string, *keyedEntry]()}
}

func (m *KeyedMutex) acquireRef(key string) *keyedEntry {
	e, _ := m.entries.Compute(key, func(old *keyedEntry, loaded bool) (*keyedEntry, bool) {
		if !loaded {
			old = &keyedEntry{sem: make(chan struct{}, 1)}
		}
		old.refs++
		return old, false
	})
	return e
}

func (m *KeyedMutex) releaseRef(key string) {
	m.entries.Compute(key, func(old *keyedEntry, loaded bool) (*keyedEntry, bool) {
		if !loaded {
			return nil, true
		}
		old.refs--
		return old, old.refs == 0
	})
}

// Lock blocks until key is free or ctx is done.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	start := time.Now()
	e := m.acquireRef(key)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		m.releaseRef(key)
		return nil, ctx.Err()
	}
	observability.LockWait.WithLabelValues("memory").Observe(time.Since(start).Seconds())

	var released bool
	return func() {
		if released {
			return
		}
		released = true
		<-e.sem
		m.releaseRef(key)
	}, nil
}

// Len reports how many keys are currently held or awaited.
func (m *KeyedMutex) Len() int {
	return m.entries.Size()
}
