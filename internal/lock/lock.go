// Package lock provides keyed mutual exclusion for work that must not run
// twice for the same upload or entity.
package lock

import (
	"context"
	"sync"
)

// Locker acquires named locks. Lock blocks until the key is free or ctx is
// done and returns a function that releases it. The release function is safe
// to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// UploadKey is the lock key serializing derivative work for one upload.
func UploadKey(uploadID string) string {
	return "upload:" + uploadID
}

// EntityKey is the lock key serializing bindings for one entity.
func EntityKey(entityType, entityID string) string {
	return "entity:" + entityType + ":" + entityID
}

// Local is an in-process Locker. Each key is a one-slot channel that lives
// only while someone holds or waits for it.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, s, true) })
	}, nil
}

func (l *Local) release(key string, s *slot, held bool) {
	if held {
		<-s.ch
	}
	l.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
	l.mu.Unlock()
}

// size reports how many keys are tracked.
func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
