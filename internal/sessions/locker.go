package sessions

import (
	"context"
	"errors"
	"sync"
)

// ErrLockHeld is returned when another stream already holds the
// conversation.
var ErrLockHeld = errors.New("session: conversation is busy")

// Locker serializes streams per conversation. A native CLI session cannot
// take two prompts at once, and turns must commit in order.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewLocker creates a locker.
func NewLocker() *Locker {
	return &Locker{locks: map[string]*entry{}}
}

func (l *Locker) acquire(id string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[id]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[id] = e
	}
	e.refs++
	return e
}

func (l *Locker) drop(id string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, id)
	}
}

// Lock waits until id is free or ctx is done. The returned func releases
// the lock and must be called exactly once.
func (l *Locker) Lock(ctx context.Context, id string) (func(), error) {
	e := l.acquire(id)
	select {
	case e.ch <- struct{}{}:
		return l.releaser(id, e), nil
	case <-ctx.Done():
		l.drop(id, e)
		return nil, ctx.Err()
	}
}

// TryLock takes the lock only if it is free.
func (l *Locker) TryLock(id string) (func(), error) {
	e := l.acquire(id)
	select {
	case e.ch <- struct{}{}:
		return l.releaser(id, e), nil
	default:
		l.drop(id, e)
		return nil, ErrLockHeld
	}
}

func (l *Locker) releaser(id string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.drop(id, e)
		})
	}
}
