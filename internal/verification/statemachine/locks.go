package statemachine

import (
	"context"
	"sync"

	id "veriflow/pkg/domain"
)

// LockTable hands out one mutex per user. Entries are reference counted and
// removed once no caller holds or waits on them, so the table only grows with
// the number of users in flight. Users never share a lock.
type LockTable struct {
	mu      sync.Mutex
	entries map[id.UserID]*lockEntry
}

type lockEntry struct {
	// sem has capacity one; holding the token means holding the lock.
	sem  chan struct{}
	refs int
}

func NewLockTable() *LockTable {
	return &LockTable{entries: make(map[id.UserID]*lockEntry)}
}

// Lock blocks until the user's lock is held or ctx is done.
func (t *LockTable) Lock(ctx context.Context, userID id.UserID) (unlock func(), err error) {
	t.mu.Lock()
	e, ok := t.entries[userID]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		t.entries[userID] = e
	}
	e.refs++
	t.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		t.release(userID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			t.release(userID, e)
		})
	}, nil
}

func (t *LockTable) release(userID id.UserID, e *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, userID)
	}
}

// Len reports the number of users currently holding or waiting on a lock.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
