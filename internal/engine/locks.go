package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// keyedMutex hands out one mutex per key. Entries are reference counted
// and removed once no goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is held and returns its unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// size returns the number of live keys.
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// accountLimiter bounds in-flight fills per account with a weighted
// semaphore per account id.
type accountLimiter struct {
	mu   sync.Mutex
	max  int64
	sems map[string]*semaphore.Weighted
}

func newAccountLimiter(max int64) *accountLimiter {
	if max < 1 {
		max = 1
	}
	return &accountLimiter{max: max, sems: make(map[string]*semaphore.Weighted)}
}

// Acquire waits for a slot for accountID and returns its release func.
func (a *accountLimiter) Acquire(ctx context.Context, accountID string) (func(), error) {
	a.mu.Lock()
	sem, ok := a.sems[accountID]
	if !ok {
		sem = semaphore.NewWeighted(a.max)
		a.sems[accountID] = sem
	}
	a.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}
