// Package syncs has synchronization primitives shared by the services.
package syncs

import (
	"context"
	"sync"
)

// Semaphore is a counting semaphore.
type Semaphore chan struct{}

// NewSemaphore returns a semaphore of n slots.
func NewSemaphore(n int) Semaphore {
	return make(Semaphore, n)
}

// Acquire takes a slot, blocking until there is one or the context is done.
func (s Semaphore) Acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot.
func (s Semaphore) Release() {
	<-s
}

// KeyedMutex is a set of mutexes by key, unused keys don't hold memory.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock locks the key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*keyedLock{}
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
