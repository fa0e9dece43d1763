package lock

import (
	"context"
	"sync"
)

// Release hands the key to the next waiter. Calling it more than once is a no-op.
type Release func()

// Locker acquires exclusive ownership of a key until the returned Release runs.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// Registry is a per-key FIFO mutex. Entries exist only while the key is held
// or awaited.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	held    bool
	waiters []chan struct{}
}

var _ Locker = (*Registry)(nil)

// NewRegistry returns an empty registry. Each server instance owns its own.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Acquire blocks until key is free or ctx is done. A context that is already
// done, or ends while queued, never obtains the lock.
func (r *Registry) Acquire(ctx context.Context, key string) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	e := r.entries[key]
	if e == nil {
		e = &entry{}
		r.entries[key] = e
	}
	if !e.held {
		e.held = true
		r.mu.Unlock()
		return r.releaser(key, e), nil
	}
	ready := make(chan struct{})
	e.waiters = append(e.waiters, ready)
	r.mu.Unlock()

	select {
	case <-ready:
		return r.releaser(key, e), nil
	case <-ctx.Done():
	}

	r.mu.Lock()
	select {
	case <-ready:
		// ownership was handed over while we were giving up
		r.mu.Unlock()
		r.release(key, e)
		return nil, ctx.Err()
	default:
	}
	for i, w := range e.waiters {
		if w == ready {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	return nil, ctx.Err()
}

// Len reports how many keys are currently held or awaited.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) releaser(key string, e *entry) Release {
	var once sync.Once
	return func() {
		once.Do(func() { r.release(key, e) })
	}
}

func (r *Registry) release(key string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(e.waiters) > 0 {
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		close(next)
		return
	}
	e.held = false
	if r.entries[key] == e {
		delete(r.entries, key)
	}
}
