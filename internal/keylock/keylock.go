package keylock

import (
	"context"
	"sort"
	"sync"
)

// Manager provides per-key mutual exclusion. Callers holding disjoint key
// sets run concurrently; callers sharing a key queue FIFO behind the holder.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*keyState
}

type keyState struct {
	held    bool
	waiters []chan struct{}
}

// NewManager constructs an empty lock manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*keyState)}
}

// Run executes fn while holding every key in keys. Keys are acquired in
// sorted order so overlapping multi-key calls cannot deadlock. The keys are
// released on every exit path, including a panicking fn. Duplicate keys are
// collapsed; acquiring the same key twice from one call would self-deadlock.
func (m *Manager) Run(ctx context.Context, keys []string, fn func() error) error {
	ordered := dedupeSorted(keys)
	acquired := make([]string, 0, len(ordered))
	for _, key := range ordered {
		if err := m.acquire(ctx, key); err != nil {
			for _, held := range acquired {
				m.release(held)
			}
			return err
		}
		acquired = append(acquired, key)
	}
	defer func() {
		for _, key := range acquired {
			m.release(key)
		}
	}()
	return fn()
}

func (m *Manager) acquire(ctx context.Context, key string) error {
	m.mu.Lock()
	state, ok := m.locks[key]
	if !ok {
		state = &keyState{}
		m.locks[key] = state
	}
	if !state.held {
		state.held = true
		m.mu.Unlock()
		return nil
	}
	wait := make(chan struct{})
	state.waiters = append(state.waiters, wait)
	m.mu.Unlock()

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		m.abandon(key, wait)
		return ctx.Err()
	}
}

// abandon removes a cancelled waiter; if ownership was handed over in the
// meantime the key is released again so the next waiter proceeds.
func (m *Manager) abandon(key string, wait chan struct{}) {
	m.mu.Lock()
	state := m.locks[key]
	for i, w := range state.waiters {
		if w == wait {
			state.waiters = append(state.waiters[:i], state.waiters[i+1:]...)
			m.mu.Unlock()
			return
		}
	}
	m.mu.Unlock()
	select {
	case <-wait:
		m.release(key)
	default:
	}
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.locks[key]
	if state == nil {
		return
	}
	if len(state.waiters) == 0 {
		delete(m.locks, key)
		return
	}
	next := state.waiters[0]
	state.waiters = state.waiters[1:]
	close(next)
}

func dedupeSorted(keys []string) []string {
	ordered := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		ordered = append(ordered, key)
	}
	sort.Strings(ordered)
	return ordered
}
