package modelcache

import (
	"sort"
	"sync"
)

// modelLocks serializes load attempts per model name. Different models
// proceed concurrently; the same model queues behind the in-flight load.
type modelLocks struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-model mutexes
}

func newModelLocks() *modelLocks {
	return &modelLocks{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex for model, creating it on first access.
func (l *modelLocks) Lock(model string) {
	l.mu.Lock()
	modelLock, exists := l.locks[model]
	if !exists {
		modelLock = &sync.Mutex{}
		l.locks[model] = modelLock
	}
	l.mu.Unlock()

	// Acquire outside the map lock so other models are not held up.
	modelLock.Lock()
}

// Unlock releases the mutex for model.
func (l *modelLocks) Unlock(model string) {
	l.mu.Lock()
	modelLock, exists := l.locks[model]
	l.mu.Unlock()

	if exists {
		modelLock.Unlock()
	}
}

// LockAll acquires the locks for every model in lexicographic order, so two
// callers locking overlapping sets can never deadlock.
func (l *modelLocks) LockAll(models []string) []string {
	if len(models) == 0 {
		return nil
	}

	sorted := make([]string, len(models))
	copy(sorted, models)
	sort.Strings(sorted)

	for _, m := range sorted {
		l.Lock(m)
	}
	return sorted
}

// UnlockAll releases locks taken by LockAll, in reverse order.
func (l *modelLocks) UnlockAll(sorted []string) {
	for i := len(sorted) - 1; i >= 0; i-- {
		l.Unlock(sorted[i])
	}
}
