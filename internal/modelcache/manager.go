// Package modelcache tracks which models are resident against a fixed
// capacity budget and loads, evicts and pre-warms them on demand.
//
// Locking is two-level. A per-model lock serializes load attempts for the
// same model, so concurrent callers trigger a single load. The cache-wide
// mutex serializes the check-evict-reserve sequence, so two callers loading
// different models can never both observe the same free capacity. Capacity
// is reserved under the cache-wide mutex before the slow load starts and
// released again if the load fails.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/aristath/taskforge/internal/events"
)

// Loader performs the actual model load and unload against the serving runtime.
type Loader interface {
	Load(ctx context.Context, model string) error
	Unload(ctx context.Context, model string) error
}

// LoadedModel is one entry in the resident set.
type LoadedModel struct {
	Name     string
	VRAMGB   float64
	LastUsed time.Time
	UseCount int
	LoadTime time.Duration
	KeepWarm bool
	InUse    int
	Loading  bool // capacity reserved, load still in flight
}

// CapacityError reports that a model cannot fit even after eviction.
type CapacityError struct {
	Model     string
	Required  float64
	Available float64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("insufficient capacity for %s: need %.1fGB, %.1fGB available after eviction", e.Model, e.Required, e.Available)
}

// Stats is the observability view of the cache.
type Stats struct {
	Hits        int
	Misses      int
	Evictions   int
	HitRate     float64
	AvgLoadTime time.Duration
	Loaded      []string
	FreeGB      float64
	TrackedGB   float64
	TotalGB     float64
}

// Snapshot is a consistent point-in-time copy of capacity and residents.
type Snapshot struct {
	Free    float64
	Tracked float64
	Models  []LoadedModel
}

// Lookup returns the entry for name, if resident.
func (s Snapshot) Lookup(name string) (LoadedModel, bool) {
	for _, m := range s.Models {
		if m.Name == name {
			return m, true
		}
	}
	return LoadedModel{}, false
}

type entry struct {
	vram     float64
	lastUsed time.Time
	useCount int
	loadTime time.Duration
	loading  bool
	inUse    int // holders between Acquire and Release
}

type prewarm struct {
	done chan struct{}
	err  error
}

// Manager is the resource cache.
type Manager struct {
	mu       sync.Mutex
	locks    *modelLocks
	loader   Loader
	events   events.Emitter
	now      func() time.Time
	total    float64
	tracked  float64
	used     float64
	models   map[string]*entry
	keepWarm map[string]bool
	// loads counts load attempts per model; a caller that sees it change
	// while queued on the model lock joined someone else's load.
	loads    map[string]uint64
	prewarms map[string]*prewarm

	hits          int
	misses        int
	evictions     int
	totalLoadTime time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithEvents publishes model.loaded, model.evicted and model.load_failed.
func WithEvents(e events.Emitter) Option {
	return func(m *Manager) { m.events = e }
}

// WithKeepWarm exempts models from eviction from the start.
func WithKeepWarm(models ...string) Option {
	return func(m *Manager) {
		for _, name := range models {
			m.keepWarm[name] = true
		}
	}
}

// WithClock overrides time.Now; tests use it to control LRU order.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a cache with totalGB capacity, of which reservedFraction is
// held back as headroom.
func New(totalGB, reservedFraction float64, loader Loader, opts ...Option) *Manager {
	m := &Manager{
		locks:    newModelLocks(),
		loader:   loader,
		events:   events.Discard,
		now:      time.Now,
		total:    totalGB,
		tracked:  totalGB * (1 - reservedFraction),
		models:   make(map[string]*entry),
		keepWarm: make(map[string]bool),
		loads:    make(map[string]uint64),
		prewarms: make(map[string]*prewarm),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TrackedCapacity is total minus reserved headroom.
func (m *Manager) TrackedCapacity() float64 {
	return m.tracked
}

// FreeCapacity is tracked capacity not committed to resident or loading models.
func (m *Manager) FreeCapacity() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracked - m.used
}

// IsLoaded reports whether model is resident and finished loading.
func (m *Manager) IsLoaded(model string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.models[model]
	return ok && !e.loading
}

// CanLoad reports whether model is already resident or fits in free capacity
// without evicting anything.
func (m *Manager) CanLoad(model string, cost float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.models[model]; ok {
		return true
	}
	return m.tracked-m.used >= cost
}

// Satisfiable reports whether EnsureLoaded could succeed right now, counting
// capacity that evicting idle models would reclaim.
func (m *Manager) Satisfiable(model string, cost float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.models[model]; ok {
		return true
	}
	return m.tracked-m.used+m.reclaimableLocked() >= cost
}

func (m *Manager) reclaimableLocked() float64 {
	var sum float64
	for name, e := range m.models {
		if m.evictableLocked(name, e) {
			sum += e.vram
		}
	}
	return sum
}

func (m *Manager) evictableLocked(name string, e *entry) bool {
	return !e.loading && e.inUse == 0 && !m.keepWarm[name]
}

// EnsureLoaded makes model resident, evicting least-recently-used models
// as needed. A *CapacityError is returned when the model cannot fit.
func (m *Manager) EnsureLoaded(ctx context.Context, model string, cost float64) error {
	return m.ensureLoaded(ctx, model, cost, false)
}

// Acquire is EnsureLoaded that also marks model in use. An in-use model is
// never evicted until every holder has called Release.
func (m *Manager) Acquire(ctx context.Context, model string, cost float64) error {
	return m.ensureLoaded(ctx, model, cost, true)
}

// Release drops one hold taken by Acquire and refreshes the model's recency.
func (m *Manager) Release(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.models[model]
	if !ok || e.inUse == 0 {
		return
	}
	e.inUse--
	e.lastUsed = m.now()
}

func (m *Manager) ensureLoaded(ctx context.Context, model string, cost float64, hold bool) error {
	m.mu.Lock()
	startLoads := m.loads[model]
	e, ok := m.models[model]
	joined := ok && e.loading
	m.mu.Unlock()

	m.locks.Lock(model)
	defer m.locks.Unlock(model)

	m.mu.Lock()
	if e, ok := m.models[model]; ok {
		e.useCount++
		e.lastUsed = m.now()
		if hold {
			e.inUse++
		}
		if !joined && m.loads[model] == startLoads {
			m.hits++
		}
		m.mu.Unlock()
		return nil
	}

	if cost > m.tracked {
		m.mu.Unlock()
		return m.loadFailed(model, cost, &CapacityError{Model: model, Required: cost, Available: m.tracked})
	}
	if avail := m.tracked - m.used + m.reclaimableLocked(); avail < cost {
		m.mu.Unlock()
		return m.loadFailed(model, cost, &CapacityError{Model: model, Required: cost, Available: avail})
	}

	evicted := m.evictLocked(cost)
	m.models[model] = &entry{vram: cost, loading: true}
	m.used += cost
	m.loads[model]++
	m.mu.Unlock()

	for _, ev := range evicted {
		m.unload(ctx, ev)
	}

	start := m.now()
	err := m.loader.Load(ctx, model)
	elapsed := m.now().Sub(start)

	m.mu.Lock()
	if err != nil {
		delete(m.models, model)
		m.used -= cost
		m.mu.Unlock()
		return m.loadFailed(model, cost, fmt.Errorf("loading model %s: %w", model, err))
	}
	loaded := m.models[model]
	loaded.loading = false
	loaded.loadTime = elapsed
	loaded.useCount = 1
	loaded.lastUsed = m.now()
	if hold {
		loaded.inUse++
	}
	m.misses++
	m.totalLoadTime += elapsed
	m.mu.Unlock()

	m.events.Emit(events.ModelLoadedEvent{Model: model, VRAMGB: cost, LoadTime: elapsed})
	return nil
}

type evictedModel struct {
	name     string
	vram     float64
	useCount int
}

// evictLocked removes the least recently used evictable entries until cost
// fits. The caller has already checked that enough capacity is reclaimable.
func (m *Manager) evictLocked(cost float64) []evictedModel {
	var out []evictedModel
	for m.tracked-m.used < cost {
		victim := ""
		var oldest time.Time
		for name, e := range m.models {
			if !m.evictableLocked(name, e) {
				continue
			}
			if victim == "" || e.lastUsed.Before(oldest) {
				victim, oldest = name, e.lastUsed
			}
		}
		if victim == "" {
			break
		}
		e := m.models[victim]
		delete(m.models, victim)
		m.used -= e.vram
		m.evictions++
		log.Printf("modelcache: evicting %s (%.1fGB, used %d times)", victim, e.vram, e.useCount)
		out = append(out, evictedModel{name: victim, vram: e.vram, useCount: e.useCount})
	}
	return out
}

func (m *Manager) unload(ctx context.Context, ev evictedModel) {
	if err := m.loader.Unload(ctx, ev.name); err != nil {
		log.Printf("WARNING: unloading %s failed: %v", ev.name, err)
	}
	m.events.Emit(events.ModelEvictedEvent{Model: ev.name, VRAMGB: ev.vram, UseCount: ev.useCount})
}

// loadFailed emits a model.load_failed event and returns err unchanged.
func (m *Manager) loadFailed(model string, cost float64, err error) error {
	m.events.Emit(events.ModelLoadFailedEvent{Model: model, Required: cost, Err: err.Error()})
	return err
}

// PreWarm starts loading model in the background. It is a no-op when the
// model is already resident or a pre-warm for it is in flight.
func (m *Manager) PreWarm(ctx context.Context, model string, cost float64) {
	m.mu.Lock()
	if _, ok := m.models[model]; ok {
		m.mu.Unlock()
		return
	}
	if _, ok := m.prewarms[model]; ok {
		m.mu.Unlock()
		return
	}
	pw := &prewarm{done: make(chan struct{})}
	m.prewarms[model] = pw
	m.mu.Unlock()

	go func() {
		err := m.EnsureLoaded(context.WithoutCancel(ctx), model, cost)
		if err != nil {
			log.Printf("WARNING: pre-warm of %s failed: %v", model, err)
		}
		m.mu.Lock()
		pw.err = err
		delete(m.prewarms, model)
		m.mu.Unlock()
		close(pw.done)
	}()
}

// WaitForPreWarm blocks until the in-flight pre-warm of model resolves and
// returns its error. It returns nil immediately when none is in flight.
func (m *Manager) WaitForPreWarm(ctx context.Context, model string) error {
	m.mu.Lock()
	pw, ok := m.prewarms[model]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-pw.done:
		return pw.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddKeepWarm exempts model from eviction.
func (m *Manager) AddKeepWarm(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keepWarm[model] = true
}

// IsKeepWarm reports whether model is exempt from eviction.
func (m *Manager) IsKeepWarm(model string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keepWarm[model]
}

// RemoveKeepWarm makes model evictable again.
func (m *Manager) RemoveKeepWarm(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keepWarm, model)
}

// Snapshot copies the resident set, sorted by name.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Free:    m.tracked - m.used,
		Tracked: m.tracked,
		Models:  make([]LoadedModel, 0, len(m.models)),
	}
	for name, e := range m.models {
		snap.Models = append(snap.Models, LoadedModel{
			Name:     name,
			VRAMGB:   e.vram,
			LastUsed: e.lastUsed,
			UseCount: e.useCount,
			LoadTime: e.loadTime,
			KeepWarm: m.keepWarm[name],
			InUse:    e.inUse,
			Loading:  e.loading,
		})
	}
	sort.Slice(snap.Models, func(i, j int) bool { return snap.Models[i].Name < snap.Models[j].Name })
	return snap
}

// Stats returns hit/miss/eviction counters and the resident model names.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
		FreeGB:    m.tracked - m.used,
		TrackedGB: m.tracked,
		TotalGB:   m.total,
	}
	if total := m.hits + m.misses; total > 0 {
		s.HitRate = float64(m.hits) / float64(total)
	}
	if m.misses > 0 {
		s.AvgLoadTime = m.totalLoadTime / time.Duration(m.misses)
	}
	for name, e := range m.models {
		if !e.loading {
			s.Loaded = append(s.Loaded, name)
		}
	}
	sort.Strings(s.Loaded)
	return s
}

// UnloadAll releases every resident model. It waits for in-flight loads by
// taking every model lock first.
func (m *Manager) UnloadAll(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.models))
	for name := range m.models {
		names = append(names, name)
	}
	m.mu.Unlock()

	held := m.locks.LockAll(names)
	defer m.locks.UnlockAll(held)

	m.mu.Lock()
	var resident []string
	for _, name := range held {
		if e, ok := m.models[name]; ok {
			resident = append(resident, name)
			m.used -= e.vram
			delete(m.models, name)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, name := range resident {
		if err := m.loader.Unload(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("unloading %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
