// Package lifecycle owns per-project worker pools, readiness waiters,
// blue/green restart, the exit observer, the idle reaper, and inflight
// accounting. Manager is the single owner of all the state maps; callers
// never see the inner maps.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oxian-dev/oxian-hypervisor/internal/config"
	"github.com/oxian-dev/oxian-hypervisor/internal/metrics"
	"github.com/oxian-dev/oxian-hypervisor/internal/spawner"
	"github.com/oxian-dev/oxian-hypervisor/internal/types"
)

// ReadinessSpawner is the narrow capability Manager needs from spawner.Spawner;
// modeled as an interface so tests can inject a fake without a real runtime.
type ReadinessSpawner interface {
	Spawn(ctx context.Context, selected types.SelectedProject, opts spawner.Options) (*types.WorkerHandle, bool, error)
}

// Manager owns every per-project state map behind one mutex.
type Manager struct {
	cfg     *config.Config
	spawn   ReadinessSpawner
	log     zerolog.Logger
	onReady func(project string)

	mu                sync.Mutex
	pools             map[string]*types.PoolEntry
	readyWaiters      map[string][]chan struct{}
	spawnWaiters      map[string][]chan struct{}
	restarting        map[string]chan struct{}
	spawning          map[string]bool
	projectLastLoad   map[string]time.Time
	projectLastActive map[string]time.Time
	projectReady      map[string]bool
	lastSpawnOptions  map[string]types.SelectedProject
	projectInflight   map[string]int
	intentionalStop   map[string]bool
	projectIndices    map[string]int
	nextIndex         int
}

// New constructs an empty Manager bound to cfg and a Spawner.
func New(cfg *config.Config, sp ReadinessSpawner, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:               cfg,
		spawn:             sp,
		log:               log,
		pools:             make(map[string]*types.PoolEntry),
		readyWaiters:      make(map[string][]chan struct{}),
		spawnWaiters:      make(map[string][]chan struct{}),
		restarting:        make(map[string]chan struct{}),
		spawning:          make(map[string]bool),
		projectLastLoad:   make(map[string]time.Time),
		projectLastActive: make(map[string]time.Time),
		projectReady:      make(map[string]bool),
		lastSpawnOptions:  make(map[string]types.SelectedProject),
		projectInflight:   make(map[string]int),
		intentionalStop:   make(map[string]bool),
		projectIndices:    make(map[string]int),
	}
}

// OnProjectReady registers the callback invoked every time a project
// transitions to ready.
func (m *Manager) OnProjectReady(fn func(project string)) {
	m.mu.Lock()
	m.onReady = fn
	m.mu.Unlock()
}

// IsReady reports whether a project currently has a healthy worker.
func (m *Manager) IsReady(project string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.projectReady[project]
}

// Pool returns the current pool entry for a project, if any.
func (m *Manager) Pool(project string) (*types.PoolEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[project]
	return p, ok
}

func (m *Manager) indexFor(project string) int {
	if idx, ok := m.projectIndices[project]; ok {
		return idx
	}
	idx := m.nextIndex
	m.nextIndex++
	m.projectIndices[project] = idx
	return idx
}

// SpawnOrWait is the concurrency gate around a first-time spawn.
// Concurrent first-hit callers for the same project collapse into one
// spawn and all observe the same resulting pool entry.
func (m *Manager) SpawnOrWait(ctx context.Context, selected types.SelectedProject, waitTimeout time.Duration) (*types.PoolEntry, error) {
	project := selected.Project

	m.mu.Lock()
	if p, ok := m.pools[project]; ok && m.projectReady[project] {
		m.mu.Unlock()
		return p, nil
	}
	if m.spawning[project] {
		waiter := make(chan struct{})
		m.spawnWaiters[project] = append(m.spawnWaiters[project], waiter)
		m.mu.Unlock()
		select {
		case <-waiter:
		case <-time.After(waitTimeout):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		m.mu.Lock()
		p := m.pools[project]
		m.mu.Unlock()
		if p == nil {
			return nil, &NotAvailableError{Project: project}
		}
		return p, nil
	}
	m.spawning[project] = true
	index := m.indexFor(project)
	lastLoad := m.projectLastLoad[project]
	m.mu.Unlock()

	start := time.Now()
	handle, ready, err := m.spawn.Spawn(ctx, selected, spawner.Options{Index: index, ProjectLastLoadAt: lastLoad})
	metrics.SpawnDuration.WithLabelValues(project).Observe(time.Since(start).Seconds())

	m.mu.Lock()
	delete(m.spawning, project)
	waiters := m.spawnWaiters[project]
	delete(m.spawnWaiters, project)
	var entry *types.PoolEntry
	if err == nil {
		picker := newSinglePicker()
		picker.Set(handle)
		entry = &types.PoolEntry{Handle: handle, Picker: picker}
		m.pools[project] = entry
		delete(m.intentionalStop, project)
		m.projectReady[project] = ready
		m.lastSpawnOptions[project] = selected
		if ready {
			now := time.Now()
			m.projectLastLoad[project] = now
			m.projectLastActive[project] = now
		}
		metrics.WorkerSpawns.WithLabelValues(project, outcomeLabel(ready)).Inc()
	} else {
		metrics.WorkerSpawns.WithLabelValues(project, "error").Inc()
	}
	readyWaiters := m.readyWaiters[project]
	if ready {
		delete(m.readyWaiters, project)
	}
	onReady := m.onReady
	m.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	if ready {
		for _, w := range readyWaiters {
			close(w)
		}
		if onReady != nil {
			onReady(project)
		}
	}
	if err != nil {
		return nil, err
	}
	go m.watchExit(project, handle)
	return entry, nil
}

func outcomeLabel(ready bool) string {
	if ready {
		return "ready"
	}
	return "timeout"
}

// NotAvailableError is returned when a caller waited for a concurrent
// spawn and it failed to install a pool entry.
type NotAvailableError struct{ Project string }

func (e *NotAvailableError) Error() string { return "no worker available for project " + e.Project }

// EnsureWorker triggers a restart if no pool entry currently exists.
func (m *Manager) EnsureWorker(ctx context.Context, project string) error {
	m.mu.Lock()
	_, ok := m.pools[project]
	m.mu.Unlock()
	if ok {
		return nil
	}
	return m.Restart(ctx, project)
}

// Restart performs a blue/green restart: spawn replacement, install it,
// then kill the old worker. Idempotent under concurrent invocation via the
// restarting map.
func (m *Manager) Restart(ctx context.Context, project string) error {
	m.mu.Lock()
	if done, ok := m.restarting[project]; ok {
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	done := make(chan struct{})
	m.restarting[project] = done
	selected, hasLast := m.lastSpawnOptions[project]
	if !hasLast {
		selected = types.SelectedProject{Project: project}
	}
	index := m.indexFor(project)
	lastLoad := m.projectLastLoad[project]
	old := m.pools[project]
	m.mu.Unlock()

	start := time.Now()
	handle, ready, err := m.spawn.Spawn(ctx, selected, spawner.Options{Index: index, ProjectLastLoadAt: lastLoad})
	metrics.SpawnDuration.WithLabelValues(project).Observe(time.Since(start).Seconds())

	m.mu.Lock()
	var newEntry *types.PoolEntry
	if err == nil {
		picker := newSinglePicker()
		picker.Set(handle)
		newEntry = &types.PoolEntry{Handle: handle, Picker: picker}
		m.pools[project] = newEntry
		delete(m.intentionalStop, project)
		m.projectReady[project] = ready
		m.lastSpawnOptions[project] = selected
		if ready {
			now := time.Now()
			m.projectLastLoad[project] = now
			m.projectLastActive[project] = now
		}
	}
	readyWaiters := m.readyWaiters[project]
	if err == nil && ready {
		delete(m.readyWaiters, project)
	}
	onReady := m.onReady
	delete(m.restarting, project)
	m.mu.Unlock()
	close(done)

	if err == nil && ready {
		for _, w := range readyWaiters {
			close(w)
		}
		if onReady != nil {
			onReady(project)
		}
	}

	if old != nil && old.Handle != nil {
		go old.Handle.Cancel()
	}
	if err == nil {
		go m.watchExit(project, handle)
	}
	return err
}

// watchExit waits for a worker process to exit. If the pool entry still
// points at the observed process, it clears it and triggers auto-heal
// unless the stop was intentional (idle reap).
func (m *Manager) watchExit(project string, handle *types.WorkerHandle) {
	<-handle.Done

	m.mu.Lock()
	current, ok := m.pools[project]
	if !ok || current.Handle != handle {
		m.mu.Unlock()
		return
	}
	delete(m.pools, project)
	m.projectReady[project] = false
	intentional := m.intentionalStop[project]
	if intentional {
		delete(m.intentionalStop, project)
	}
	m.mu.Unlock()

	if intentional {
		return
	}
	metrics.WorkerRestarts.WithLabelValues(project, "crash").Inc()
	go func() {
		_ = m.Restart(context.Background(), project)
	}()
}

// IncrementInflight records a dispatched request and bumps last-active.
func (m *Manager) IncrementInflight(project string) {
	m.mu.Lock()
	m.projectInflight[project]++
	m.projectLastActive[project] = time.Now()
	n := m.projectInflight[project]
	m.mu.Unlock()
	metrics.Inflight.WithLabelValues(project).Set(float64(n))
}

// DecrementInflight records a completed/cancelled request and bumps
// last-active. Never goes below zero.
func (m *Manager) DecrementInflight(project string) {
	m.mu.Lock()
	if m.projectInflight[project] > 0 {
		m.projectInflight[project]--
	}
	m.projectLastActive[project] = time.Now()
	n := m.projectInflight[project]
	m.mu.Unlock()
	metrics.Inflight.WithLabelValues(project).Set(float64(n))
}

// WaitForProjectReady resolves true immediately if already ready,
// otherwise registers a waiter and blocks up to timeoutMs.
func (m *Manager) WaitForProjectReady(ctx context.Context, project string, timeoutMs int64) bool {
	m.mu.Lock()
	if m.projectReady[project] {
		m.mu.Unlock()
		return true
	}
	waiter := make(chan struct{})
	m.readyWaiters[project] = append(m.readyWaiters[project], waiter)
	m.mu.Unlock()

	select {
	case <-waiter:
		return true
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		return false
	case <-ctx.Done():
		return false
	}
}

// idleTTLLocked resolves the idle-reap TTL for a project: last-spawn
// override, then per-project config, then the global autoscale default.
// Zero means idle reaping is disabled for that project. Callers must
// already hold m.mu.
func (m *Manager) idleTTLLocked(project string) time.Duration {
	selected, ok := m.lastSpawnOptions[project]
	if ok && selected.IdleTTLMs > 0 {
		return time.Duration(selected.IdleTTLMs) * time.Millisecond
	}
	if pc, ok := m.cfg.Projects[project]; ok && pc.IdleTTLMs > 0 {
		return time.Duration(pc.IdleTTLMs) * time.Millisecond
	}
	if m.cfg.Autoscale.IdleTTLMs > 0 {
		return time.Duration(m.cfg.Autoscale.IdleTTLMs) * time.Millisecond
	}
	return 0
}

// RunIdleReaper runs a 1Hz scan until ctx is cancelled, stopping any
// project whose inflight count is zero and whose idle TTL has elapsed
//.
func (m *Manager) RunIdleReaper(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	now := time.Now()
	m.mu.Lock()
	var toReap []struct {
		project string
		handle  *types.WorkerHandle
	}
	for project, entry := range m.pools {
		if m.projectInflight[project] != 0 {
			continue
		}
		ttl := m.idleTTLLocked(project)
		if ttl <= 0 {
			continue
		}
		if now.Sub(m.projectLastActive[project]) <= ttl {
			continue
		}
		m.intentionalStop[project] = true
		m.projectReady[project] = false
		delete(m.pools, project)
		toReap = append(toReap, struct {
			project string
			handle  *types.WorkerHandle
		}{project, entry.Handle})
	}
	m.mu.Unlock()

	for _, r := range toReap {
		metrics.IdleReaps.WithLabelValues(r.project).Inc()
		r.handle.Cancel()
	}
}
