// ============================================================================
// agentfleet worker pool manager
// ============================================================================
//
// Package: internal/pool
// File: manager.go
// Purpose: per-pool capacity tracking, pool selection and overflow autoscale.
//
// Pool kinds:
//   - dedicated: hosts one role, created per role from configuration
//   - universal: the shared pool every role may spill into
//   - overflow:  created by AutoScale when the universal pool runs hot
//
// Invariants:
//   - 0 <= Load(p) <= 1 for every pool
//   - SelectPool never returns a pool with |workers| >= max_workers
//   - CreatePoolForRole returns the existing active pool for a role
//
// Every mutation runs inside Registry.Update so two admissions can never both
// see the last free slot.
//
// ============================================================================

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/agentfleet/pkg/types"
)

const (
	// DefaultUniversalPool names the shared pool.
	DefaultUniversalPool = "universal_pool"
	// DefaultThreshold is the universal load that triggers an overflow pool.
	DefaultThreshold = 0.8
	// OverflowPrefix is suffixed with an incrementing counter.
	OverflowPrefix = "overflow_pool_"
)

var (
	ErrPoolNotFound   = errors.New("pool not found")
	ErrPoolFull       = errors.New("pool is full")
	ErrWorkerNotFound = errors.New("worker not found")
	ErrNoCapacity     = errors.New("no pool has capacity")
	ErrSpawnFailed    = errors.New("worker spawn failed")
)

// Spawner provisions whatever runs behind a registered worker, such as a
// container or a remote agent process. It is called after the registry
// commit; a failed Spawn removes the worker again.
type Spawner interface {
	Spawn(ctx context.Context, w types.Worker) error
	Terminate(ctx context.Context, workerID string) error
}

// Config tunes the manager.
type Config struct {
	UniversalPool      string
	UniversalMax       int
	OverflowMaxWorkers int // cap for each overflow pool (default 50)
	MaxOverflowPools   int // active overflow pools allowed (default 4, negative disables)
	Threshold          float64
	Spawner            Spawner // nil: workers are in-process only
	Logger             *slog.Logger
}

// Manager owns pool lifecycle on top of a Registry.
type Manager struct {
	reg Registry
	cfg Config
	log *slog.Logger
}

// NewManager applies defaults to cfg.
func NewManager(reg Registry, cfg Config) *Manager {
	if cfg.UniversalPool == "" {
		cfg.UniversalPool = DefaultUniversalPool
	}
	if cfg.UniversalMax <= 0 {
		cfg.UniversalMax = 50
	}
	if cfg.OverflowMaxWorkers <= 0 {
		cfg.OverflowMaxWorkers = 50
	}
	if cfg.MaxOverflowPools == 0 {
		cfg.MaxOverflowPools = 4
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{reg: reg, cfg: cfg, log: logger.With("component", "pool")}
}

// Registry returns the underlying registry.
func (m *Manager) Registry() Registry {
	return m.reg
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// ============================================================================
// Pool lifecycle
// ============================================================================

// Bootstrap creates the universal pool and one dedicated pool per entry of
// dedicated (role -> max workers). Existing pools are kept.
func (m *Manager) Bootstrap(ctx context.Context, dedicated map[types.Role]int) error {
	if _, err := m.CreatePoolForRole(ctx, "", types.PoolUniversal, m.cfg.UniversalMax, "bootstrap"); err != nil {
		return err
	}
	for role, limit := range dedicated {
		if _, err := m.CreatePoolForRole(ctx, role, types.PoolDedicated, limit, "bootstrap"); err != nil {
			return err
		}
	}
	return nil
}

// CreatePoolForRole returns the active pool for role, creating it when absent.
// For the universal pool pass an empty role and types.PoolUniversal.
func (m *Manager) CreatePoolForRole(ctx context.Context, role types.Role, typ types.PoolType, maxWorkers int, createdBy string) (*Pool, error) {
	var out *Pool
	err := m.reg.Update(ctx, func(s *State) error {
		p, created := CreatePoolForRole(s, m.cfg.UniversalPool, role, typ, maxWorkers, createdBy)
		if created {
			m.log.Info("pool created", "pool", p.Name, "role", role, "type", typ, "max_workers", maxWorkers)
		}
		out = p.clone()
		return nil
	})
	return out, err
}

// CreatePoolForRole is the in-transaction form of Manager.CreatePoolForRole.
// It reports whether a new pool was created.
func CreatePoolForRole(s *State, universalName string, role types.Role, typ types.PoolType, maxWorkers int, createdBy string) (*Pool, bool) {
	for _, p := range s.SortedPools() {
		if !p.Active || p.Role != role {
			continue
		}
		if role == "" && p.Type != typ {
			continue
		}
		return p, false
	}

	name := fmt.Sprintf("%s_pool", role)
	if typ == types.PoolUniversal {
		name = universalName
	}
	p := &Pool{
		Name:       name,
		Role:       role,
		Type:       typ,
		MaxWorkers: maxWorkers,
		WorkerIDs:  make(map[string]struct{}),
		Active:     true,
		CreatedBy:  createdBy,
		CreatedAt:  time.Now().UTC(),
	}
	s.Pools[p.Name] = p
	return p, true
}

// SelectPool returns a copy of the pool SelectPool picks for role.
func (m *Manager) SelectPool(ctx context.Context, role types.Role, preferRolePool bool) (*Pool, error) {
	var out *Pool
	err := m.reg.View(ctx, func(s *State) error {
		if p := SelectPool(s, role, preferRolePool); p != nil {
			out = p.clone()
		}
		return nil
	})
	return out, err
}

// SelectPool picks a pool for a new worker of role: the role's dedicated pool
// when preferred and not full, else the least loaded non-full active pool
// that hosts the role. Nil means every candidate is full.
func SelectPool(s *State, role types.Role, preferRolePool bool) *Pool {
	pools := s.SortedPools()
	if preferRolePool {
		for _, p := range pools {
			if p.Active && p.Type == types.PoolDedicated && p.Role == role && !p.Full() {
				return p
			}
		}
	}

	var best *Pool
	for _, p := range pools {
		if !p.Active || !p.Hosts(role) || p.Full() {
			continue
		}
		if best == nil || Load(p) < Load(best) {
			best = p
		}
	}
	return best
}

// AutoScale creates an overflow pool when the universal pool's load is at or
// above threshold. It returns nil when no pool was created, including when an
// existing overflow pool still has headroom below threshold or the overflow
// pool limit is reached.
func (m *Manager) AutoScale(ctx context.Context, threshold float64) (*Pool, error) {
	if threshold <= 0 {
		threshold = m.cfg.Threshold
	}
	var out *Pool
	err := m.reg.Update(ctx, func(s *State) error {
		universal, ok := s.Pools[m.cfg.UniversalPool]
		if !ok || !universal.Active {
			return fmt.Errorf("%w: %s", ErrPoolNotFound, m.cfg.UniversalPool)
		}
		load := Load(universal)
		if load < threshold {
			return nil
		}
		overflow := 0
		for _, p := range s.Pools {
			if !p.Active || p.Type != types.PoolOverflow {
				continue
			}
			if Load(p) < threshold {
				return nil
			}
			overflow++
		}
		if overflow >= m.cfg.MaxOverflowPools {
			m.log.Warn("overflow pool limit reached", "active_overflow", overflow, "universal_load", load)
			return nil
		}

		capacity := m.cfg.OverflowMaxWorkers
		if universal.MaxWorkers < capacity {
			capacity = universal.MaxWorkers
		}
		s.OverflowSeq++
		p := &Pool{
			Name:       fmt.Sprintf("%s%d", OverflowPrefix, s.OverflowSeq),
			Type:       types.PoolOverflow,
			MaxWorkers: capacity,
			WorkerIDs:  make(map[string]struct{}),
			Active:     true,
			CreatedBy:  "autoscale",
			CreatedAt:  time.Now().UTC(),
		}
		s.Pools[p.Name] = p
		out = p.clone()
		m.log.Info("overflow pool created",
			"pool", p.Name, "max_workers", capacity,
			"universal_load", load, "threshold", threshold)
		return nil
	})
	return out, err
}

// ============================================================================
// Worker lifecycle
// ============================================================================

// SpawnWorker adds an idle worker of role to the pool SelectPool picks.
func (m *Manager) SpawnWorker(ctx context.Context, role types.Role) (*types.Worker, error) {
	var out types.Worker
	err := m.reg.Update(ctx, func(s *State) error {
		p := SelectPool(s, role, true)
		if p == nil {
			return fmt.Errorf("%w: role %s", ErrNoCapacity, role)
		}
		w, err := SpawnInto(s, p.Name, role)
		if err != nil {
			return err
		}
		out = *w
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.Provision(ctx, out); err != nil {
		if derr := m.Discard(ctx, out.ID); derr != nil {
			m.log.Error("discard unprovisioned worker", "worker_id", out.ID, "error", derr)
		}
		return nil, err
	}
	m.log.Debug("worker spawned", "worker_id", out.ID, "role", role, "pool", out.Pool)
	return &out, nil
}

// Provision hands a newly registered worker to the Spawner, if one is set.
func (m *Manager) Provision(ctx context.Context, w types.Worker) error {
	if m.cfg.Spawner == nil {
		return nil
	}
	if err := m.cfg.Spawner.Spawn(ctx, w); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSpawnFailed, w.ID, err)
	}
	return nil
}

// Discard removes a worker from the registry without telling the Spawner.
func (m *Manager) Discard(ctx context.Context, workerID string) error {
	return m.reg.Update(ctx, func(s *State) error {
		return Terminate(s, workerID)
	})
}

// SpawnInto registers a new idle worker in the named pool.
func SpawnInto(s *State, poolName string, role types.Role) (*types.Worker, error) {
	p, ok := s.Pools[poolName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, poolName)
	}
	if p.Full() {
		return nil, fmt.Errorf("%w: %s", ErrPoolFull, poolName)
	}
	w := &types.Worker{
		ID:        fmt.Sprintf("%s-%s", role, uuid.New().String()[:8]),
		Role:      role,
		Pool:      p.Name,
		Status:    types.WorkerIdle,
		CreatedAt: time.Now().UTC(),
	}
	p.WorkerIDs[w.ID] = struct{}{}
	p.TotalSpawned++
	s.Workers[w.ID] = w
	return w, nil
}

// TerminateWorker removes an idle or busy worker from its pool.
func (m *Manager) TerminateWorker(ctx context.Context, workerID string) error {
	if err := m.Discard(ctx, workerID); err != nil {
		return err
	}
	if m.cfg.Spawner != nil {
		if err := m.cfg.Spawner.Terminate(ctx, workerID); err != nil {
			return fmt.Errorf("terminate %s: %w", workerID, err)
		}
	}
	return nil
}

// Terminate is the in-transaction form of TerminateWorker.
func Terminate(s *State, workerID string) error {
	w, ok := s.Workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	if p, ok := s.Pools[w.Pool]; ok {
		if _, member := p.WorkerIDs[workerID]; member {
			delete(p.WorkerIDs, workerID)
			p.TotalTerminated++
		}
	}
	for project, o := range s.Ownership {
		if o.WorkerID == workerID {
			delete(s.Ownership, project)
		}
	}
	delete(s.Workers, workerID)
	return nil
}

// IdleWorker returns an idle worker of role, preferring workers that live in
// the role's dedicated pool. Ties break on worker id.
func IdleWorker(s *State, role types.Role) *types.Worker {
	var best *types.Worker
	bestDedicated := false
	for _, w := range s.Workers {
		if w.Role != role || w.Status != types.WorkerIdle {
			continue
		}
		dedicated := false
		if p, ok := s.Pools[w.Pool]; ok {
			if !p.Active {
				continue
			}
			dedicated = p.Type == types.PoolDedicated
		}
		switch {
		case best == nil,
			dedicated && !bestDedicated,
			dedicated == bestDedicated && w.ID < best.ID:
			best, bestDedicated = w, dedicated
		}
	}
	return best
}

// ============================================================================
// Introspection
// ============================================================================

// Stats returns the pool statistics view.
func (m *Manager) Stats(ctx context.Context) (types.PoolStats, error) {
	var out types.PoolStats
	err := m.reg.View(ctx, func(s *State) error {
		out = ComputeStats(s)
		return nil
	})
	return out, err
}

// ComputeStats summarizes active pools.
func ComputeStats(s *State) types.PoolStats {
	var stats types.PoolStats
	stats.Pools = []types.PoolStat{}
	for _, p := range s.SortedPools() {
		if !p.Active {
			continue
		}
		stats.TotalPools++
		stats.TotalWorkers += len(p.WorkerIDs)
		stats.TotalCapacity += p.MaxWorkers
		stats.Pools = append(stats.Pools, types.PoolStat{
			Name:            p.Name,
			Role:            p.Role,
			Type:            p.Type,
			Current:         len(p.WorkerIDs),
			Max:             p.MaxWorkers,
			Load:            Load(p),
			TotalSpawned:    p.TotalSpawned,
			TotalTerminated: p.TotalTerminated,
		})
	}
	if stats.TotalCapacity > 0 {
		stats.OverallLoad = float64(stats.TotalWorkers) / float64(stats.TotalCapacity)
	}
	return stats
}
