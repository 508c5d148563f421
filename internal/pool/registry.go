package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// ============================================================================
// Registry state
// ============================================================================

// Pool is a capacity-bounded set of workers.
type Pool struct {
	Name            string              `json:"pool_name"`
	Role            types.Role          `json:"role,omitempty"` // empty: hosts any role
	Type            types.PoolType      `json:"type"`
	MaxWorkers      int                 `json:"max_workers"`
	WorkerIDs       map[string]struct{} `json:"worker_ids"`
	TotalSpawned    int                 `json:"total_spawned"`
	TotalTerminated int                 `json:"total_terminated"`
	Active          bool                `json:"active"`
	CreatedBy       string              `json:"created_by,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
}

// Load is |WorkerIDs| / MaxWorkers clamped to [0,1]. MaxWorkers == 0 yields 0.
func Load(p *Pool) float64 {
	if p == nil || p.MaxWorkers <= 0 {
		return 0
	}
	l := float64(len(p.WorkerIDs)) / float64(p.MaxWorkers)
	if l > 1 {
		return 1
	}
	return l
}

// Full reports whether the pool cannot take another worker.
func (p *Pool) Full() bool {
	return len(p.WorkerIDs) >= p.MaxWorkers
}

// Hosts reports whether workers of role may live in the pool.
func (p *Pool) Hosts(role types.Role) bool {
	return p.Role == "" || p.Role == role
}

// SortedWorkerIDs returns member ids in lexical order.
func (p *Pool) SortedWorkerIDs() []string {
	ids := make([]string, 0, len(p.WorkerIDs))
	for id := range p.WorkerIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Pool) clone() *Pool {
	c := *p
	c.WorkerIDs = make(map[string]struct{}, len(p.WorkerIDs))
	for id := range p.WorkerIDs {
		c.WorkerIDs[id] = struct{}{}
	}
	return &c
}

// State is everything the registry guards: pools, workers and project
// ownership. These are the only records mutated by more than one component.
type State struct {
	Pools       map[string]*Pool            `json:"pools"`
	Workers     map[string]*types.Worker    `json:"workers"`
	Ownership   map[string]*types.Ownership `json:"ownership"` // project id -> owner
	OverflowSeq int                         `json:"overflow_seq"`
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		Pools:     make(map[string]*Pool),
		Workers:   make(map[string]*types.Worker),
		Ownership: make(map[string]*types.Ownership),
	}
}

// Clone deep-copies s.
func (s *State) Clone() *State {
	c := &State{
		Pools:       make(map[string]*Pool, len(s.Pools)),
		Workers:     make(map[string]*types.Worker, len(s.Workers)),
		Ownership:   make(map[string]*types.Ownership, len(s.Ownership)),
		OverflowSeq: s.OverflowSeq,
	}
	for k, p := range s.Pools {
		c.Pools[k] = p.clone()
	}
	for k, w := range s.Workers {
		cw := *w
		c.Workers[k] = &cw
	}
	for k, o := range s.Ownership {
		co := *o
		c.Ownership[k] = &co
	}
	return c
}

// SortedPools returns pools ordered by name.
func (s *State) SortedPools() []*Pool {
	pools := make([]*Pool, 0, len(s.Pools))
	for _, p := range s.Pools {
		pools = append(pools, p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name < pools[j].Name })
	return pools
}

// ============================================================================
// Registry
// ============================================================================

// Registry serializes access to State. Update is an atomic read-modify-write:
// fn sees a consistent state and its changes are committed only when it
// returns nil.
type Registry interface {
	View(ctx context.Context, fn func(*State) error) error
	Update(ctx context.Context, fn func(*State) error) error
}

// MemoryRegistry is an in-process Registry. Update runs fn on a private copy
// and swaps it in on success, so a failed fn leaves no partial writes.
type MemoryRegistry struct {
	mu    sync.RWMutex
	state *State
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{state: NewState()}
}

// View runs fn against the live state under a read lock. fn must not mutate it.
func (r *MemoryRegistry) View(ctx context.Context, fn func(*State) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fn(r.state)
}

func (r *MemoryRegistry) Update(ctx context.Context, fn func(*State) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.state.Clone()
	if err := fn(next); err != nil {
		return err
	}
	r.state = next
	return nil
}
