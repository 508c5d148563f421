// ============================================================================
// agentfleet task ledger
// ============================================================================
//
// Package: internal/tasks
// File: ledger.go
// Purpose: task lifecycle state machine and per-role wait queues.
//
// State machine:
//   created
//      ↓ Assign(worker)        ↑ Release (assignment rolled back)
//   assigned
//      ↓ Start(deadline)
//   in_progress
//      ↓ Complete / Fail
//   completed | failed
//
// Data layout:
//   tasks  map[TaskID]*Task - single source of truth, Status field is authoritative
//   queues map[Role][]TaskID - FIFO of created tasks waiting for a worker
//
// Single owner: a task id has at most one non-terminal record. Create on an
// active id fails with ErrAlreadyAssigned; a terminal record may be reopened
// as a new attempt, unless it served the same message and reached a worker
// (ErrDuplicate).
//
// ============================================================================

package tasks

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/agentfleet/pkg/types"
)

var (
	ErrAlreadyAssigned   = errors.New("task already has an active assignment")
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrQueueFull         = errors.New("role queue is full")
	ErrDuplicate         = errors.New("task already ran for this message")
)

// MessageIDKey is the task context key naming the message a task serves.
const MessageIDKey = "message_id"

// DefaultQueueLimit bounds each role's wait queue.
const DefaultQueueLimit = 100

// Ledger tracks every task the dispatcher has seen.
type Ledger struct {
	mu         sync.RWMutex
	tasks      map[types.TaskID]*types.Task
	queues     map[types.Role][]types.TaskID
	queueLimit int
}

// SnapshotData is the serialized ledger.
type SnapshotData struct {
	Tasks     map[types.TaskID]*types.Task  `json:"tasks"`
	Queues    map[types.Role][]types.TaskID `json:"queues,omitempty"`
	SchemaVer int                           `json:"schema_version"`
}

// NewLedger creates an empty ledger. A queueLimit <= 0 uses DefaultQueueLimit.
func NewLedger(queueLimit int) *Ledger {
	if queueLimit <= 0 {
		queueLimit = DefaultQueueLimit
	}
	return &Ledger{
		tasks:      make(map[types.TaskID]*types.Task),
		queues:     make(map[types.Role][]types.TaskID),
		queueLimit: queueLimit,
	}
}

// Create records task in the created state.
func (l *Ledger) Create(task types.Task) (types.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	attempt := 0
	if existing, ok := l.tasks[task.ID]; ok {
		if !existing.Status.Terminal() {
			return *existing, fmt.Errorf("%w: %s (%s)", ErrAlreadyAssigned, task.ID, existing.Status)
		}
		if ran(existing) && sameMessage(existing, &task) {
			return *existing, fmt.Errorf("%w: %s (%s)", ErrDuplicate, task.ID, existing.Status)
		}
		attempt = existing.Attempt + 1
	}

	now := time.Now().UnixMilli()
	task.Status = types.TaskCreated
	task.TargetWorkerID = ""
	task.Deadline = nil
	task.Attempt = attempt
	task.CreatedAt = now
	task.UpdatedAt = now
	l.tasks[task.ID] = &task
	return task, nil
}

// ran reports whether a terminal task got as far as a worker. Tasks failed
// during dispatch never did and may be retried.
func ran(t *types.Task) bool {
	return t.Status == types.TaskCompleted || t.TargetWorkerID != ""
}

func sameMessage(a, b *types.Task) bool {
	am, _ := a.Context[MessageIDKey].(string)
	bm, _ := b.Context[MessageIDKey].(string)
	return am != "" && am == bm
}

// Assign binds a created task to workerID.
func (l *Ledger) Assign(id types.TaskID, workerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.transition(id, types.TaskAssigned, types.TaskCreated)
	if err != nil {
		return err
	}
	t.TargetWorkerID = workerID
	l.dropFromQueue(t.TargetRole, id)
	return nil
}

// Release returns an assigned task to created, for example when publishing
// the assignment failed.
func (l *Ledger) Release(id types.TaskID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.transition(id, types.TaskCreated, types.TaskAssigned)
	if err != nil {
		return err
	}
	t.TargetWorkerID = ""
	return nil
}

// Start moves an assigned task to in_progress with a deadline.
func (l *Ledger) Start(id types.TaskID, deadline time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.transition(id, types.TaskInProgress, types.TaskAssigned)
	if err != nil {
		return err
	}
	if !deadline.IsZero() {
		ms := deadline.UnixMilli()
		t.Deadline = &ms
	}
	return nil
}

// SetDeadline re-arms the deadline of an in-progress task. A zero deadline
// clears it, so the task never expires.
func (l *Ledger) SetDeadline(id types.TaskID, deadline time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != types.TaskInProgress {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, t.Status)
	}
	if deadline.IsZero() {
		t.Deadline = nil
	} else {
		ms := deadline.UnixMilli()
		t.Deadline = &ms
	}
	t.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// Complete marks an assigned or in-progress task completed.
func (l *Ledger) Complete(id types.TaskID) (types.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.transition(id, types.TaskCompleted, types.TaskAssigned, types.TaskInProgress)
	if err != nil {
		return types.Task{}, err
	}
	t.Deadline = nil
	return *t, nil
}

// Fail marks any non-terminal task failed.
func (l *Ledger) Fail(id types.TaskID, reason string) (types.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.transition(id, types.TaskFailed, types.TaskCreated, types.TaskAssigned, types.TaskInProgress)
	if err != nil {
		return types.Task{}, err
	}
	t.Deadline = nil
	if reason != "" {
		if t.Context == nil {
			t.Context = make(map[string]any)
		}
		t.Context["failure_reason"] = reason
	}
	l.dropFromQueue(t.TargetRole, id)
	return *t, nil
}

func (l *Ledger) transition(id types.TaskID, to types.TaskStatus, from ...types.TaskStatus) (*types.Task, error) {
	t, ok := l.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	for _, f := range from {
		if t.Status == f {
			t.Status = to
			t.UpdatedAt = time.Now().UnixMilli()
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, t.Status, to)
}

// ============================================================================
// Role queues
// ============================================================================

// Enqueue parks a created task until a worker of its role frees up.
func (l *Ledger) Enqueue(id types.TaskID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != types.TaskCreated {
		return fmt.Errorf("%w: cannot queue %s task %s", ErrInvalidTransition, t.Status, id)
	}
	q := l.queues[t.TargetRole]
	for _, queued := range q {
		if queued == id {
			return nil
		}
	}
	if len(q) >= l.queueLimit {
		return fmt.Errorf("%w: %s (%d)", ErrQueueFull, t.TargetRole, l.queueLimit)
	}
	l.queues[t.TargetRole] = append(q, id)
	return nil
}

// Peek returns the oldest queued task for role without removing it; Assign
// and Fail take a task off its queue. Stale entries at the head are dropped.
func (l *Ledger) Peek(role types.Role) (types.Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q := l.queues[role]
	for len(q) > 0 {
		if t, ok := l.tasks[q[0]]; ok && t.Status == types.TaskCreated {
			l.queues[role] = q
			return *t, true
		}
		q = q[1:]
	}
	delete(l.queues, role)
	return types.Task{}, false
}

// QueueLen reports how many tasks wait for role.
func (l *Ledger) QueueLen(role types.Role) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.queues[role])
}

// QueuedRoles lists roles with waiting tasks, sorted.
func (l *Ledger) QueuedRoles() []types.Role {
	l.mu.RLock()
	defer l.mu.RUnlock()

	roles := make([]types.Role, 0, len(l.queues))
	for r, q := range l.queues {
		if len(q) > 0 {
			roles = append(roles, r)
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

func (l *Ledger) dropFromQueue(role types.Role, id types.TaskID) {
	q := l.queues[role]
	for i, queued := range q {
		if queued == id {
			l.queues[role] = append(q[:i:i], q[i+1:]...)
			return
		}
	}
}

// ============================================================================
// Queries
// ============================================================================

// Get returns a copy of the task.
func (l *Ledger) Get(id types.TaskID) (types.Task, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tasks[id]
	if !ok {
		return types.Task{}, false
	}
	return *t, true
}

// InProgress counts tasks of role that hold a worker (assigned or in progress).
func (l *Ledger) InProgress(role types.Role) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, t := range l.tasks {
		if t.TargetRole == role && (t.Status == types.TaskAssigned || t.Status == types.TaskInProgress) {
			n++
		}
	}
	return n
}

// Expired returns in-progress tasks whose deadline is before now.
func (l *Ledger) Expired(now time.Time) []types.TaskID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	nowMs := now.UnixMilli()
	var expired []types.TaskID
	for id, t := range l.tasks {
		if t.Status == types.TaskInProgress && t.Deadline != nil && *t.Deadline < nowMs {
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	return expired
}

// List returns all tasks ordered by creation time.
func (l *Ledger) List() []types.Task {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.Task, 0, len(l.tasks))
	for _, t := range l.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats counts tasks per status plus queued tasks.
func (l *Ledger) Stats() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := map[string]int{
		string(types.TaskCreated):    0,
		string(types.TaskAssigned):   0,
		string(types.TaskInProgress): 0,
		string(types.TaskCompleted):  0,
		string(types.TaskFailed):     0,
		"queued":                     0,
	}
	for _, t := range l.tasks {
		stats[string(t.Status)]++
	}
	for _, q := range l.queues {
		stats["queued"] += len(q)
	}
	return stats
}

// ============================================================================
// Snapshot & restore
// ============================================================================

// Snapshot deep-copies the ledger.
func (l *Ledger) Snapshot() SnapshotData {
	l.mu.RLock()
	defer l.mu.RUnlock()

	data := SnapshotData{
		Tasks:     make(map[types.TaskID]*types.Task, len(l.tasks)),
		Queues:    make(map[types.Role][]types.TaskID, len(l.queues)),
		SchemaVer: SchemaVersion,
	}
	for id, t := range l.tasks {
		cp := *t
		if t.Context != nil {
			cp.Context = make(map[string]any, len(t.Context))
			for k, v := range t.Context {
				cp.Context[k] = v
			}
		}
		data.Tasks[id] = &cp
	}
	for r, q := range l.queues {
		data.Queues[r] = append([]types.TaskID(nil), q...)
	}
	return data
}

// Restore replaces the ledger contents with data.
func (l *Ledger) Restore(data SnapshotData) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tasks = make(map[types.TaskID]*types.Task, len(data.Tasks))
	l.queues = make(map[types.Role][]types.TaskID, len(data.Queues))
	for id, t := range data.Tasks {
		cp := *t
		l.tasks[id] = &cp
	}
	for r, q := range data.Queues {
		for _, id := range q {
			if t, ok := l.tasks[id]; ok && t.Status == types.TaskCreated {
				l.queues[r] = append(l.queues[r], id)
			}
		}
	}
}
