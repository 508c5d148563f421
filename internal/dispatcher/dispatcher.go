// ============================================================================
// agentfleet task dispatcher
// ============================================================================
//
// Package: internal/dispatcher
// File: dispatcher.go
// Purpose: bind tasks to concrete workers and publish the assignment.
//
// Assign flow:
//   1. ledger.Create            - single-owner check on the task id
//   2. registry.Update          - idle worker (dedicated first) or spawn into
//                                 SelectPool, mark busy, record ownership
//   3. ledger.Assign            - created -> assigned
//   4. publish TaskAssigned     - keyed by worker id; failure rolls 2 and 3 back
//
// No capacity: one AutoScale attempt, then the role queue, then
// ErrNoWorkerAvailable.
//
// Complete flow:
//   one registry transaction releases the worker, clears or hands over the
//   project ownership and decides the greeting; the greeting is published
//   after commit, then the role queue is drained.
//
// ============================================================================

package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/agentfleet/internal/bus"
	"github.com/ChuLiYu/agentfleet/internal/pool"
	"github.com/ChuLiYu/agentfleet/internal/tasks"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

var (
	// ErrNoWorkerAvailable is the capacity outcome surfaced to the routing layer.
	ErrNoWorkerAvailable = errors.New("NO_WORKER_AVAILABLE")
	// ErrWorkerMismatch is returned when a task pins a worker that cannot take it.
	ErrWorkerMismatch = errors.New("requested worker cannot take the task")
)

// DegradedMessage is the user-facing reply for ErrNoWorkerAvailable.
const DegradedMessage = "No specialist is available right now, I will try to help directly."

// Outcome classifies an Assign result.
type Outcome string

const (
	OutcomeAssigned Outcome = "assigned"
	OutcomeQueued   Outcome = "queued"
	OutcomeRejected Outcome = "no_worker_available"
)

// Assignment is the result of Assign.
type Assignment struct {
	Task     types.Task
	WorkerID string
	Pool     string
	Outcome  Outcome
}

// CompletionResult is what a worker reports when its workflow ends.
type CompletionResult struct {
	Success bool
	Summary string
	Error   string
	// HandoffTo pins the project to the next role once this task is done.
	HandoffTo types.Role
}

// Recorder receives dispatch outcomes. metrics.Collector implements it.
type Recorder interface {
	RecordAssignment(role types.Role, outcome string)
}

// Config tunes the dispatcher.
type Config struct {
	TaskTimeout time.Duration // in-progress deadline (default 30m)
	Recorder    Recorder
	Logger      *slog.Logger
}

// Dispatcher owns worker assignment and ownership bookkeeping.
type Dispatcher struct {
	bus    bus.Bus
	pools  *pool.Manager
	ledger *tasks.Ledger
	cfg    Config
	log    *slog.Logger

	drainMu sync.Mutex
}

func New(b bus.Bus, pools *pool.Manager, ledger *tasks.Ledger, cfg Config) *Dispatcher {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		bus:    b,
		pools:  pools,
		ledger: ledger,
		cfg:    cfg,
		log:    logger.With("component", "dispatcher"),
	}
}

// Ledger exposes the task ledger.
func (d *Dispatcher) Ledger() *tasks.Ledger {
	return d.ledger
}

// ============================================================================
// Assignment
// ============================================================================

// Assign records task and binds it to a worker of task.TargetRole. When no
// worker can be found the task is queued; a full queue yields
// ErrNoWorkerAvailable and the task is failed.
func (d *Dispatcher) Assign(ctx context.Context, task types.Task) (Assignment, error) {
	if task.ID == "" {
		task.ID = types.TaskID(uuid.NewString())
	}
	created, err := d.ledger.Create(task)
	if err != nil {
		return Assignment{Task: created}, err
	}

	a, err := d.place(ctx, created)
	if err == nil {
		d.record(created.TargetRole, OutcomeAssigned)
		return a, nil
	}
	if !errors.Is(err, pool.ErrNoCapacity) {
		d.failQuietly(created.ID, err.Error())
		return Assignment{Task: created}, err
	}

	// one autoscale attempt before falling back to the queue
	if p, scaleErr := d.pools.AutoScale(ctx, 0); scaleErr != nil {
		d.log.Warn("autoscale on no capacity failed", "error", scaleErr)
	} else if p != nil {
		if a, err = d.place(ctx, created); err == nil {
			d.record(created.TargetRole, OutcomeAssigned)
			return a, nil
		}
		if !errors.Is(err, pool.ErrNoCapacity) {
			d.failQuietly(created.ID, err.Error())
			return Assignment{Task: created}, err
		}
	}

	if qErr := d.ledger.Enqueue(created.ID); qErr == nil {
		d.log.Info("task queued", "task_id", created.ID, "role", created.TargetRole,
			"queue_len", d.ledger.QueueLen(created.TargetRole))
		d.record(created.TargetRole, OutcomeQueued)
		queued, _ := d.ledger.Get(created.ID)
		return Assignment{Task: queued, Outcome: OutcomeQueued}, nil
	}

	d.failQuietly(created.ID, "no worker available")
	d.record(created.TargetRole, OutcomeRejected)
	d.log.Warn("no worker available", "task_id", created.ID, "role", created.TargetRole)
	failed, _ := d.ledger.Get(created.ID)
	return Assignment{Task: failed, Outcome: OutcomeRejected},
		fmt.Errorf("%w: role %s", ErrNoWorkerAvailable, created.TargetRole)
}

// place reserves a worker for a created task and publishes the assignment.
// It returns an error wrapping pool.ErrNoCapacity when nothing can host it.
func (d *Dispatcher) place(ctx context.Context, task types.Task) (Assignment, error) {
	var (
		worker    types.Worker
		prevOwner *types.Ownership
		spawned   bool
	)
	err := d.pools.Registry().Update(ctx, func(s *pool.State) error {
		w, fresh, err := pickWorker(s, task)
		if err != nil {
			return err
		}
		spawned = fresh
		w.Status = types.WorkerBusy
		w.TaskID = task.ID
		worker = *w

		if task.ProjectID != "" {
			if o, ok := s.Ownership[task.ProjectID]; ok {
				cp := *o
				prevOwner = &cp
			}
			s.Ownership[task.ProjectID] = &types.Ownership{
				ProjectID: task.ProjectID,
				WorkerID:  w.ID,
				Role:      task.TargetRole,
				TaskID:    task.ID,
				Phase:     phaseOf(task),
				Since:     time.Now().UTC(),
			}
		}
		return nil
	})
	if err != nil {
		return Assignment{}, err
	}
	if spawned {
		if err := d.pools.Provision(ctx, worker); err != nil {
			d.rollback(ctx, task, worker.ID, prevOwner)
			if derr := d.pools.Discard(ctx, worker.ID); derr != nil {
				d.log.Error("discard unprovisioned worker", "worker_id", worker.ID, "error", derr)
			}
			return Assignment{}, err
		}
	}

	if err := d.ledger.Assign(task.ID, worker.ID); err != nil {
		d.rollback(ctx, task, worker.ID, prevOwner)
		return Assignment{}, err
	}
	task.Status = types.TaskAssigned
	task.TargetWorkerID = worker.ID

	payload := types.TaskAssignedEvent{
		TaskID:         task.ID,
		TaskType:       task.Type,
		TargetRole:     task.TargetRole,
		TargetWorkerID: worker.ID,
		Priority:       task.Priority,
		RoutingReason:  task.RoutingReason,
		ProjectID:      task.ProjectID,
		Context:        task.Context,
		PartitionKey:   worker.ID,
	}
	if err := bus.PublishPayload(ctx, d.bus, bus.TopicAssigned, worker.ID, types.EventTaskAssigned, payload); err != nil {
		d.rollback(ctx, task, worker.ID, prevOwner)
		if relErr := d.ledger.Release(task.ID); relErr != nil {
			d.log.Error("release after publish failure", "task_id", task.ID, "error", relErr)
		}
		return Assignment{}, fmt.Errorf("publish assignment %s: %w", task.ID, err)
	}

	d.log.Info("task assigned",
		"task_id", task.ID, "role", task.TargetRole,
		"worker_id", worker.ID, "pool", worker.Pool)
	return Assignment{Task: task, WorkerID: worker.ID, Pool: worker.Pool, Outcome: OutcomeAssigned}, nil
}

// pickWorker honours an explicit TargetWorkerID, else reuses an idle worker
// of the role, else spawns one into the pool SelectPool picks. The bool is
// true for a spawned worker.
func pickWorker(s *pool.State, task types.Task) (*types.Worker, bool, error) {
	if task.TargetWorkerID != "" {
		w, ok := s.Workers[task.TargetWorkerID]
		if !ok || w.Role != task.TargetRole || w.Status != types.WorkerIdle {
			return nil, false, fmt.Errorf("%w: %s", ErrWorkerMismatch, task.TargetWorkerID)
		}
		return w, false, nil
	}
	if w := pool.IdleWorker(s, task.TargetRole); w != nil {
		return w, false, nil
	}
	p := pool.SelectPool(s, task.TargetRole, true)
	if p == nil {
		return nil, false, fmt.Errorf("%w: role %s", pool.ErrNoCapacity, task.TargetRole)
	}
	w, err := pool.SpawnInto(s, p.Name, task.TargetRole)
	return w, err == nil, err
}

// rollback frees a reserved worker and restores the previous project owner.
func (d *Dispatcher) rollback(ctx context.Context, task types.Task, workerID string, prev *types.Ownership) {
	err := d.pools.Registry().Update(ctx, func(s *pool.State) error {
		if w, ok := s.Workers[workerID]; ok && w.TaskID == task.ID {
			w.Status = types.WorkerIdle
			w.TaskID = ""
		}
		if task.ProjectID == "" {
			return nil
		}
		if o, ok := s.Ownership[task.ProjectID]; ok && o.TaskID == task.ID {
			if prev != nil {
				s.Ownership[task.ProjectID] = prev
			} else {
				delete(s.Ownership, task.ProjectID)
			}
		}
		return nil
	})
	if err != nil {
		d.log.Error("rollback assignment", "task_id", task.ID, "worker_id", workerID, "error", err)
	}
}

func phaseOf(task types.Task) string {
	if phase, ok := task.Context["phase"].(string); ok && phase != "" {
		return phase
	}
	return string(task.Type)
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start moves an assigned task to in_progress and arms its deadline.
func (d *Dispatcher) Start(ctx context.Context, id types.TaskID) error {
	return d.ledger.Start(id, time.Now().Add(d.cfg.TaskTimeout))
}

// Deadline returns when an in-progress task expires.
func (d *Dispatcher) Deadline(id types.TaskID) (time.Time, bool) {
	t, ok := d.ledger.Get(id)
	if !ok || t.Deadline == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*t.Deadline), true
}

// Hold clears the deadline of an in-progress task whose workflow paused. The
// worker stays reserved until the task completes.
func (d *Dispatcher) Hold(ctx context.Context, id types.TaskID) error {
	if err := d.ledger.SetDeadline(id, time.Time{}); err != nil {
		return err
	}
	d.log.Info("task on hold", "task_id", id)
	return nil
}

// Complete finishes a task, releases its worker and clears ownership. A
// greeting is published when this completion ended the worker's ownership of
// the project and no later assignment took it over in between.
func (d *Dispatcher) Complete(ctx context.Context, id types.TaskID, res CompletionResult) error {
	var (
		task types.Task
		err  error
	)
	if res.Success {
		task, err = d.ledger.Complete(id)
	} else {
		task, err = d.ledger.Fail(id, res.Error)
	}
	if err != nil {
		return err
	}

	greet := false
	err = d.pools.Registry().Update(ctx, func(s *pool.State) error {
		greet = false
		if w, ok := s.Workers[task.TargetWorkerID]; ok && w.TaskID == id {
			w.Status = types.WorkerIdle
			w.TaskID = ""
		}
		if task.ProjectID == "" {
			return nil
		}
		o, ok := s.Ownership[task.ProjectID]
		if !ok || o.TaskID != id || o.WorkerID != task.TargetWorkerID {
			return nil
		}
		if res.HandoffTo != "" {
			s.Ownership[task.ProjectID] = &types.Ownership{
				ProjectID: task.ProjectID,
				Role:      res.HandoffTo,
				Phase:     "handoff",
				Since:     time.Now().UTC(),
			}
		} else {
			delete(s.Ownership, task.ProjectID)
		}
		greet = res.Success
		return nil
	})
	if err != nil {
		return fmt.Errorf("release worker for %s: %w", id, err)
	}

	d.log.Info("task finished",
		"task_id", id, "status", task.Status,
		"worker_id", task.TargetWorkerID, "greeting", greet)

	if greet {
		payload := types.AgentResponseEvent{
			TaskID:    id,
			WorkerID:  task.TargetWorkerID,
			ProjectID: task.ProjectID,
			Content:   greeting(task.TargetRole, res.HandoffTo),
			Completed: true,
		}
		if res.Summary != "" {
			payload.StructuredData, _ = json.Marshal(map[string]string{"summary": res.Summary})
		}
		if err := bus.PublishPayload(ctx, d.bus, bus.TopicResponses, task.ProjectID, types.EventAgentResponse, payload); err != nil {
			d.log.Warn("publish handoff greeting", "task_id", id, "error", err)
		}
	}

	d.Drain(ctx, task.TargetRole)
	return nil
}

func greeting(from, to types.Role) string {
	if to != "" {
		return fmt.Sprintf("The %s has finished. The %s will take it from here.", from, to)
	}
	return fmt.Sprintf("The %s has finished. What would you like to work on next?", from)
}

// Drain assigns queued tasks of role while workers are available.
func (d *Dispatcher) Drain(ctx context.Context, role types.Role) int {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()

	assigned := 0
	for {
		task, ok := d.ledger.Peek(role)
		if !ok {
			return assigned
		}
		if _, err := d.place(ctx, task); err != nil {
			if errors.Is(err, pool.ErrNoCapacity) {
				return assigned
			}
			d.log.Warn("queued task could not be assigned", "task_id", task.ID, "error", err)
			d.failQuietly(task.ID, err.Error())
			continue
		}
		d.record(role, OutcomeAssigned)
		assigned++
	}
}

// DrainAll drains every role with waiting tasks.
func (d *Dispatcher) DrainAll(ctx context.Context) int {
	n := 0
	for _, role := range d.ledger.QueuedRoles() {
		n += d.Drain(ctx, role)
	}
	return n
}

// ExpireOverdue fails in-progress tasks whose deadline passed and frees their
// workers. It returns the expired task ids so the jobs still running for them
// can be cancelled.
func (d *Dispatcher) ExpireOverdue(ctx context.Context, now time.Time) []types.TaskID {
	var expired []types.TaskID
	for _, id := range d.ledger.Expired(now) {
		d.log.Warn("task deadline exceeded", "task_id", id)
		if err := d.Complete(ctx, id, CompletionResult{Error: "deadline exceeded"}); err != nil {
			d.log.Error("expire task", "task_id", id, "error", err)
			continue
		}
		expired = append(expired, id)
	}
	return expired
}

// OwnerOf returns the current owner of a project, if any.
func (d *Dispatcher) OwnerOf(ctx context.Context, projectID string) (*types.Ownership, error) {
	var out *types.Ownership
	err := d.pools.Registry().View(ctx, func(s *pool.State) error {
		if o, ok := s.Ownership[projectID]; ok {
			cp := *o
			out = &cp
		}
		return nil
	})
	return out, err
}

func (d *Dispatcher) failQuietly(id types.TaskID, reason string) {
	if _, err := d.ledger.Fail(id, reason); err != nil {
		d.log.Debug("fail task", "task_id", id, "error", err)
	}
}

func (d *Dispatcher) record(role types.Role, outcome Outcome) {
	if d.cfg.Recorder != nil {
		d.cfg.Recorder.RecordAssignment(role, string(outcome))
	}
}
