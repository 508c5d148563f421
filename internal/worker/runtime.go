// ============================================================================
// agentfleet worker runtime
// ============================================================================
//
// Package: internal/worker
// File: runtime.go
// Purpose: connect the worker pool to the bus and the task lifecycle.
//
//   tasks.assigned ──(group worker-<role>)──> onAssigned
//        │  Reporter.Start        assigned -> in_progress
//        │  publish progress      "started"
//        └─ Pool.Submit
//                 │
//   resultLoop <──┘
//        │  publish agent response
//        └─ Reporter.Complete     unless the workflow paused
//
// A paused result leaves the task in_progress; whoever resumes the workflow
// reports the completion.
//
// Every job runs under its own context. It ends at the task deadline when the
// reporter knows one, and Cancel ends it early once the dispatcher expired
// the task; the late result of a cancelled job is discarded.
//
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/agentfleet/internal/bus"
	"github.com/ChuLiYu/agentfleet/internal/dispatcher"
	"github.com/ChuLiYu/agentfleet/internal/tasks"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// Progress statuses published on tasks.progress.
const (
	ProgressStarted   = "started"
	ProgressPaused    = "paused"
	ProgressCompleted = "completed"
	ProgressFailed    = "failed"
	ProgressExpired   = "expired"
)

// Reporter drives the task lifecycle. dispatcher.Dispatcher implements it.
type Reporter interface {
	Start(ctx context.Context, id types.TaskID) error
	Complete(ctx context.Context, id types.TaskID, res dispatcher.CompletionResult) error
}

// Holder is implemented by reporters that suspend the deadline of a paused
// task.
type Holder interface {
	Hold(ctx context.Context, id types.TaskID) error
}

// Deadliner is implemented by reporters that know when an in-progress task
// expires.
type Deadliner interface {
	Deadline(id types.TaskID) (time.Time, bool)
}

// Recorder observes finished jobs. metrics.Collector implements it.
type Recorder interface {
	ObserveTask(role types.Role, outcome string, d time.Duration)
}

// Config tunes a Runtime.
type Config struct {
	Roles       []types.Role  // roles served by this runtime
	Concurrency int           // worker goroutines (default 4)
	BufferSize  int           // job and result buffer (default 64)
	JobTimeout  time.Duration // per-job deadline, 0 for none
	DedupWindow int           // remembered assignment event ids
	Recorder    Recorder
	Logger      *slog.Logger
}

// Runtime consumes assignments for a set of roles and executes them.
type Runtime struct {
	bus      bus.Bus
	reporter Reporter
	pool     *Pool
	cfg      Config
	log      *slog.Logger

	mu   sync.Mutex
	subs []bus.Subscription
	done chan struct{}

	jobsMu sync.Mutex
	jobs   map[types.TaskID]*runningJob
}

type runningJob struct {
	cancel    context.CancelFunc
	cancelled bool
}

// NewRuntime wires a pool running exec to the bus.
func NewRuntime(b bus.Bus, exec Executor, rep Reporter, cfg Config) *Runtime {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		bus:      b,
		reporter: rep,
		pool:     NewPool(cfg.BufferSize, exec, logger),
		cfg:      cfg,
		log:      logger.With("component", "worker-runtime"),
		done:     make(chan struct{}),
		jobs:     make(map[types.TaskID]*runningJob),
	}
}

// Start launches the pool and subscribes one consumer group per role.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.pool.Start(r.cfg.Concurrency); err != nil {
		return err
	}
	go r.resultLoop(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, role := range r.cfg.Roles {
		h := bus.Dedup(r.onAssigned(role), r.cfg.DedupWindow)
		sub, err := r.bus.Subscribe(ctx, []string{bus.TopicAssigned}, GroupFor(role), h)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", role, err)
		}
		r.subs = append(r.subs, sub)
	}
	r.log.Info("worker runtime started", "roles", r.cfg.Roles, "concurrency", r.cfg.Concurrency)
	return nil
}

// Stop unsubscribes, lets running jobs finish and waits for their results
// to be reported.
func (r *Runtime) Stop() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
	r.pool.Stop()
	<-r.done
	r.log.Info("worker runtime stopped")
}

// Cancel ends the running job of a task the dispatcher already expired. The
// job's eventual result is discarded. It reports whether a job was running.
func (r *Runtime) Cancel(id types.TaskID) bool {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false
	}
	j.cancelled = true
	j.cancel()
	r.log.Warn("job cancelled", "task_id", id)
	return true
}

// Running returns the number of jobs submitted and not yet finished.
func (r *Runtime) Running() int {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()
	return len(r.jobs)
}

// track registers the context a task's job runs under.
func (r *Runtime) track(id types.TaskID) context.Context {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if d, ok := r.reporter.(Deadliner); ok {
		if at, ok := d.Deadline(id); ok {
			ctx, cancel = context.WithDeadline(context.Background(), at)
		}
	}
	if ctx == nil {
		ctx, cancel = context.WithCancel(context.Background())
	}
	r.jobsMu.Lock()
	r.jobs[id] = &runningJob{cancel: cancel}
	r.jobsMu.Unlock()
	return ctx
}

// untrack releases the job context and reports whether Cancel hit it.
func (r *Runtime) untrack(id types.TaskID) (cancelled bool) {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false
	}
	delete(r.jobs, id)
	j.cancel()
	return j.cancelled
}

// GroupFor names the consumer group of a role.
func GroupFor(role types.Role) string {
	return "worker-" + string(role)
}

func (r *Runtime) onAssigned(role types.Role) bus.Handler {
	return func(ctx context.Context, ev types.Event) error {
		var a types.TaskAssignedEvent
		if err := ev.Decode(&a); err != nil {
			r.log.Error("undecodable assignment dropped", "event_id", ev.ID, "error", err)
			return nil
		}
		if a.TargetRole != role {
			return nil
		}

		if err := r.reporter.Start(ctx, a.TaskID); err != nil {
			if errors.Is(err, tasks.ErrInvalidTransition) || errors.Is(err, tasks.ErrTaskNotFound) {
				// redelivery of a task that already started or was withdrawn
				r.log.Debug("assignment skipped", "task_id", a.TaskID, "error", err)
				return nil
			}
			return fmt.Errorf("start %s: %w", a.TaskID, err)
		}

		task := types.Task{
			ID:             a.TaskID,
			Type:           a.TaskType,
			TargetRole:     a.TargetRole,
			TargetWorkerID: a.TargetWorkerID,
			Priority:       a.Priority,
			RoutingReason:  a.RoutingReason,
			ProjectID:      a.ProjectID,
			Context:        a.Context,
			Status:         types.TaskInProgress,
		}
		r.progress(ctx, task.ID, task.TargetWorkerID, ProgressStarted)

		job := Job{Task: task, WorkerID: a.TargetWorkerID, Timeout: r.cfg.JobTimeout, ctx: r.track(task.ID)}
		if err := r.pool.Submit(job); err != nil {
			r.untrack(task.ID)
			r.log.Warn("job not accepted", "task_id", task.ID, "error", err)
			r.complete(ctx, task.ID, dispatcher.CompletionResult{Error: err.Error()})
		}
		return nil
	}
}

func (r *Runtime) resultLoop(ctx context.Context) {
	defer close(r.done)
	for {
		res, err := r.pool.ReceiveResult()
		if err != nil {
			return
		}
		r.finish(context.WithoutCancel(ctx), res)
	}
}

func (r *Runtime) finish(ctx context.Context, res Result) {
	if r.untrack(res.TaskID) {
		// the dispatcher already failed the task and freed its worker
		r.log.Info("result of expired task discarded", "task_id", res.TaskID, "duration", res.Duration)
		r.observe(res.Role, ProgressExpired, res.Duration)
		return
	}
	if res.Err == nil && res.Outcome.Paused {
		r.log.Info("workflow paused", "task_id", res.TaskID)
		if h, ok := r.reporter.(Holder); ok {
			if err := h.Hold(ctx, res.TaskID); err != nil {
				r.log.Warn("hold paused task", "task_id", res.TaskID, "error", err)
			}
		}
		r.progress(ctx, res.TaskID, res.WorkerID, ProgressPaused)
		r.observe(res.Role, ProgressPaused, res.Duration)
		return
	}

	status := ProgressCompleted
	cr := dispatcher.CompletionResult{Success: true, Summary: res.Outcome.Summary, HandoffTo: res.Outcome.HandoffTo}
	if res.Failed() {
		status = ProgressFailed
		cr = dispatcher.CompletionResult{Summary: res.Outcome.Summary, Error: failureText(res)}
	}

	content := cr.Summary
	if content == "" {
		content = cr.Error
	}
	payload := types.AgentResponseEvent{
		TaskID:    res.TaskID,
		WorkerID:  res.WorkerID,
		ProjectID: res.ProjectID,
		Content:   content,
		// successful runs are closed by the dispatcher's handoff greeting
		Completed: res.Failed(),
	}
	if len(res.Outcome.Data) > 0 {
		payload.StructuredData, _ = json.Marshal(res.Outcome.Data)
	}
	if err := bus.PublishPayload(ctx, r.bus, bus.TopicResponses, res.ProjectID, types.EventAgentResponse, payload); err != nil {
		r.log.Warn("publish agent response", "task_id", res.TaskID, "error", err)
	}

	r.complete(ctx, res.TaskID, cr)
	r.progress(ctx, res.TaskID, res.WorkerID, status)
	r.observe(res.Role, status, res.Duration)
	r.log.Info("job finished", "task_id", res.TaskID, "status", status, "duration", res.Duration)
}

func (r *Runtime) complete(ctx context.Context, id types.TaskID, cr dispatcher.CompletionResult) {
	err := r.reporter.Complete(ctx, id, cr)
	switch {
	case err == nil:
	case errors.Is(err, tasks.ErrInvalidTransition):
		r.log.Warn("completion of a finished task ignored", "task_id", id, "error", err)
	default:
		r.log.Error("report completion", "task_id", id, "error", err)
	}
}

func (r *Runtime) progress(ctx context.Context, id types.TaskID, workerID, status string) {
	ev := types.TaskProgressEvent{TaskID: id, WorkerID: workerID, Status: status}
	if err := bus.PublishPayload(ctx, r.bus, bus.TopicProgress, string(id), types.EventTaskProgress, ev); err != nil {
		r.log.Debug("publish progress", "task_id", id, "error", err)
	}
}

func (r *Runtime) observe(role types.Role, outcome string, d time.Duration) {
	if r.cfg.Recorder != nil {
		r.cfg.Recorder.ObserveTask(role, outcome, d)
	}
}

func failureText(res Result) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	if res.Outcome.Summary != "" {
		return res.Outcome.Summary
	}
	return "task failed"
}
