// ============================================================================
// agentfleet worker - execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: one goroutine that takes jobs off the pool channel and runs them
// through the role executor.
//
// Loop:
//   ┌─────────────────────────────────────┐
//   │  Worker goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for job := range jobCh       │   │
//   │  │   ├─ context with timeout    │   │
//   │  │   ├─ exec.Handle(task)       │   │
//   │  │   └─ send Result             │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// A panicking handler is turned into a failed Result; the goroutine keeps
// serving. The loop ends when the pool closes jobCh. Every job yields exactly
// one Result, including during shutdown.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/agentfleet/internal/roles"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// Executor runs a task for its target role. roles.Registry implements it.
type Executor interface {
	Handle(ctx context.Context, task types.Task) (roles.Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task types.Task) (roles.Result, error)

func (f ExecutorFunc) Handle(ctx context.Context, task types.Task) (roles.Result, error) {
	return f(ctx, task)
}

// Worker is one execution goroutine of a Pool.
type Worker struct {
	id       int
	exec     Executor
	jobCh    <-chan Job
	resultCh chan<- Result
	log      *slog.Logger
}

func newWorker(id int, exec Executor, jobCh <-chan Job, resultCh chan<- Result, log *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		exec:     exec,
		jobCh:    jobCh,
		resultCh: resultCh,
		log:      log.With("slot", id),
	}
}

// Run serves jobs until the job channel is closed.
func (w *Worker) Run() {
	for job := range w.jobCh {
		w.resultCh <- w.runJob(job)
	}
}

func (w *Worker) runJob(job Job) Result {
	ctx := job.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := w.execute(ctx, job.Task)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return Result{
		TaskID:    job.Task.ID,
		Role:      job.Task.TargetRole,
		WorkerID:  job.WorkerID,
		ProjectID: job.Task.ProjectID,
		Outcome:   out,
		Err:       err,
		Duration:  time.Since(start),
	}
}

func (w *Worker) execute(ctx context.Context, task types.Task) (out roles.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("handler panicked", "task_id", task.ID, "panic", r)
			out, err = roles.Result{}, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.exec.Handle(ctx, task)
}
