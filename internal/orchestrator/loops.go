package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/agentfleet/internal/bus"
	"github.com/ChuLiYu/agentfleet/internal/dispatcher"
	"github.com/ChuLiYu/agentfleet/internal/pool"
	"github.com/ChuLiYu/agentfleet/internal/roles"
	"github.com/ChuLiYu/agentfleet/internal/tasks"
	"github.com/ChuLiYu/agentfleet/internal/worker"
	"github.com/ChuLiYu/agentfleet/internal/workflow"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

const statsInterval = 5 * time.Second

// restartReason is recorded on tasks that were running when the previous
// process died and cannot be continued.
const restartReason = "interrupted by restart"

// loop runs fn every interval until Stop. A non-positive interval disables
// the loop.
func (o *Orchestrator) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		o.log.Debug("loop disabled", "loop", name)
		return
	}
	o.loopWg.Add(1)
	go func() {
		defer o.loopWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-o.stopCh:
				o.log.Debug("loop stopped", "loop", name)
				return
			case <-ticker.C:
				// stop may have raced the tick
				select {
				case <-o.stopCh:
					return
				default:
				}
				if err := fn(ctx); err != nil {
					o.log.Error("loop iteration failed", "loop", name, "error", err)
				}
			}
		}
	}()
}

func (o *Orchestrator) autoscaleOnce(ctx context.Context) error {
	if _, err := o.pools.AutoScale(ctx, o.cfg.Pools.Threshold); err != nil && !errors.Is(err, pool.ErrPoolNotFound) {
		return fmt.Errorf("autoscale: %w", err)
	}
	if n := o.dispatcher.DrainAll(ctx); n > 0 {
		o.log.Info("queued tasks assigned", "count", n)
	}
	return nil
}

func (o *Orchestrator) sweepOnce(ctx context.Context) error {
	if expired := o.dispatcher.ExpireOverdue(ctx, time.Now()); len(expired) > 0 {
		for _, id := range expired {
			o.runtime.Cancel(id)
		}
		o.log.Warn("overdue tasks failed", "count", len(expired))
	}
	o.dispatcher.DrainAll(ctx)
	return nil
}

// snapshotOnce persists the ledger and starts a new journal segment when
// events were appended since the last one.
func (o *Orchestrator) snapshotOnce(ctx context.Context) error {
	if o.snapshots == nil {
		return nil
	}
	start := time.Now()
	data := o.ledger.Snapshot()
	if err := o.snapshots.Write(data); err != nil {
		return fmt.Errorf("write task snapshot: %w", err)
	}
	if o.journal != nil && o.journal.LastSeq() > 0 {
		if err := o.journal.Rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}
	o.log.Debug("snapshot taken", "tasks", len(data.Tasks), "duration", time.Since(start))
	return nil
}

func (o *Orchestrator) statsOnce(ctx context.Context) error {
	if o.metrics == nil {
		return nil
	}
	stats, err := o.pools.Stats(ctx)
	if err != nil {
		return fmt.Errorf("pool stats: %w", err)
	}
	o.metrics.UpdatePoolStats(stats)
	return nil
}

// ============================================================================
// Recovery
// ============================================================================

// recoverState restores the ledger snapshot and reconciles it with the
// workflow checkpoints:
//   - in-progress tasks without a resumable checkpoint are failed
//   - assigned tasks whose worker no longer exists are failed
//   - everything else is left for bus redelivery
//
// It returns the unfinished workflow instances that should be resumed.
func (o *Orchestrator) recoverState(ctx context.Context) ([]*workflow.Instance, error) {
	if o.snapshots != nil {
		data, err := o.snapshots.Load()
		if err != nil {
			return nil, fmt.Errorf("load task snapshot: %w", err)
		}
		o.ledger.Restore(data)
	}

	pending, err := o.workflows.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending workflows: %w", err)
	}
	byID := make(map[string]*workflow.Instance, len(pending))
	for _, inst := range pending {
		byID[inst.ID] = inst
	}

	workers := map[string]bool{}
	err = o.pools.Registry().View(ctx, func(s *pool.State) error {
		for id := range s.Workers {
			workers[id] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	failed := 0
	for _, t := range o.ledger.List() {
		var orphan bool
		switch t.Status {
		case types.TaskInProgress:
			_, resumable := byID[string(t.ID)]
			orphan = !resumable
		case types.TaskAssigned:
			orphan = !workers[t.TargetWorkerID]
		}
		if !orphan {
			continue
		}
		if err := o.dispatcher.Complete(ctx, t.ID, dispatcher.CompletionResult{Error: restartReason}); err != nil {
			o.log.Warn("fail interrupted task", "task_id", t.ID, "error", err)
			continue
		}
		failed++
	}

	var resumable []*workflow.Instance
	for _, inst := range pending {
		if inst.Status == workflow.StatusPaused {
			continue
		}
		if !isRouteInstance(inst.ID) {
			t, ok := o.ledger.Get(types.TaskID(inst.ID))
			if !ok || t.Status != types.TaskInProgress {
				o.log.Warn("checkpoint without a running task left in place", "instance_id", inst.ID)
				continue
			}
		}
		resumable = append(resumable, inst)
	}

	o.log.Info("recovery completed",
		"tasks", len(o.ledger.List()), "failed", failed,
		"pending_workflows", len(pending), "resuming", len(resumable))
	return resumable, nil
}

// resumeWorkflows continues interrupted instances in the background.
func (o *Orchestrator) resumeWorkflows(ctx context.Context, insts []*workflow.Instance) {
	for _, inst := range insts {
		o.loopWg.Add(1)
		go func(inst *workflow.Instance) {
			defer o.loopWg.Done()
			if _, err := o.resume(ctx, inst.ID); err != nil {
				o.log.Error("resume workflow", "instance_id", inst.ID, "error", err)
			}
		}(inst)
	}
}

// resume runs an instance from its checkpoint and reports the outcome: a
// routing instance publishes its decision, a task instance completes its
// task.
func (o *Orchestrator) resume(ctx context.Context, id string) (*workflow.Instance, error) {
	inst, err := o.workflows.Resume(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status == workflow.StatusPaused {
		return inst, nil
	}
	if isRouteInstance(id) {
		_, err := o.finishRoute(ctx, inst)
		return inst, err
	}
	return inst, o.reportTask(ctx, inst)
}

// reportTask publishes the agent response of a resumed task workflow and
// completes the task the way the worker runtime would have.
func (o *Orchestrator) reportTask(ctx context.Context, inst *workflow.Instance) error {
	id := types.TaskID(inst.ID)
	t, ok := o.ledger.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, id)
	}
	res := roles.ResultFromInstance(inst)

	status := worker.ProgressCompleted
	cr := dispatcher.CompletionResult{Success: true, Summary: res.Summary, HandoffTo: res.HandoffTo}
	if !res.Success {
		status = worker.ProgressFailed
		cr = dispatcher.CompletionResult{Summary: res.Summary, Error: failureText(inst, res)}
	}

	payload := types.AgentResponseEvent{
		TaskID:    id,
		WorkerID:  t.TargetWorkerID,
		ProjectID: t.ProjectID,
		Content:   res.Summary,
		Completed: !res.Success,
	}
	if len(res.Data) > 0 {
		payload.StructuredData, _ = json.Marshal(res.Data)
	}
	if err := bus.PublishPayload(ctx, o.bus, bus.TopicResponses, t.ProjectID, types.EventAgentResponse, payload); err != nil {
		o.log.Warn("publish agent response", "task_id", id, "error", err)
	}
	if err := o.dispatcher.Complete(ctx, id, cr); err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}

	ev := types.TaskProgressEvent{TaskID: id, WorkerID: t.TargetWorkerID, Status: status}
	if err := bus.PublishPayload(ctx, o.bus, bus.TopicProgress, string(id), types.EventTaskProgress, ev); err != nil {
		o.log.Debug("publish progress", "task_id", id, "error", err)
	}
	o.log.Info("resumed task finished", "task_id", id, "status", status)
	return nil
}

func failureText(inst *workflow.Instance, res roles.Result) string {
	switch {
	case inst.Error != "":
		return inst.Error
	case res.Summary != "":
		return res.Summary
	default:
		return "task failed"
	}
}
