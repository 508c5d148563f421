package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/agentfleet/internal/tasks"
	"github.com/ChuLiYu/agentfleet/internal/workflow"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// TaskView is a task together with its workflow instance, when one exists.
type TaskView struct {
	Task     types.Task
	Workflow *workflow.Instance
}

// Interrupt asks the workflow of task id to pause before its next node. An
// interrupt may be set before the task starts.
func (o *Orchestrator) Interrupt(ctx context.Context, id, reason string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty task id", tasks.ErrTaskNotFound)
	}
	if reason == "" {
		reason = "operator request"
	}
	return o.workflows.Interrupt(ctx, id, reason)
}

// Resume continues a paused workflow and reports its outcome. Instances that
// are still running are rejected with ErrNotPaused.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*workflow.Instance, error) {
	inst, err := o.workflows.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != workflow.StatusPaused {
		return inst, fmt.Errorf("%w: %s is %s", ErrNotPaused, id, inst.Status)
	}
	return o.resume(ctx, id)
}

// TaskStatus looks up a task and its workflow checkpoint.
func (o *Orchestrator) TaskStatus(ctx context.Context, id string) (TaskView, error) {
	t, ok := o.ledger.Get(types.TaskID(id))
	if !ok {
		return TaskView{}, fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, id)
	}
	view := TaskView{Task: t}
	inst, err := o.workflows.Load(ctx, id)
	switch {
	case err == nil:
		view.Workflow = inst
	case !errors.Is(err, workflow.ErrInstanceNotFound):
		return view, err
	}
	return view, nil
}

// Tasks lists every known task in creation order.
func (o *Orchestrator) Tasks() []types.Task {
	return o.ledger.List()
}

// PoolStats reports the pool view.
func (o *Orchestrator) PoolStats(ctx context.Context) (types.PoolStats, error) {
	return o.pools.Stats(ctx)
}

// Stats summarizes the fleet for status output.
func (o *Orchestrator) Stats(ctx context.Context) (map[string]any, error) {
	ps, err := o.pools.Stats(ctx)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	uptime := time.Duration(0)
	if o.started {
		uptime = time.Since(o.startTime)
	}
	o.mu.Unlock()

	out := map[string]any{
		"uptime":       uptime.Round(time.Second).String(),
		"roles":        o.roles.Roles(),
		"pools":        ps.TotalPools,
		"workers":      ps.TotalWorkers,
		"capacity":     ps.TotalCapacity,
		"overall_load": ps.OverallLoad,
	}
	for k, v := range o.ledger.Stats() {
		out["tasks_"+k] = v
	}
	return out, nil
}
