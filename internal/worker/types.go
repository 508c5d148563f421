package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/agentfleet/internal/roles"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// Job is one assignment handed to the pool.
type Job struct {
	Task     types.Task
	WorkerID string        // fleet worker the dispatcher bound the task to
	Timeout  time.Duration // 0 means no per-job deadline

	ctx context.Context // per-task context owned by the runtime, nil for Background
}

// Result is the outcome of running a Job.
type Result struct {
	TaskID    types.TaskID
	Role      types.Role
	WorkerID  string
	ProjectID string
	Outcome   roles.Result
	Err       error
	Duration  time.Duration
}

// Failed reports whether the job ended without a successful outcome.
func (r Result) Failed() bool {
	return r.Err != nil || !r.Outcome.Success
}
