package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/agentfleet/internal/bus"
	"github.com/ChuLiYu/agentfleet/internal/checkpoint"
	"github.com/ChuLiYu/agentfleet/internal/config"
	"github.com/ChuLiYu/agentfleet/internal/dispatcher"
	"github.com/ChuLiYu/agentfleet/internal/metrics"
	"github.com/ChuLiYu/agentfleet/internal/tasks"
	"github.com/ChuLiYu/agentfleet/internal/workflow"
	"github.com/ChuLiYu/agentfleet/internal/workflow/build"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

const waitFor = 3 * time.Second

// ============================================================================
// Test helpers
// ============================================================================

type fleet struct {
	o   *Orchestrator
	bus *bus.MemoryBus

	mu        sync.Mutex
	responses []types.AgentResponseEvent
	decisions []types.RoutingDecisionEvent
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Worker.SnapshotPath = filepath.Join(t.TempDir(), "tasks.snapshot.json")
	cfg.Worker.Concurrency = 2
	return cfg
}

func startFleet(t *testing.T, cfg *config.Config, opts Options) *fleet {
	t.Helper()
	ctx := context.Background()

	mem := bus.NewMemoryBus(bus.MemoryOptions{})
	opts.Config = cfg
	opts.Bus = mem
	opts.Logger = discardLogger()
	o, err := New(opts)
	require.NoError(t, err)

	f := &fleet{o: o, bus: mem}
	_, err = mem.Subscribe(ctx, []string{bus.TopicResponses}, "test", func(ctx context.Context, ev types.Event) error {
		var r types.AgentResponseEvent
		_ = ev.Decode(&r)
		f.mu.Lock()
		f.responses = append(f.responses, r)
		f.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	_, err = mem.Subscribe(ctx, []string{bus.TopicDecisions}, "test", func(ctx context.Context, ev types.Event) error {
		var d types.RoutingDecisionEvent
		_ = ev.Decode(&d)
		f.mu.Lock()
		f.decisions = append(f.decisions, d)
		f.mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, o.Start(ctx))
	t.Cleanup(func() {
		o.Stop()
		mem.Close()
	})
	return f
}

func (f *fleet) submit(t *testing.T, id, content string) {
	t.Helper()
	_, err := f.o.Submit(context.Background(), types.Message{ID: id, Content: content, ProjectID: "p1", UserID: "u1"})
	require.NoError(t, err)
}

func (f *fleet) decision(t *testing.T, messageID string) types.RoutingDecisionEvent {
	t.Helper()
	var out types.RoutingDecisionEvent
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, d := range f.decisions {
			if d.MessageID == messageID {
				out = d
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond, "no decision for %s", messageID)
	return out
}

func (f *fleet) responsesFor(taskID types.TaskID) []types.AgentResponseEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.AgentResponseEvent
	for _, r := range f.responses {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out
}

func (f *fleet) waitTask(t *testing.T, id types.TaskID, want types.TaskStatus) types.Task {
	t.Helper()
	var got types.Task
	require.Eventually(t, func() bool {
		v, err := f.o.TaskStatus(context.Background(), string(id))
		if err != nil {
			return false
		}
		got = v.Task
		return got.Status == want
	}, waitFor, 10*time.Millisecond, "task %s never reached %s (last %s)", id, want, got.Status)
	return got
}

func (f *fleet) waitPaused(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, err := f.o.TaskStatus(context.Background(), id)
		return err == nil && v.Workflow != nil && v.Workflow.Status == workflow.StatusPaused
	}, waitFor, 10*time.Millisecond, "workflow %s never paused", id)
}

// ============================================================================
// End-to-end flows
// ============================================================================

func TestFleet_BuildRequestEndToEnd(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := startFleet(t, testConfig(t), Options{Metrics: metrics.NewCollector(reg)})

	f.submit(t, "m1", "please implement the login feature")

	d := f.decision(t, "m1")
	assert.Equal(t, types.ActionDelegate, d.Action)
	assert.Equal(t, types.RoleDeveloper, d.RoutedTo)

	task := f.waitTask(t, "task-m1", types.TaskCompleted)
	assert.Equal(t, types.TaskTypeBuild, task.Type)
	assert.Equal(t, "please implement the login feature", task.Context["request"])
	assert.NotEmpty(t, task.TargetWorkerID)

	require.Eventually(t, func() bool { return len(f.responsesFor("task-m1")) == 2 }, waitFor, 10*time.Millisecond)
	resp := f.responsesFor("task-m1")
	assert.False(t, resp[0].Completed, "work output first")
	assert.Contains(t, resp[0].Content, "Merged")
	assert.True(t, resp[1].Completed, "then the handoff greeting")
	assert.Contains(t, resp[1].Content, "The developer has finished")

	owner, err := f.o.Dispatcher().OwnerOf(context.Background(), "p1")
	require.NoError(t, err)
	assert.Nil(t, owner, "ownership cleared on completion")

	rec := httptest.NewRecorder()
	f.o.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "fleet_routing_decisions_total")
	assert.Contains(t, rec.Body.String(), "fleet_assignments_total")
}

func TestFleet_GreetingAnsweredDirectly(t *testing.T) {
	f := startFleet(t, testConfig(t), Options{})
	f.submit(t, "m1", "hello!")

	d := f.decision(t, "m1")
	assert.Equal(t, types.ActionRespond, d.Action)
	require.Eventually(t, func() bool { return len(f.responsesFor("")) == 1 }, waitFor, 10*time.Millisecond)
	assert.True(t, f.responsesFor("")[0].Completed)
	assert.Empty(t, f.o.Tasks())

	_, err := f.o.Workflows().Load(context.Background(), "route-m1")
	assert.ErrorIs(t, err, workflow.ErrInstanceNotFound, "routing checkpoints are dropped")
}

func TestFleet_AnalysisRecordsDeliverable(t *testing.T) {
	f := startFleet(t, testConfig(t), Options{})
	f.submit(t, "m1", "gather the requirements for a recipe sharing app")

	d := f.decision(t, "m1")
	require.Equal(t, types.ActionDelegate, d.Action)
	require.Equal(t, types.RoleAnalyst, d.RoutedTo)
	task := f.waitTask(t, "task-m1", types.TaskCompleted)
	assert.Equal(t, types.TaskType("analyze"), task.Type)

	require.Eventually(t, func() bool { return len(f.o.Deliverables().List("p1")) == 1 }, waitFor, 10*time.Millisecond)

	// the analyst handed the project to the architect
	owner, err := f.o.Dispatcher().OwnerOf(context.Background(), "p1")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, types.RoleArchitect, owner.Role)
}

// Scenario: one worker, queue of one. The first build pauses and keeps the
// worker, the second waits in the queue, the third is turned away with the
// degraded reply. Resuming the first frees the worker for the second.
func TestFleet_CapacityQueueAndDegrade(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pools.UniversalMax = 1
	cfg.Pools.Dedicated = nil
	cfg.Pools.MaxOverflowPools = -1
	cfg.Routing.QueueLimit = 1
	f := startFleet(t, cfg, Options{})
	ctx := context.Background()

	require.NoError(t, f.o.Interrupt(ctx, "task-m1", "hold"))
	f.submit(t, "m1", "please implement the login feature")
	f.waitPaused(t, "task-m1")

	f.submit(t, "m2", "please implement the signup feature")
	f.submit(t, "m3", "please implement the logout feature")

	f.decision(t, "m3")
	task := f.waitTask(t, "task-m3", types.TaskFailed)
	assert.Equal(t, types.RoleDeveloper, task.TargetRole)
	require.Eventually(t, func() bool { return len(f.responsesFor("task-m3")) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, dispatcher.DegradedMessage, f.responsesFor("task-m3")[0].Content)

	queued, _ := f.o.TaskStatus(ctx, "task-m2")
	assert.Equal(t, types.TaskCreated, queued.Task.Status)

	inst, err := f.o.Resume(ctx, "task-m1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, inst.Status)
	f.waitTask(t, "task-m1", types.TaskCompleted)
	f.waitTask(t, "task-m2", types.TaskCompleted)
}

func TestFleet_ResumeRequiresPausedWorkflow(t *testing.T) {
	f := startFleet(t, testConfig(t), Options{Toolkit: &build.ScriptedToolkit{FailPhase: "setup"}})
	ctx := context.Background()

	f.submit(t, "m1", "please implement the login feature")
	f.waitTask(t, "task-m1", types.TaskFailed)

	v, err := f.o.TaskStatus(ctx, "task-m1")
	require.NoError(t, err)
	require.NotNil(t, v.Workflow, "failed checkpoints are kept")
	assert.Equal(t, workflow.StatusFailed, v.Workflow.Status)

	_, err = f.o.Resume(ctx, "task-m1")
	assert.ErrorIs(t, err, ErrNotPaused)
	_, err = f.o.Resume(ctx, "task-missing")
	assert.ErrorIs(t, err, workflow.ErrInstanceNotFound)
	_, err = f.o.TaskStatus(ctx, "task-missing")
	assert.ErrorIs(t, err, tasks.ErrTaskNotFound)
}

func TestFleet_ConfigReloadAppliesWIPLimits(t *testing.T) {
	cfg := testConfig(t)
	f := startFleet(t, cfg, Options{})

	next := testConfig(t)
	next.Routing.WIPLimits[string(types.RoleDeveloper)] = 0
	f.o.ApplyConfig(next)

	f.submit(t, "m1", "please implement the login feature")
	d := f.decision(t, "m1")
	assert.Equal(t, types.ActionRespond, d.Action)
	_, err := f.o.TaskStatus(context.Background(), "task-m1")
	assert.ErrorIs(t, err, tasks.ErrTaskNotFound)
}

// Scenario: the routing gate saw a free slot, but the role filled up before
// the task was created. Delegation must not exceed the limit.
func TestDelegate_ReservesWIPSlot(t *testing.T) {
	cfg := testConfig(t)
	cfg.Routing.WIPLimits[string(types.RoleDeveloper)] = 1
	f := startFleet(t, cfg, Options{})

	release, ok := f.o.WIP().Reserve(types.RoleDeveloper)
	require.True(t, ok)

	msg := types.Message{ID: "m9", Content: "implement export", ProjectID: "p1"}
	d := types.RoutingDecision{Action: types.ActionDelegate, TargetRole: types.RoleDeveloper}
	id, outcome, err := f.o.Delegate(context.Background(), msg, d)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWIPBlocked, outcome)
	_, err = f.o.TaskStatus(context.Background(), id)
	assert.ErrorIs(t, err, tasks.ErrTaskNotFound)
	require.Eventually(t, func() bool {
		return len(f.responsesFor(types.TaskID(id))) == 1
	}, waitFor, 10*time.Millisecond)
	assert.Contains(t, f.responsesFor(types.TaskID(id))[0].Content, "queue is full")

	release()
	_, outcome, err = f.o.Delegate(context.Background(), msg, d)
	require.NoError(t, err)
	assert.NotEqual(t, OutcomeWIPBlocked, outcome)
}

func TestFleet_Lifecycle(t *testing.T) {
	f := startFleet(t, testConfig(t), Options{})
	ctx := context.Background()

	assert.ErrorIs(t, f.o.Start(ctx), ErrStarted)
	_, err := f.o.Submit(ctx, types.Message{Content: "hi"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	msg, err := f.o.Submit(ctx, types.Message{Content: "hi", ProjectID: "p2"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID, "ids are generated")

	ps, err := f.o.PoolStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, ps.TotalPools, "universal plus the dedicated developer pool")

	stats, err := f.o.Stats(ctx)
	require.NoError(t, err)
	assert.Contains(t, stats, "tasks_completed")
	assert.Contains(t, stats, "uptime")

	f.o.Stop()
	f.o.Stop()
	assert.ErrorIs(t, f.o.Start(ctx), ErrStopped)
}

func TestNew_RequiresBus(t *testing.T) {
	_, err := New(Options{Config: config.Default()})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

// ============================================================================
// Recovery
// ============================================================================

// Scenario: a paused build survives a restart as paused and completes once
// resumed on the new process.
func TestRecovery_PausedWorkflowSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	store := checkpoint.NewMemoryStore()
	interrupts := workflow.NewMemoryInterrupts()
	ctx := context.Background()

	first := startFleet(t, cfg, Options{Checkpoints: store, Interrupts: interrupts})
	require.NoError(t, first.o.Interrupt(ctx, "task-m1", "maintenance"))
	first.submit(t, "m1", "please implement the login feature")
	first.waitPaused(t, "task-m1")
	first.o.Stop()

	second := startFleet(t, cfg, Options{Checkpoints: store, Interrupts: interrupts})
	v, err := second.o.TaskStatus(ctx, "task-m1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskInProgress, v.Task.Status)
	require.NotNil(t, v.Workflow)
	assert.Equal(t, workflow.StatusPaused, v.Workflow.Status)

	inst, err := second.o.Resume(ctx, "task-m1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, inst.Status)
	second.waitTask(t, "task-m1", types.TaskCompleted)
	require.Eventually(t, func() bool { return len(second.responsesFor("task-m1")) >= 1 }, waitFor, 10*time.Millisecond)
}

func TestRecovery_FailsOrphanedTasks(t *testing.T) {
	cfg := testConfig(t)
	now := time.Now().UnixMilli()
	snap := tasks.SnapshotData{Tasks: map[types.TaskID]*types.Task{
		"task-a": {ID: "task-a", TargetRole: types.RoleDeveloper, Status: types.TaskInProgress, TargetWorkerID: "w-old", ProjectID: "p1", CreatedAt: now},
		"task-b": {ID: "task-b", TargetRole: types.RoleTester, Status: types.TaskAssigned, TargetWorkerID: "w-gone", ProjectID: "p2", CreatedAt: now},
		"task-c": {ID: "task-c", TargetRole: types.RoleAnalyst, Status: types.TaskCompleted, ProjectID: "p3", CreatedAt: now},
	}}
	require.NoError(t, tasks.NewSnapshotFile(cfg.Worker.SnapshotPath).Write(snap))

	f := startFleet(t, cfg, Options{})
	ctx := context.Background()

	tests := []struct {
		id     string
		status types.TaskStatus
		reason any
	}{
		{"task-a", types.TaskFailed, restartReason},
		{"task-b", types.TaskFailed, restartReason},
		{"task-c", types.TaskCompleted, nil},
	}
	for _, tt := range tests {
		v, err := f.o.TaskStatus(ctx, tt.id)
		require.NoError(t, err, tt.id)
		assert.Equal(t, tt.status, v.Task.Status, tt.id)
		assert.Equal(t, tt.reason, v.Task.Context["failure_reason"], tt.id)
	}
}

func TestRecovery_ResumesRunningCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	store := checkpoint.NewMemoryStore()
	ctx := context.Background()

	// a build that was mid-flight when the previous process died
	g, err := build.NewGraph(&build.ScriptedToolkit{}, build.DefaultConfig())
	require.NoError(t, err)
	prev := workflow.NewEngine(workflow.Options{Store: store, Logger: discardLogger()})
	prev.Register(g)
	_, err = prev.Start(ctx, build.GraphID, "task-x", workflow.State{build.KeyRequest: "add export"})
	require.NoError(t, err)

	snap := tasks.SnapshotData{Tasks: map[types.TaskID]*types.Task{
		"task-x": {ID: "task-x", Type: types.TaskTypeBuild, TargetRole: types.RoleDeveloper,
			Status: types.TaskInProgress, TargetWorkerID: "w-old", ProjectID: "p1", CreatedAt: time.Now().UnixMilli()},
	}}
	require.NoError(t, tasks.NewSnapshotFile(cfg.Worker.SnapshotPath).Write(snap))

	f := startFleet(t, cfg, Options{Checkpoints: store})
	f.waitTask(t, "task-x", types.TaskCompleted)
	require.Eventually(t, func() bool { return len(f.responsesFor("task-x")) == 1 }, waitFor, 10*time.Millisecond)
	assert.Contains(t, f.responsesFor("task-x")[0].Content, "Merged")

	pending, err := f.o.Workflows().Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecovery_SnapshotWrittenOnStop(t *testing.T) {
	cfg := testConfig(t)
	f := startFleet(t, cfg, Options{})
	f.submit(t, "m1", "please implement the login feature")
	f.waitTask(t, "task-m1", types.TaskCompleted)
	f.o.Stop()

	data, err := tasks.NewSnapshotFile(cfg.Worker.SnapshotPath).Load()
	require.NoError(t, err)
	require.Contains(t, data.Tasks, types.TaskID("task-m1"))
	assert.Equal(t, types.TaskCompleted, data.Tasks["task-m1"].Status)
}
