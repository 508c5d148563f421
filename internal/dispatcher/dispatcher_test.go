package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/agentfleet/internal/bus"
	"github.com/ChuLiYu/agentfleet/internal/pool"
	"github.com/ChuLiYu/agentfleet/internal/tasks"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// flakyBus fails publishes while fail is set.
type flakyBus struct {
	bus.Bus
	fail atomic.Bool
}

func (f *flakyBus) Publish(ctx context.Context, topic, key string, ev types.Event) error {
	if f.fail.Load() {
		return fmt.Errorf("%w: broker unreachable", bus.ErrPublishFailed)
	}
	return f.Bus.Publish(ctx, topic, key, ev)
}

type recorder struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (r *recorder) RecordAssignment(role types.Role, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

type fixture struct {
	d        *Dispatcher
	bus      *flakyBus
	pools    *pool.Manager
	rec      *recorder
	assigned chan types.Event
	replies  chan types.Event
}

func newFixture(t *testing.T, universalMax, queueLimit int) *fixture {
	t.Helper()
	ctx := context.Background()

	mem := bus.NewMemoryBus(bus.MemoryOptions{})
	t.Cleanup(func() { mem.Close() })
	f := &fixture{
		bus:      &flakyBus{Bus: mem},
		rec:      &recorder{outcomes: make(map[string]int)},
		assigned: make(chan types.Event, 64),
		replies:  make(chan types.Event, 64),
	}

	_, err := mem.Subscribe(ctx, []string{bus.TopicAssigned}, "test", func(ctx context.Context, ev types.Event) error {
		f.assigned <- ev
		return nil
	})
	require.NoError(t, err)
	_, err = mem.Subscribe(ctx, []string{bus.TopicResponses}, "test", func(ctx context.Context, ev types.Event) error {
		f.replies <- ev
		return nil
	})
	require.NoError(t, err)

	f.pools = pool.NewManager(pool.NewMemoryRegistry(), pool.Config{UniversalMax: universalMax, MaxOverflowPools: -1})
	require.NoError(t, f.pools.Bootstrap(ctx, nil))
	f.d = New(f.bus, f.pools, tasks.NewLedger(queueLimit), Config{Recorder: f.rec})
	return f
}

func waitEvent(t *testing.T, ch <-chan types.Event) types.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return types.Event{}
	}
}

func buildTask(id, project string) types.Task {
	return types.Task{
		ID:            types.TaskID(id),
		Type:          types.TaskTypeBuild,
		TargetRole:    types.RoleDeveloper,
		ProjectID:     project,
		RoutingReason: "keyword:build",
		Context:       map[string]any{"phase": "implementation"},
	}
}

func TestAssign_PublishesKeyedByWorker(t *testing.T) {
	f := newFixture(t, 5, 0)
	ctx := context.Background()

	a, err := f.d.Assign(ctx, buildTask("t1", "proj-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAssigned, a.Outcome)
	assert.Equal(t, types.TaskAssigned, a.Task.Status)
	assert.Equal(t, a.WorkerID, a.Task.TargetWorkerID)

	ev := waitEvent(t, f.assigned)
	assert.Equal(t, types.EventTaskAssigned, ev.Type)
	assert.Equal(t, a.WorkerID, ev.PartitionKey)

	var payload types.TaskAssignedEvent
	require.NoError(t, ev.Decode(&payload))
	assert.Equal(t, types.TaskID("t1"), payload.TaskID)
	assert.Equal(t, a.WorkerID, payload.TargetWorkerID)
	assert.Equal(t, a.WorkerID, payload.PartitionKey)
	assert.Equal(t, "keyword:build", payload.RoutingReason)

	owner, err := f.d.OwnerOf(ctx, "proj-1")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, a.WorkerID, owner.WorkerID)
	assert.Equal(t, types.RoleDeveloper, owner.Role)
	assert.Equal(t, "implementation", owner.Phase)
}

func TestAssign_DuplicateTaskRejected(t *testing.T) {
	f := newFixture(t, 5, 0)
	ctx := context.Background()

	_, err := f.d.Assign(ctx, buildTask("t1", "proj-1"))
	require.NoError(t, err)
	_, err = f.d.Assign(ctx, buildTask("t1", "proj-1"))
	assert.ErrorIs(t, err, tasks.ErrAlreadyAssigned)
}

func TestAssign_ReusesIdleWorker(t *testing.T) {
	f := newFixture(t, 5, 0)
	ctx := context.Background()

	first, err := f.d.Assign(ctx, buildTask("t1", "proj-1"))
	require.NoError(t, err)
	require.NoError(t, f.d.Start(ctx, "t1"))
	require.NoError(t, f.d.Complete(ctx, "t1", CompletionResult{Success: true}))

	second, err := f.d.Assign(ctx, buildTask("t2", "proj-2"))
	require.NoError(t, err)
	assert.Equal(t, first.WorkerID, second.WorkerID)

	stats, err := f.pools.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalWorkers)
}

func TestAssign_QueuesThenDrainsOnCompletion(t *testing.T) {
	f := newFixture(t, 1, 4)
	ctx := context.Background()

	first, err := f.d.Assign(ctx, buildTask("t1", "proj-1"))
	require.NoError(t, err)
	waitEvent(t, f.assigned)

	queued, err := f.d.Assign(ctx, buildTask("t2", "proj-2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, queued.Outcome)
	assert.Equal(t, types.TaskCreated, queued.Task.Status)
	assert.Equal(t, 1, f.d.Ledger().QueueLen(types.RoleDeveloper))

	require.NoError(t, f.d.Complete(ctx, "t1", CompletionResult{Success: true}))

	ev := waitEvent(t, f.assigned)
	var payload types.TaskAssignedEvent
	require.NoError(t, ev.Decode(&payload))
	assert.Equal(t, types.TaskID("t2"), payload.TaskID)
	assert.Equal(t, first.WorkerID, payload.TargetWorkerID)
	assert.Equal(t, 0, f.d.Ledger().QueueLen(types.RoleDeveloper))
}

func TestAssign_NoWorkerAvailable(t *testing.T) {
	f := newFixture(t, 1, 1)
	ctx := context.Background()

	_, err := f.d.Assign(ctx, buildTask("t1", "p1"))
	require.NoError(t, err)
	_, err = f.d.Assign(ctx, buildTask("t2", "p2"))
	require.NoError(t, err, "second task fits in the queue")

	a, err := f.d.Assign(ctx, buildTask("t3", "p3"))
	require.ErrorIs(t, err, ErrNoWorkerAvailable)
	assert.Equal(t, OutcomeRejected, a.Outcome)
	assert.Equal(t, types.TaskFailed, a.Task.Status)

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	assert.Equal(t, 1, f.rec.outcomes[string(OutcomeAssigned)])
	assert.Equal(t, 1, f.rec.outcomes[string(OutcomeQueued)])
	assert.Equal(t, 1, f.rec.outcomes[string(OutcomeRejected)])
}

func TestAssign_AutoscaleOnNoCapacity(t *testing.T) {
	ctx := context.Background()
	mem := bus.NewMemoryBus(bus.MemoryOptions{})
	defer mem.Close()

	pools := pool.NewManager(pool.NewMemoryRegistry(), pool.Config{UniversalMax: 1, MaxOverflowPools: 1})
	require.NoError(t, pools.Bootstrap(ctx, nil))
	d := New(mem, pools, tasks.NewLedger(1), Config{})

	_, err := d.Assign(ctx, buildTask("t1", "p1"))
	require.NoError(t, err)
	a, err := d.Assign(ctx, buildTask("t2", "p2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAssigned, a.Outcome)
	assert.Equal(t, "overflow_pool_1", a.Pool)
}

func TestAssign_PublishFailureRollsBack(t *testing.T) {
	f := newFixture(t, 2, 0)
	ctx := context.Background()

	// an earlier owner must survive the failed reassignment
	prev, err := f.d.Assign(ctx, buildTask("t0", "proj-1"))
	require.NoError(t, err)

	f.bus.fail.Store(true)
	_, err = f.d.Assign(ctx, buildTask("t1", "proj-1"))
	require.ErrorIs(t, err, bus.ErrPublishFailed)

	task, ok := f.d.Ledger().Get("t1")
	require.True(t, ok)
	assert.Equal(t, types.TaskFailed, task.Status)

	owner, err := f.d.OwnerOf(ctx, "proj-1")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, prev.WorkerID, owner.WorkerID)
	assert.Equal(t, types.TaskID("t0"), owner.TaskID)

	require.NoError(t, f.pools.Registry().View(ctx, func(s *pool.State) error {
		busy := 0
		for _, w := range s.Workers {
			if w.Status == types.WorkerBusy {
				busy++
			}
		}
		assert.Equal(t, 1, busy, "only the first worker stays busy")
		return nil
	}))

	// the same id can be retried once the bus recovers
	f.bus.fail.Store(false)
	_, err = f.d.Assign(ctx, buildTask("t1", "proj-1"))
	require.NoError(t, err)
}

func TestComplete_ClearsOwnershipAndGreets(t *testing.T) {
	f := newFixture(t, 5, 0)
	ctx := context.Background()

	a, err := f.d.Assign(ctx, buildTask("t1", "proj-1"))
	require.NoError(t, err)
	require.NoError(t, f.d.Start(ctx, "t1"))
	require.NoError(t, f.d.Complete(ctx, "t1", CompletionResult{Success: true, Summary: "built login page"}))

	owner, err := f.d.OwnerOf(ctx, "proj-1")
	require.NoError(t, err)
	assert.Nil(t, owner)

	ev := waitEvent(t, f.replies)
	assert.Equal(t, "proj-1", ev.PartitionKey)
	var reply types.AgentResponseEvent
	require.NoError(t, ev.Decode(&reply))
	assert.True(t, reply.Completed)
	assert.Equal(t, a.WorkerID, reply.WorkerID)
	assert.Contains(t, reply.Content, "developer has finished")
	assert.JSONEq(t, `{"summary":"built login page"}`, string(reply.StructuredData))
}

func TestComplete_Handoff(t *testing.T) {
	f := newFixture(t, 5, 0)
	ctx := context.Background()

	_, err := f.d.Assign(ctx, buildTask("t1", "proj-1"))
	require.NoError(t, err)
	require.NoError(t, f.d.Complete(ctx, "t1", CompletionResult{Success: true, HandoffTo: types.RoleTester}))

	owner, err := f.d.OwnerOf(ctx, "proj-1")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, types.RoleTester, owner.Role)
	assert.Equal(t, "handoff", owner.Phase)
	assert.Empty(t, owner.WorkerID)

	var reply types.AgentResponseEvent
	require.NoError(t, waitEvent(t, f.replies).Decode(&reply))
	assert.Contains(t, reply.Content, "tester will take it from here")
}

func TestComplete_NoGreetingAfterReassignment(t *testing.T) {
	f := newFixture(t, 5, 0)
	ctx := context.Background()

	_, err := f.d.Assign(ctx, buildTask("t1", "proj-1"))
	require.NoError(t, err)
	// a second task takes the project over before t1 reports back
	second, err := f.d.Assign(ctx, buildTask("t2", "proj-1"))
	require.NoError(t, err)

	require.NoError(t, f.d.Complete(ctx, "t1", CompletionResult{Success: true}))

	owner, err := f.d.OwnerOf(ctx, "proj-1")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, second.WorkerID, owner.WorkerID, "newer owner is untouched")

	select {
	case ev := <-f.replies:
		t.Fatalf("unexpected greeting: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestComplete_FailureNoGreeting(t *testing.T) {
	f := newFixture(t, 5, 0)
	ctx := context.Background()

	_, err := f.d.Assign(ctx, buildTask("t1", "proj-1"))
	require.NoError(t, err)
	require.NoError(t, f.d.Complete(ctx, "t1", CompletionResult{Error: "tests failed"}))

	task, _ := f.d.Ledger().Get("t1")
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Equal(t, "tests failed", task.Context["failure_reason"])

	owner, err := f.d.OwnerOf(ctx, "proj-1")
	require.NoError(t, err)
	assert.Nil(t, owner)

	select {
	case ev := <-f.replies:
		t.Fatalf("unexpected greeting: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t, 5, 0)
	ctx := context.Background()

	_, err := f.d.Assign(ctx, buildTask("t1", "proj-1"))
	require.NoError(t, err)
	require.NoError(t, f.d.Start(ctx, "t1"))

	at, ok := f.d.Deadline("t1")
	require.True(t, ok)
	assert.True(t, at.After(time.Now()))

	assert.Empty(t, f.d.ExpireOverdue(ctx, time.Now()))
	assert.Equal(t, []types.TaskID{"t1"}, f.d.ExpireOverdue(ctx, time.Now().Add(time.Hour)))
	_, ok = f.d.Deadline("t1")
	assert.False(t, ok)

	task, _ := f.d.Ledger().Get("t1")
	assert.Equal(t, types.TaskFailed, task.Status)
}

func TestHold_PausedTaskDoesNotExpire(t *testing.T) {
	f := newFixture(t, 5, 0)
	ctx := context.Background()

	_, err := f.d.Assign(ctx, buildTask("t1", "proj-1"))
	require.NoError(t, err)
	assert.ErrorIs(t, f.d.Hold(ctx, "t1"), tasks.ErrInvalidTransition)
	require.NoError(t, f.d.Start(ctx, "t1"))
	require.NoError(t, f.d.Hold(ctx, "t1"))

	assert.Empty(t, f.d.ExpireOverdue(ctx, time.Now().Add(time.Hour)))
	require.NoError(t, f.d.Complete(ctx, "t1", CompletionResult{Success: true}))
	task, _ := f.d.Ledger().Get("t1")
	assert.Equal(t, types.TaskCompleted, task.Status)
}

// Property: concurrent Assign calls never hand one worker two tasks and
// never exceed pool capacity.
func TestAssign_ConcurrentSingleOwnership(t *testing.T) {
	f := newFixture(t, 4, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan Assignment, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := f.d.Assign(ctx, buildTask(fmt.Sprintf("t%d", i), fmt.Sprintf("p%d", i)))
			if assert.NoError(t, err) {
				results <- a
			}
		}(i)
	}
	wg.Wait()
	close(results)

	byWorker := make(map[string]int)
	assigned, queued := 0, 0
	for a := range results {
		switch a.Outcome {
		case OutcomeAssigned:
			assigned++
			byWorker[a.WorkerID]++
		case OutcomeQueued:
			queued++
		}
	}
	assert.Equal(t, 4, assigned)
	assert.Equal(t, 16, queued)
	for w, n := range byWorker {
		assert.Equal(t, 1, n, "worker %s", w)
	}

	stats, err := f.pools.Stats(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, stats.TotalWorkers, stats.TotalCapacity)
}

type refusingSpawner struct{ calls atomic.Int32 }

func (r *refusingSpawner) Spawn(ctx context.Context, w types.Worker) error {
	r.calls.Add(1)
	return fmt.Errorf("image pull failed")
}

func (r *refusingSpawner) Terminate(ctx context.Context, workerID string) error { return nil }

func TestAssign_SpawnFailureDiscardsWorker(t *testing.T) {
	f := newFixture(t, 2, 0)
	ctx := context.Background()

	sp := &refusingSpawner{}
	f.pools = pool.NewManager(pool.NewMemoryRegistry(), pool.Config{UniversalMax: 2, MaxOverflowPools: -1, Spawner: sp})
	require.NoError(t, f.pools.Bootstrap(ctx, nil))
	f.d = New(f.bus, f.pools, tasks.NewLedger(0), Config{Recorder: f.rec})

	_, err := f.d.Assign(ctx, buildTask("t1", "proj-1"))
	require.ErrorIs(t, err, pool.ErrSpawnFailed)
	assert.Equal(t, int32(1), sp.calls.Load())

	task, ok := f.d.Ledger().Get("t1")
	require.True(t, ok)
	assert.Equal(t, types.TaskFailed, task.Status)

	owner, err := f.d.OwnerOf(ctx, "proj-1")
	require.NoError(t, err)
	assert.Nil(t, owner)

	require.NoError(t, f.pools.Registry().View(ctx, func(s *pool.State) error {
		assert.Empty(t, s.Workers)
		return nil
	}))
}

// Scenario: a task expires while its job still runs; the worker is reused
// and the late result of the old job leaves the new assignment alone.
func TestExpireOverdue_LateResultKeepsNewAssignment(t *testing.T) {
	f := newFixture(t, 1, 0)
	ctx := context.Background()

	first, err := f.d.Assign(ctx, buildTask("t1", "proj-1"))
	require.NoError(t, err)
	require.NoError(t, f.d.Start(ctx, "t1"))
	require.Equal(t, []types.TaskID{"t1"}, f.d.ExpireOverdue(ctx, time.Now().Add(time.Hour)))

	second, err := f.d.Assign(ctx, buildTask("t2", "proj-2"))
	require.NoError(t, err)
	require.Equal(t, first.WorkerID, second.WorkerID, "expiry freed the only worker")

	err = f.d.Complete(ctx, "t1", CompletionResult{Success: true, Summary: "late"})
	assert.ErrorIs(t, err, tasks.ErrInvalidTransition)

	require.NoError(t, f.pools.Registry().View(ctx, func(s *pool.State) error {
		w := s.Workers[second.WorkerID]
		require.NotNil(t, w)
		assert.Equal(t, types.WorkerBusy, w.Status)
		assert.Equal(t, types.TaskID("t2"), w.TaskID)
		return nil
	}))
	owner, err := f.d.OwnerOf(ctx, "proj-2")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, types.TaskID("t2"), owner.TaskID)
}
