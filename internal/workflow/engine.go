// ============================================================================
// agentfleet workflow engine
// ============================================================================
//
// Package: internal/workflow
// File: engine.go
// Purpose: step workflow instances through their graphs.
//
// One Step:
//
//   interrupt set? ──yes──> status=paused, checkpoint, return (node not run)
//        │ no
//        ▼
//   run current node (observer start/end, panics recovered)
//        │ error ──> state["error"], route to fallback node (or fail)
//        ▼
//   merge partial state
//        │
//        ▼
//   terminal node? ──yes──> completed (failed if an error was recorded)
//        │ no
//        ▼
//   edge / router ──> current_node = next, checkpoint
//
// Steps of one instance are serialized by a per-instance lock, and every
// step starts from the latest checkpoint, so a caller holding an outdated
// copy never repeats a node. Run and Resume additionally claim the instance:
// a second driver gets ErrInstanceBusy. Different instances step in parallel.
//
// ============================================================================

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/agentfleet/internal/checkpoint"
)

var (
	ErrUnknownGraph      = errors.New("unknown workflow graph")
	ErrLoopBoundViolated = errors.New("loop bound violated")
	ErrInstanceNotFound  = errors.New("workflow instance not found")
	ErrStepLimit         = errors.New("workflow step limit exceeded")
	ErrInstanceBusy      = errors.New("workflow instance is already running")
	ErrInstanceFinished  = errors.New("workflow instance already finished")
)

// DefaultMaxSteps caps a single Run call.
const DefaultMaxSteps = 1000

type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further steps will run.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Instance is one execution of a graph. Its id is the task id it serves.
type Instance struct {
	ID          string
	GraphID     string
	CurrentNode string
	State       State
	Counters    map[string]int
	Status      Status
	Error       string
}

func (i *Instance) checkpoint() checkpoint.Checkpoint {
	counters := make(map[string]int, len(i.Counters))
	for k, v := range i.Counters {
		counters[k] = v
	}
	return checkpoint.Checkpoint{
		InstanceID:  i.ID,
		GraphID:     i.GraphID,
		CurrentNode: i.CurrentNode,
		State:       map[string]any(i.State.Clone()),
		Counters:    counters,
		Status:      string(i.Status),
		Error:       i.Error,
		SavedAt:     time.Now().UTC(),
	}
}

func fromCheckpoint(cp checkpoint.Checkpoint) *Instance {
	inst := &Instance{
		ID:          cp.InstanceID,
		GraphID:     cp.GraphID,
		CurrentNode: cp.CurrentNode,
		State:       State(cp.State),
		Counters:    cp.Counters,
		Status:      Status(cp.Status),
		Error:       cp.Error,
	}
	if inst.State == nil {
		inst.State = State{}
	}
	if inst.Counters == nil {
		inst.Counters = map[string]int{}
	}
	return inst
}

// Options configures an Engine. Zero values select in-memory collaborators.
type Options struct {
	Store      checkpoint.Store
	Interrupts Interrupts
	Observer   Observer
	MaxSteps   int
	Logger     *slog.Logger
}

// Engine executes registered graphs.
type Engine struct {
	mu     sync.RWMutex
	graphs map[string]*Graph

	store      checkpoint.Store
	interrupts Interrupts
	observer   Observer
	maxSteps   int
	log        *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*instanceLock
	claimed map[string]struct{} // instances driven by Run or Resume
}

type instanceLock struct {
	mu   sync.Mutex
	refs int
}

func NewEngine(opts Options) *Engine {
	if opts.Store == nil {
		opts.Store = checkpoint.NewMemoryStore()
	}
	if opts.Interrupts == nil {
		opts.Interrupts = NewMemoryInterrupts()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		graphs:     make(map[string]*Graph),
		store:      opts.Store,
		interrupts: opts.Interrupts,
		observer:   opts.Observer,
		maxSteps:   opts.MaxSteps,
		log:        logger.With("component", "workflow"),
		locks:      make(map[string]*instanceLock),
		claimed:    make(map[string]struct{}),
	}
}

// Register adds g, replacing any graph with the same id.
func (e *Engine) Register(g *Graph) {
	e.mu.Lock()
	e.graphs[g.ID()] = g
	e.mu.Unlock()
}

func (e *Engine) Graph(id string) (*Graph, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.graphs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGraph, id)
	}
	return g, nil
}

// Start creates an instance at the graph entry and checkpoints it.
func (e *Engine) Start(ctx context.Context, graphID, instanceID string, initial State) (*Instance, error) {
	g, err := e.Graph(graphID)
	if err != nil {
		return nil, err
	}
	st := State{}
	st.Merge(initial)

	inst := &Instance{
		ID:          instanceID,
		GraphID:     graphID,
		CurrentNode: g.Entry(),
		State:       st,
		Counters:    make(map[string]int, len(g.loops)),
		Status:      StatusRunning,
	}
	for loop := range g.loops {
		inst.Counters[loop] = 0
	}
	if err := e.persist(ctx, inst); err != nil {
		return nil, err
	}
	e.log.Info("workflow started", "instance_id", instanceID, "graph", graphID)
	return inst, nil
}

// Step executes at most one node of inst. Pausing on an interrupt and node
// failures are reported through inst, not the error; the error is reserved
// for storage failures and loop bound violations. inst is refreshed from its
// checkpoint first; a non-terminal instance whose checkpoint is gone finished
// elsewhere and yields ErrInstanceNotFound.
func (e *Engine) Step(ctx context.Context, inst *Instance) (*Instance, error) {
	unlock := e.lock(inst.ID)
	defer unlock()
	if err := e.refresh(ctx, inst); err != nil {
		return inst, err
	}
	return inst, e.step(ctx, inst)
}

// Run steps inst until it completes, fails or pauses. It fails with
// ErrInstanceBusy while another Run or Resume drives the same instance.
func (e *Engine) Run(ctx context.Context, inst *Instance) (*Instance, error) {
	release, err := e.claim(inst.ID)
	if err != nil {
		return inst, err
	}
	defer release()
	return e.run(ctx, inst)
}

func (e *Engine) run(ctx context.Context, inst *Instance) (*Instance, error) {
	for steps := 0; ; steps++ {
		if err := ctx.Err(); err != nil {
			return inst, err
		}
		if steps >= e.maxSteps {
			unlock := e.lock(inst.ID)
			inst.Status = StatusFailed
			inst.Error = fmt.Sprintf("%v after %d steps", ErrStepLimit, steps)
			inst.State[KeyError] = inst.Error
			err := e.persist(ctx, inst)
			unlock()
			return inst, errors.Join(fmt.Errorf("%w: %s", ErrStepLimit, inst.ID), err)
		}
		if _, err := e.Step(ctx, inst); err != nil {
			return inst, err
		}
		if inst.Status != StatusRunning {
			return inst, nil
		}
	}
}

// Interrupt asks the instance to pause before its next node.
func (e *Engine) Interrupt(ctx context.Context, instanceID, reason string) error {
	if err := e.interrupts.Set(ctx, instanceID, reason); err != nil {
		return err
	}
	e.log.Info("interrupt requested", "instance_id", instanceID, "reason", reason)
	return nil
}

// Resume claims the instance, clears its interrupt, reloads the checkpoint
// and runs it. Only one of several concurrent callers gets to run it; the
// others see ErrInstanceBusy, or ErrInstanceFinished once it is done.
func (e *Engine) Resume(ctx context.Context, instanceID string) (*Instance, error) {
	release, err := e.claim(instanceID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := e.interrupts.Clear(ctx, instanceID); err != nil {
		return nil, err
	}
	inst, err := e.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return inst, fmt.Errorf("%w: %s is %s", ErrInstanceFinished, instanceID, inst.Status)
	}
	e.log.Info("workflow resumed", "instance_id", instanceID, "node", inst.CurrentNode)
	return e.run(ctx, inst)
}

// Load rebuilds an instance from its checkpoint.
func (e *Engine) Load(ctx context.Context, instanceID string) (*Instance, error) {
	cp, err := e.store.Load(ctx, instanceID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if err != nil {
		return nil, err
	}
	return fromCheckpoint(cp), nil
}

// Forget drops the checkpoint of a finished instance. Running or paused
// instances are left alone.
func (e *Engine) Forget(ctx context.Context, instanceID string) error {
	unlock := e.lock(instanceID)
	defer unlock()

	inst, err := e.Load(ctx, instanceID)
	if errors.Is(err, ErrInstanceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !inst.Status.Terminal() {
		return nil
	}
	return e.store.Delete(ctx, instanceID)
}

// Pending returns every checkpointed instance that has not finished, for
// recovery after a restart. Unreadable checkpoints are logged and skipped.
func (e *Engine) Pending(ctx context.Context) ([]*Instance, error) {
	ids, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Instance
	for _, id := range ids {
		inst, err := e.Load(ctx, id)
		if err != nil {
			e.log.Warn("skip unreadable checkpoint", "instance_id", id, "error", err)
			continue
		}
		if !inst.Status.Terminal() {
			out = append(out, inst)
		}
	}
	return out, nil
}

// refresh overwrites inst with its checkpoint. The caller holds the
// instance lock. ID is never written, so callers may read it unlocked.
func (e *Engine) refresh(ctx context.Context, inst *Instance) error {
	if _, err := e.Graph(inst.GraphID); err != nil {
		return err
	}
	cp, err := e.store.Load(ctx, inst.ID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		if inst.Status.Terminal() {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, inst.ID)
	}
	if err != nil {
		return fmt.Errorf("load checkpoint %s: %w", inst.ID, err)
	}
	cur := fromCheckpoint(cp)
	if cur.Status != inst.Status || cur.CurrentNode != inst.CurrentNode {
		e.log.Debug("stale instance refreshed", "instance_id", inst.ID,
			"node", inst.CurrentNode, "checkpoint_node", cur.CurrentNode)
	}
	inst.GraphID = cur.GraphID
	inst.CurrentNode = cur.CurrentNode
	inst.State = cur.State
	inst.Counters = cur.Counters
	inst.Status = cur.Status
	inst.Error = cur.Error
	return nil
}

func (e *Engine) step(ctx context.Context, inst *Instance) error {
	if inst.Status.Terminal() {
		return nil
	}
	g, err := e.Graph(inst.GraphID)
	if err != nil {
		return err
	}
	if inst.State == nil {
		inst.State = State{}
	}
	if inst.Counters == nil {
		inst.Counters = map[string]int{}
	}

	reason, interrupted, err := e.interrupts.Get(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("check interrupt: %w", err)
	}
	if interrupted {
		inst.Status = StatusPaused
		inst.State[KeyInterruptReason] = reason
		e.log.Info("workflow paused", "instance_id", inst.ID, "node", inst.CurrentNode, "reason", reason)
		return e.persist(ctx, inst)
	}
	inst.Status = StatusRunning
	delete(inst.State, KeyInterruptReason)

	n, ok := g.nodes[inst.CurrentNode]
	if !ok {
		e.fail(inst, g, inst.CurrentNode, fmt.Errorf("unknown node %q", inst.CurrentNode))
		return e.persist(ctx, inst)
	}

	out, err := e.runNode(ctx, inst, n)
	if err != nil {
		e.fail(inst, g, n.name, err)
		return e.persist(ctx, inst)
	}
	inst.State.Merge(out)

	if n.terminal() {
		e.finish(inst)
		return e.persist(ctx, inst)
	}

	next, err := e.next(inst, g, n)
	switch {
	case errors.Is(err, ErrLoopBoundViolated):
		inst.Status = StatusFailed
		inst.Error = err.Error()
		inst.State[KeyError] = inst.Error
		e.log.Error("loop bound violated", "instance_id", inst.ID, "node", n.name, "error", err)
		return errors.Join(err, e.persist(ctx, inst))
	case err != nil:
		e.fail(inst, g, n.name, err)
	case next == End:
		e.finish(inst)
	default:
		e.log.Debug("transition", "instance_id", inst.ID, "from", n.name, "to", next)
		inst.CurrentNode = next
	}
	return e.persist(ctx, inst)
}

func (e *Engine) runNode(ctx context.Context, inst *Instance, n *node) (out State, err error) {
	e.observer.OnNodeStart(inst.ID, n.name)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("node %s panicked: %v", n.name, r)
		}
		e.observer.OnNodeEnd(inst.ID, n.name, time.Since(start), err)
	}()
	return n.fn(ctx, inst.State.Clone())
}

func (e *Engine) next(inst *Instance, g *Graph, n *node) (target string, err error) {
	if n.router == nil {
		return n.edge, nil
	}
	rc := &RouteContext{
		InstanceID: inst.ID,
		Node:       n.name,
		State:      inst.State,
		counters:   inst.Counters,
		bounds:     g.loops,
	}
	defer func() {
		if r := recover(); r != nil {
			target, err = "", fmt.Errorf("router on %s panicked: %v", n.name, r)
		}
	}()
	target = n.router(rc)

	if rc.misuse != nil {
		return "", rc.misuse
	}
	for loop, count := range inst.Counters {
		if bound, ok := g.loops[loop]; ok && count > bound {
			return "", fmt.Errorf("%w: %s at %d, bound %d", ErrLoopBoundViolated, loop, count, bound)
		}
	}
	if target == End {
		return End, nil
	}
	if _, ok := n.targets[target]; !ok {
		return "", fmt.Errorf("router on %s returned undeclared target %q", n.name, target)
	}
	return target, nil
}

// fail records err and moves the instance to the fallback node. A second
// failure, or a failure without a fallback, ends the instance.
func (e *Engine) fail(inst *Instance, g *Graph, nodeName string, err error) {
	alreadyFailed := inst.Error != ""
	inst.Error = err.Error()
	inst.State[KeyError] = inst.Error
	inst.State[KeyFailedNode] = nodeName

	if g.fallback == "" || alreadyFailed || nodeName == g.fallback {
		inst.Status = StatusFailed
		e.log.Warn("workflow failed", "instance_id", inst.ID, "node", nodeName, "error", err)
		return
	}
	e.log.Warn("node failed, routing to fallback",
		"instance_id", inst.ID, "node", nodeName, "fallback", g.fallback, "error", err)
	inst.CurrentNode = g.fallback
}

func (e *Engine) finish(inst *Instance) {
	if inst.Error != "" {
		inst.Status = StatusFailed
	} else {
		inst.Status = StatusCompleted
	}
	e.log.Info("workflow finished", "instance_id", inst.ID, "node", inst.CurrentNode, "status", inst.Status)
}

// persist saves the checkpoint, or deletes it once the instance completed.
func (e *Engine) persist(ctx context.Context, inst *Instance) error {
	if inst.Status == StatusCompleted {
		if err := e.store.Delete(ctx, inst.ID); err != nil {
			return fmt.Errorf("delete checkpoint %s: %w", inst.ID, err)
		}
		return nil
	}
	if err := e.store.Save(ctx, inst.checkpoint()); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", inst.ID, err)
	}
	return nil
}

// claim reserves id for one driver.
func (e *Engine) claim(id string) (func(), error) {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	if _, busy := e.claimed[id]; busy {
		return nil, fmt.Errorf("%w: %s", ErrInstanceBusy, id)
	}
	e.claimed[id] = struct{}{}
	return func() {
		e.locksMu.Lock()
		delete(e.claimed, id)
		e.locksMu.Unlock()
	}, nil
}

func (e *Engine) lock(id string) func() {
	e.locksMu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &instanceLock{}
		e.locks[id] = l
	}
	l.refs++
	e.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.locksMu.Unlock()
	}
}
