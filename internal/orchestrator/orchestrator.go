// ============================================================================
// agentfleet orchestrator
// ============================================================================
//
// Package: internal/orchestrator
// File: orchestrator.go
// Purpose: wire every component into one running fleet.
//
//   Submit ──> messages.inbound ──(group router)──> routing workflow
//                                                     │ DELEGATE
//                                                     ▼
//                                          dispatcher.Assign ──> tasks.assigned
//                                                                     │
//                            worker runtime (group worker-<role>) <───┘
//                                   │ roles registry ─> build workflow ...
//                                   ▼
//                            agents.responses + dispatcher.Complete
//
// Background loops (one goroutine each, stopped by stopCh):
//   autoscale - AutoScale above threshold, then drain role queues
//   sweep     - fail in-progress tasks past their deadline
//   snapshot  - persist the task ledger and rotate the event journal
//   stats     - refresh pool gauges
//
// Start order: bootstrap pools -> recover ledger and checkpoints -> worker
// runtime -> router subscription -> resume interrupted workflows -> loops.
//
// Stop order: close stopCh -> unsubscribe router -> stop workers (running
// jobs finish) -> cancel resumers -> wait loops -> final snapshot.
//
// ============================================================================

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/agentfleet/internal/bus"
	"github.com/ChuLiYu/agentfleet/internal/checkpoint"
	"github.com/ChuLiYu/agentfleet/internal/config"
	"github.com/ChuLiYu/agentfleet/internal/dispatcher"
	"github.com/ChuLiYu/agentfleet/internal/journal"
	"github.com/ChuLiYu/agentfleet/internal/metrics"
	"github.com/ChuLiYu/agentfleet/internal/pool"
	"github.com/ChuLiYu/agentfleet/internal/roles"
	"github.com/ChuLiYu/agentfleet/internal/routing"
	"github.com/ChuLiYu/agentfleet/internal/tasks"
	"github.com/ChuLiYu/agentfleet/internal/worker"
	"github.com/ChuLiYu/agentfleet/internal/workflow"
	"github.com/ChuLiYu/agentfleet/internal/workflow/build"
	"github.com/ChuLiYu/agentfleet/internal/workflow/routingflow"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

var (
	ErrStarted        = errors.New("orchestrator already started")
	ErrStopped        = errors.New("orchestrator stopped")
	ErrNotPaused      = errors.New("workflow is not paused")
	ErrInvalidMessage = errors.New("invalid message")
)

// Options are the collaborators of an Orchestrator. Bus and Config are
// required; the rest fall back to in-memory implementations.
type Options struct {
	Config      *config.Config
	Bus         bus.Bus
	Registry    pool.Registry
	Checkpoints checkpoint.Store
	Interrupts  workflow.Interrupts
	Classifier  routing.Classifier
	Domain      routing.DomainChecker
	Completer   routing.Completer
	Toolkit     build.Toolkit // nil selects the scripted toolkit
	Spawner     pool.Spawner  // provisions worker processes, nil keeps workers in-process
	Metrics     *metrics.Collector
	Journal     *journal.Journal
	Logger      *slog.Logger
}

// Orchestrator is the assembled fleet.
type Orchestrator struct {
	cfg          *config.Config
	bus          bus.Bus
	ledger       *tasks.Ledger
	pools        *pool.Manager
	dispatcher   *dispatcher.Dispatcher
	wip          *routing.TaskWIP
	deliverables *routing.MemoryDeliverables
	router       *routing.Engine
	workflows    *workflow.Engine
	roles        *roles.Registry
	runtime      *worker.Runtime
	snapshots    *tasks.SnapshotFile // nil when snapshots are disabled
	journal      *journal.Journal
	metrics      *metrics.Collector
	log          *slog.Logger

	turnsMu sync.Mutex
	turns   map[string]int

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	stopCh    chan struct{}
	cancel    context.CancelFunc
	loopWg    sync.WaitGroup
	routerSub bus.Subscription
}

// New assembles the fleet. Nothing runs until Start.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("%w: a bus is required", config.ErrInvalid)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = pool.NewMemoryRegistry()
	}
	if opts.Toolkit == nil {
		logger.Warn("no build toolkit configured, using the scripted toolkit")
		opts.Toolkit = &build.ScriptedToolkit{}
	}
	cfg := opts.Config

	o := &Orchestrator{
		cfg:          cfg,
		bus:          opts.Bus,
		deliverables: routing.NewMemoryDeliverables(),
		journal:      opts.Journal,
		metrics:      opts.Metrics,
		log:          logger.With("component", "orchestrator"),
		turns:        make(map[string]int),
		stopCh:       make(chan struct{}),
	}
	if o.metrics != nil {
		o.bus = o.metrics.InstrumentBus(o.bus)
	}
	if cfg.Worker.SnapshotPath != "" {
		o.snapshots = tasks.NewSnapshotFile(cfg.Worker.SnapshotPath)
	}

	o.ledger = tasks.NewLedger(cfg.Routing.QueueLimit)
	o.pools = pool.NewManager(opts.Registry, pool.Config{
		UniversalMax:       cfg.Pools.UniversalMax,
		OverflowMaxWorkers: cfg.Pools.OverflowMaxWorkers,
		MaxOverflowPools:   cfg.Pools.MaxOverflowPools,
		Threshold:          cfg.Pools.Threshold,
		Spawner:            opts.Spawner,
		Logger:             logger,
	})

	dcfg := dispatcher.Config{TaskTimeout: cfg.Worker.TaskTimeout, Logger: logger}
	if o.metrics != nil {
		dcfg.Recorder = o.metrics
	}
	o.dispatcher = dispatcher.New(o.bus, o.pools, o.ledger, dcfg)

	o.wip = routing.NewTaskWIP(o.ledger, cfg.WIPLimits())
	ropts := routing.Options{
		Classifier:       opts.Classifier,
		Sessions:         o.dispatcher,
		WIP:              o.wip,
		Deliverables:     o.deliverables,
		Domain:           opts.Domain,
		DeliverableRoles: cfg.DeliverableRoles(),
		SimplePatterns:   cfg.Routing.SimplePatterns,
		Logger:           logger,
	}
	if o.metrics != nil {
		ropts.Recorder = o.metrics
	}
	o.router = routing.NewEngine(ropts)

	observers := workflow.Observers{workflow.LogObserver{Logger: logger}, progressObserver{o}}
	if o.metrics != nil {
		observers = append(observers, o.metrics)
	}
	o.workflows = workflow.NewEngine(workflow.Options{
		Store:      opts.Checkpoints,
		Interrupts: opts.Interrupts,
		Observer:   observers,
		MaxSteps:   cfg.Workflow.MaxSteps,
		Logger:     logger,
	})

	reg, err := roles.NewDefaultRegistry(roles.Deps{
		Workflows:    o.workflows,
		Toolkit:      opts.Toolkit,
		Deliverables: o.deliverables,
		Completer:    opts.Completer,
		Logger:       logger,
	}, roles.DeveloperConfig{Build: cfg.BuildConfig()})
	if err != nil {
		return nil, fmt.Errorf("build role registry: %w", err)
	}
	o.roles = reg

	g, err := routingflow.NewGraph(o.router, o)
	if err != nil {
		return nil, fmt.Errorf("build routing graph: %w", err)
	}
	o.workflows.Register(g)

	wcfg := worker.Config{
		Roles:       reg.Roles(),
		Concurrency: cfg.Worker.Concurrency,
		JobTimeout:  cfg.Worker.JobTimeout,
		DedupWindow: cfg.Bus.DedupWindow,
		Logger:      logger,
	}
	if o.metrics != nil {
		wcfg.Recorder = o.metrics
	}
	o.runtime = worker.NewRuntime(o.bus, reg, o.dispatcher, wcfg)
	return o, nil
}

// Start recovers persisted state and brings the fleet up.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return ErrStopped
	}
	if o.started {
		return ErrStarted
	}
	o.startTime = time.Now()

	if err := o.pools.Bootstrap(ctx, o.cfg.DedicatedPools()); err != nil {
		return fmt.Errorf("bootstrap pools: %w", err)
	}
	resumable, err := o.recoverState(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	if err := o.runtime.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start worker runtime: %w", err)
	}
	sub, err := o.bus.Subscribe(runCtx, []string{bus.TopicInbound}, RouterGroup,
		bus.Dedup(o.onInbound, o.cfg.Bus.DedupWindow))
	if err != nil {
		o.runtime.Stop()
		cancel()
		return fmt.Errorf("subscribe router: %w", err)
	}
	o.routerSub = sub
	o.started = true

	o.resumeWorkflows(runCtx, resumable)

	o.loop(runCtx, "autoscale", o.cfg.Pools.AutoscaleInterval, o.autoscaleOnce)
	o.loop(runCtx, "sweep", o.cfg.Worker.SweepEvery, o.sweepOnce)
	o.loop(runCtx, "snapshot", o.cfg.Worker.SnapshotEvery, o.snapshotOnce)
	o.loop(runCtx, "stats", statsInterval, o.statsOnce)

	o.log.Info("orchestrator started",
		"roles", o.roles.Roles(), "recovery", time.Since(o.startTime), "config", o.cfg.Summary())
	return nil
}

// Stop shuts the fleet down. It is safe to call more than once.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	wasStarted := o.started
	o.mu.Unlock()

	if !wasStarted {
		return
	}
	o.log.Info("stopping orchestrator")

	close(o.stopCh)
	if o.routerSub != nil {
		o.routerSub.Unsubscribe()
	}
	o.runtime.Stop()
	o.cancel()
	o.loopWg.Wait()

	if err := o.snapshotOnce(context.Background()); err != nil {
		o.log.Error("final snapshot", "error", err)
	}
	o.log.Info("orchestrator stopped", "uptime", time.Since(o.startTime))
}

// WIP exposes the WIP limiter so configuration reloads can update it.
func (o *Orchestrator) WIP() *routing.TaskWIP { return o.wip }

// Dispatcher exposes the task dispatcher.
func (o *Orchestrator) Dispatcher() *dispatcher.Dispatcher { return o.dispatcher }

// Workflows exposes the workflow engine.
func (o *Orchestrator) Workflows() *workflow.Engine { return o.workflows }

// Deliverables exposes the deliverable store.
func (o *Orchestrator) Deliverables() *routing.MemoryDeliverables { return o.deliverables }

// ApplyConfig takes over the settings that can change at runtime.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) {
	o.wip.SetLimits(cfg.WIPLimits())
	o.log.Info("configuration reloaded", "config", cfg.Summary())
}

// progressObserver publishes node transitions of task workflows on
// tasks.progress. Routing instances are skipped.
type progressObserver struct {
	o *Orchestrator
}

func (p progressObserver) OnNodeStart(instanceID, node string) {}

func (p progressObserver) OnNodeEnd(instanceID, node string, d time.Duration, err error) {
	if isRouteInstance(instanceID) {
		return
	}
	status := "node_done"
	if err != nil {
		status = "node_failed"
	}
	t, _ := p.o.ledger.Get(types.TaskID(instanceID))
	ev := types.TaskProgressEvent{
		TaskID:   types.TaskID(instanceID),
		WorkerID: t.TargetWorkerID,
		Node:     node,
		Status:   status,
	}
	if err := bus.PublishPayload(context.Background(), p.o.bus, bus.TopicProgress, instanceID, types.EventTaskProgress, ev); err != nil {
		p.o.log.Debug("publish node progress", "instance_id", instanceID, "error", err)
	}
}

func sortedRoles[V any](m map[types.Role]V) []types.Role {
	out := make([]types.Role, 0, len(m))
	for r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
