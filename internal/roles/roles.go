// ============================================================================
// agentfleet roles
// ============================================================================
//
// Package: internal/roles
// File: roles.go
// Purpose: role capabilities and their task handler tables.
//
// Every role is a Specialist: a role name plus a map from task type to
// handler, built once from that role's configuration struct. Dispatch is a
// map lookup.
//
//   cfg (AnalystConfig | ArchitectConfig | DeveloperConfig | ...)
//        │ New(cfg, deps)
//        ▼
//   Specialist{role, handlers[TaskType]HandlerFunc}
//        │ Handle(task)
//        ▼
//   handlers[task.Type](ctx, task) -> Result
//
// ============================================================================

package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/ChuLiYu/agentfleet/internal/routing"
	"github.com/ChuLiYu/agentfleet/internal/workflow"
	"github.com/ChuLiYu/agentfleet/internal/workflow/build"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

var (
	ErrNoHandler     = errors.New("no handler for task type")
	ErrUnknownRole   = errors.New("unknown role")
	ErrMissingDep    = errors.New("missing role dependency")
	ErrDuplicateRole = errors.New("role already registered")
)

// Task types handled by the built-in roles.
const (
	TaskTypeAnalyze types.TaskType = "analyze"
	TaskTypeDesign  types.TaskType = "design"
	TaskTypeReview  types.TaskType = "review"
	TaskTypeTest    types.TaskType = "test"
)

// TaskTypeFor is the task type a delegated request becomes for role. Roles
// without a built-in handler get the build type.
func TaskTypeFor(role types.Role) types.TaskType {
	switch role {
	case types.RoleAnalyst:
		return TaskTypeAnalyze
	case types.RoleArchitect:
		return TaskTypeDesign
	case types.RoleReviewer:
		return TaskTypeReview
	case types.RoleTester:
		return TaskTypeTest
	default:
		return types.TaskTypeBuild
	}
}

// Result is what a handler reports back to the dispatcher.
type Result struct {
	Success   bool
	Summary   string
	HandoffTo types.Role
	// Paused is set when the task's workflow stopped on an interrupt; the
	// task stays in progress until it is resumed.
	Paused bool
	Data   map[string]any
}

// HandlerFunc executes one task.
type HandlerFunc func(ctx context.Context, task types.Task) (Result, error)

// Capability is the interface the worker runtime executes against.
type Capability interface {
	Role() types.Role
	Handles() []types.TaskType
	Handle(ctx context.Context, task types.Task) (Result, error)
}

// Config is one role's configuration. The concrete types below are the only
// implementations.
type Config interface {
	role() types.Role
}

type AnalystConfig struct {
	HandoffTo types.Role // default architect
}

type ArchitectConfig struct {
	HandoffTo types.Role // default developer
}

type DeveloperConfig struct {
	Build build.Config
}

type ReviewerConfig struct{}

type TesterConfig struct{}

func (AnalystConfig) role() types.Role   { return types.RoleAnalyst }
func (ArchitectConfig) role() types.Role { return types.RoleArchitect }
func (DeveloperConfig) role() types.Role { return types.RoleDeveloper }
func (ReviewerConfig) role() types.Role  { return types.RoleReviewer }
func (TesterConfig) role() types.Role    { return types.RoleTester }

// DeliverableSink stores documents produced by roles. routing.MemoryDeliverables
// implements it.
type DeliverableSink interface {
	Put(d routing.Deliverable) routing.Deliverable
}

// Deps are the collaborators handlers may use. Which ones are required
// depends on the role.
type Deps struct {
	Workflows    *workflow.Engine
	Toolkit      build.Toolkit
	Deliverables DeliverableSink
	Completer    routing.Completer // optional; templates are used without it
	Logger       *slog.Logger
}

// Specialist is the Capability built from a Config.
type Specialist struct {
	role     types.Role
	handlers map[types.TaskType]HandlerFunc
}

func (s *Specialist) Role() types.Role { return s.role }

func (s *Specialist) Handles() []types.TaskType {
	out := make([]types.TaskType, 0, len(s.handlers))
	for t := range s.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Specialist) Handle(ctx context.Context, task types.Task) (Result, error) {
	h, ok := s.handlers[task.Type]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s cannot handle %q", ErrNoHandler, s.role, task.Type)
	}
	return h(ctx, task)
}

// New builds the specialist for cfg.
func New(cfg Config, deps Deps) (*Specialist, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrUnknownRole)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handlers{deps: deps, log: deps.Logger.With("component", "roles", "role", cfg.role())}
	s := &Specialist{role: cfg.role(), handlers: make(map[types.TaskType]HandlerFunc)}

	switch c := cfg.(type) {
	case AnalystConfig:
		if deps.Deliverables == nil {
			return nil, fmt.Errorf("%w: analyst needs a deliverable sink", ErrMissingDep)
		}
		s.handlers[TaskTypeAnalyze] = h.analyze(defaultRole(c.HandoffTo, types.RoleArchitect))
	case ArchitectConfig:
		s.handlers[TaskTypeDesign] = h.design(defaultRole(c.HandoffTo, types.RoleDeveloper))
	case DeveloperConfig:
		if deps.Workflows == nil || deps.Toolkit == nil {
			return nil, fmt.Errorf("%w: developer needs a workflow engine and a toolkit", ErrMissingDep)
		}
		g, err := build.NewGraph(deps.Toolkit, c.Build)
		if err != nil {
			return nil, err
		}
		deps.Workflows.Register(g)
		s.handlers[types.TaskTypeBuild] = h.build
	case ReviewerConfig:
		if deps.Toolkit == nil {
			return nil, fmt.Errorf("%w: reviewer needs a toolkit", ErrMissingDep)
		}
		s.handlers[TaskTypeReview] = h.review
	case TesterConfig:
		if deps.Toolkit == nil {
			return nil, fmt.Errorf("%w: tester needs a toolkit", ErrMissingDep)
		}
		s.handlers[TaskTypeTest] = h.test
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownRole, cfg)
	}
	return s, nil
}

// Registry maps roles to their capabilities.
type Registry struct {
	mu   sync.RWMutex
	byID map[types.Role]Capability
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[types.Role]Capability)}
}

func (r *Registry) Register(c Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byID[c.Role()]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateRole, c.Role())
	}
	r.byID[c.Role()] = c
	return nil
}

func (r *Registry) Get(role types.Role) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[role]
	return c, ok
}

// Roles returns registered roles in sorted order.
func (r *Registry) Roles() []types.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Role, 0, len(r.byID))
	for role := range r.byID {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Handle runs task on the capability registered for its target role.
func (r *Registry) Handle(ctx context.Context, task types.Task) (Result, error) {
	c, ok := r.Get(task.TargetRole)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownRole, task.TargetRole)
	}
	return c.Handle(ctx, task)
}

// NewDefaultRegistry registers every built-in role.
func NewDefaultRegistry(deps Deps, dev DeveloperConfig) (*Registry, error) {
	reg := NewRegistry()
	for _, cfg := range []Config{AnalystConfig{}, ArchitectConfig{}, dev, ReviewerConfig{}, TesterConfig{}} {
		s, err := New(cfg, deps)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(s); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func defaultRole(r, def types.Role) types.Role {
	if r == "" {
		return def
	}
	return r
}

// ----------------------------------------------------------------------------
// Handlers
// ----------------------------------------------------------------------------

type handlers struct {
	deps Deps
	log  *slog.Logger
}

func requestOf(task types.Task) string {
	if s, ok := task.Context["request"].(string); ok {
		return s
	}
	if s, ok := task.Context["content"].(string); ok {
		return s
	}
	return ""
}

func (h *handlers) compose(ctx context.Context, system, prompt, fallback string) string {
	if h.deps.Completer == nil {
		return fallback
	}
	out, err := h.deps.Completer.Complete(ctx, system, prompt)
	if err != nil || strings.TrimSpace(out) == "" {
		h.log.Warn("completer failed, using template", "error", err)
		return fallback
	}
	return strings.TrimSpace(out)
}

func (h *handlers) analyze(handoff types.Role) HandlerFunc {
	return func(ctx context.Context, task types.Task) (Result, error) {
		req := requestOf(task)
		if req == "" {
			return Result{Summary: "Nothing to analyze: the request is empty."}, nil
		}
		summary := h.compose(ctx,
			"Write a short requirements summary for the request.", req,
			"Requirements: "+req)
		d := h.deps.Deliverables.Put(routing.Deliverable{
			ProjectID: task.ProjectID,
			Role:      types.RoleAnalyst,
			Title:     title(req),
			Summary:   summary,
		})
		h.log.Info("requirements recorded", "task_id", task.ID, "deliverable_id", d.ID)
		return Result{
			Success:   true,
			Summary:   summary,
			HandoffTo: handoff,
			Data:      map[string]any{"deliverable_id": d.ID, "title": d.Title},
		}, nil
	}
}

func (h *handlers) design(handoff types.Role) HandlerFunc {
	return func(ctx context.Context, task types.Task) (Result, error) {
		req := requestOf(task)
		summary := h.compose(ctx,
			"Outline a system design for the request in a few bullet points.", req,
			"Design outline for: "+req)
		return Result{Success: true, Summary: summary, HandoffTo: handoff}, nil
	}
}

// build runs the build workflow with the task id as instance id. An
// unfinished checkpoint left by an earlier attempt is resumed; a finished one
// is dropped and the build starts over.
func (h *handlers) build(ctx context.Context, task types.Task) (Result, error) {
	wf := h.deps.Workflows
	id := string(task.ID)

	inst, err := wf.Load(ctx, id)
	if err == nil && inst.Status.Terminal() {
		h.log.Info("discarding finished build checkpoint", "task_id", id, "status", inst.Status)
		if err := wf.Forget(ctx, id); err != nil {
			return Result{}, err
		}
		inst, err = nil, fmt.Errorf("%w: %s", workflow.ErrInstanceNotFound, id)
	}
	switch {
	case errors.Is(err, workflow.ErrInstanceNotFound):
		st := workflow.State{build.KeyRequest: requestOf(task)}
		if intent, ok := task.Context[build.KeyIntent].(string); ok {
			st[build.KeyIntent] = intent
		}
		inst, err = wf.Start(ctx, build.GraphID, id, st)
		if err != nil {
			return Result{}, err
		}
	case err != nil:
		return Result{}, err
	default:
		h.log.Info("resuming build from checkpoint", "task_id", id, "node", inst.CurrentNode)
	}

	inst, err = wf.Run(ctx, inst)
	if err != nil {
		return Result{}, err
	}
	return ResultFromInstance(inst), nil
}

// ResultFromInstance converts a finished or paused build instance.
func ResultFromInstance(inst *workflow.Instance) Result {
	if inst.Status == workflow.StatusPaused {
		return Result{Paused: true, Summary: "paused at " + inst.CurrentNode}
	}
	return Result{
		Success: inst.Status == workflow.StatusCompleted && inst.State.Bool(build.KeySuccess),
		Summary: inst.State.String(build.KeySummary),
		Data: map[string]any{
			"commit":      inst.State.String(build.KeyCommit),
			"test_runs":   inst.State.Int(build.KeyTestRuns),
			"review_runs": inst.State.Int(build.KeyReviewRounds),
		},
	}
}

func (h *handlers) review(ctx context.Context, task types.Task) (Result, error) {
	ws, _ := task.Context[build.KeyWorkspace].(string)
	res, err := h.deps.Toolkit.Review(ctx, ws)
	if err != nil {
		return Result{}, err
	}
	if res.Passed {
		return Result{Success: true, Summary: "Review passed."}, nil
	}
	return Result{Summary: "Review requested changes: " + res.Feedback, HandoffTo: types.RoleDeveloper}, nil
}

func (h *handlers) test(ctx context.Context, task types.Task) (Result, error) {
	ws, _ := task.Context[build.KeyWorkspace].(string)
	res, err := h.deps.Toolkit.RunTests(ctx, ws)
	if err != nil {
		return Result{}, err
	}
	if res.Passed {
		return Result{Success: true, Summary: "All tests passed."}, nil
	}
	return Result{Summary: "Tests failed: " + res.Output, HandoffTo: types.RoleDeveloper}, nil
}

func title(req string) string {
	req = strings.Join(strings.Fields(req), " ")
	if r := []rune(req); len(r) > 60 {
		return string(r[:60]) + "..."
	}
	return req
}
