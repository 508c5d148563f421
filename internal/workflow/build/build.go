// ============================================================================
// agentfleet build workflow
// ============================================================================
//
// Package: internal/workflow/build
// File: build.go
// Purpose: the multi-phase build graph run by developer workers.
//
//   route ──> clarify | respond
//     │
//     ▼
//   setup_workspace -> analyze -> design -> plan -> implement ⟲ (per plan step)
//                                                     │
//                                                     ▼
//                                   code_review ⟲ (while failing, ≤ k times)
//                                                     │ passed or exhausted
//                                                     ▼
//                 ┌──────────── pass ──────────── run_tests <──┐
//                 ▼                                 │ fail     │
//   merge_to_main -> cleanup_workspace -> respond   ▼          │
//                          ▲                   debug_error ────┘ (≤ max_debug)
//                          │                        │ exhausted
//                          └────────────────────────┘
//
// route, clarify and respond need no workspace. cleanup_workspace is the
// fallback node for any failing phase, so a workspace that was set up is
// always removed before respond writes the summary. Cleanup errors are
// recorded in state and never fail the build on their own.
//
// ============================================================================

package build

import (
	"context"
	"fmt"
	"strings"

	"github.com/ChuLiYu/agentfleet/internal/workflow"
)

const GraphID = "build"

const (
	NodeRoute            = "route"
	NodeClarify          = "clarify"
	NodeSetupWorkspace   = "setup_workspace"
	NodeAnalyze          = "analyze"
	NodeDesign           = "design"
	NodePlan             = "plan"
	NodeImplement        = "implement"
	NodeCodeReview       = "code_review"
	NodeRunTests         = "run_tests"
	NodeMergeToMain      = "merge_to_main"
	NodeCleanupWorkspace = "cleanup_workspace"
	NodeDebugError       = "debug_error"
	NodeRespond          = "respond"
)

const (
	LoopImplement = "implement"
	LoopReview    = "code_review"
	LoopDebug     = "debug"
)

// State keys.
const (
	KeyRequest        = "request"
	KeyIntent         = "intent" // build (default), clarify or respond
	KeyWorkspace      = "workspace"
	KeyAnalysis       = "analysis"
	KeyDesign         = "design"
	KeyPlan           = "plan"
	KeyTotalSteps     = "total_steps"
	KeyCurrentStep    = "current_step"
	KeyReviewPassed   = "review_passed"
	KeyReviewFeedback = "review_feedback"
	KeyReviewRounds   = "review_rounds"
	KeyTestsPassed    = "tests_passed"
	KeyTestOutput     = "test_output"
	KeyTestRuns       = "test_runs"
	KeyMerged         = "merged"
	KeyCommit         = "commit"
	KeySuccess        = "success"
	KeySummary        = "summary"
	KeyReviewBlocked  = "review_blocked"
	KeyPlanDropped    = "plan_dropped" // plan steps cut by MaxImplementSteps
	KeyCleanupError   = "cleanup_error"
)

// ReviewResult is the outcome of one code review round.
type ReviewResult struct {
	Passed   bool
	Feedback string
}

// TestResult is the outcome of one test run.
type TestResult struct {
	Passed bool
	Output string
}

// Toolkit performs the actual work of each phase against a workspace. The
// workflow only sequences calls to it.
type Toolkit interface {
	SetupWorkspace(ctx context.Context, request string) (workspace string, err error)
	Analyze(ctx context.Context, workspace, request string) (string, error)
	Design(ctx context.Context, workspace, analysis string) (string, error)
	Plan(ctx context.Context, workspace, design string) ([]string, error)
	Implement(ctx context.Context, workspace, step string) error
	Revise(ctx context.Context, workspace, feedback string) error
	Review(ctx context.Context, workspace string) (ReviewResult, error)
	RunTests(ctx context.Context, workspace string) (TestResult, error)
	Debug(ctx context.Context, workspace, failure string) error
	Merge(ctx context.Context, workspace string) (commit string, err error)
	Cleanup(ctx context.Context, workspace string) error
}

// Config bounds the loops of the graph.
type Config struct {
	MaxReviewIterations int // k: review rounds repeated after the first
	MaxDebugIterations  int // debug_error -> run_tests rounds
	MaxImplementSteps   int // plan steps executed (0 selects 20)
	// BlockOnReviewExhaustion ends the build at respond when review still
	// fails after k rounds. The default proceeds to run_tests.
	BlockOnReviewExhaustion bool
}

func DefaultConfig() Config {
	return Config{MaxReviewIterations: 2, MaxDebugIterations: 3, MaxImplementSteps: 20}
}

func (c Config) normalized() Config {
	c.MaxReviewIterations = max(c.MaxReviewIterations, 0)
	c.MaxDebugIterations = max(c.MaxDebugIterations, 0)
	if c.MaxImplementSteps <= 0 {
		c.MaxImplementSteps = 20
	}
	return c
}

// NewGraph builds the build workflow around tk.
func NewGraph(tk Toolkit, cfg Config) (*workflow.Graph, error) {
	cfg = cfg.normalized()
	n := &nodes{tk: tk, cfg: cfg}

	return workflow.NewGraph(GraphID).
		AddNode(NodeRoute, n.route).
		AddNode(NodeClarify, n.clarify).
		AddNode(NodeSetupWorkspace, n.setupWorkspace).
		AddNode(NodeAnalyze, n.analyze).
		AddNode(NodeDesign, n.design).
		AddNode(NodePlan, n.plan).
		AddNode(NodeImplement, n.implement).
		AddNode(NodeCodeReview, n.codeReview).
		AddNode(NodeRunTests, n.runTests).
		AddNode(NodeDebugError, n.debugError).
		AddNode(NodeMergeToMain, n.merge).
		AddNode(NodeCleanupWorkspace, n.cleanup).
		AddNode(NodeRespond, n.respond).
		SetEntry(NodeRoute).
		SetFallback(NodeCleanupWorkspace).
		AddLoop(LoopImplement, cfg.MaxImplementSteps-1).
		AddLoop(LoopReview, cfg.MaxReviewIterations).
		AddLoop(LoopDebug, cfg.MaxDebugIterations).
		AddRouter(NodeRoute, routeIntent, NodeClarify, NodeRespond, NodeSetupWorkspace).
		AddEdge(NodeSetupWorkspace, NodeAnalyze).
		AddEdge(NodeAnalyze, NodeDesign).
		AddEdge(NodeDesign, NodePlan).
		AddEdge(NodePlan, NodeImplement).
		AddRouter(NodeImplement, afterImplement, NodeImplement, NodeCodeReview).
		AddRouter(NodeCodeReview, cfg.afterReview, NodeCodeReview, NodeRunTests, NodeCleanupWorkspace).
		AddRouter(NodeRunTests, afterTests, NodeMergeToMain, NodeDebugError, NodeCleanupWorkspace).
		AddEdge(NodeDebugError, NodeRunTests).
		AddEdge(NodeMergeToMain, NodeCleanupWorkspace).
		AddEdge(NodeCleanupWorkspace, NodeRespond).
		Build()
}

// ----------------------------------------------------------------------------
// Routers
// ----------------------------------------------------------------------------

func routeIntent(rc *workflow.RouteContext) string {
	switch rc.State.String(KeyIntent) {
	case "clarify":
		return NodeClarify
	case "respond":
		return NodeRespond
	}
	return NodeSetupWorkspace
}

func afterImplement(rc *workflow.RouteContext) string {
	if rc.State.Int(KeyCurrentStep) < rc.State.Int(KeyTotalSteps) && rc.Iterate(LoopImplement) {
		return NodeImplement
	}
	return NodeCodeReview
}

// afterReview loops while the review fails. Once the loop is exhausted the
// build moves on to testing unless BlockOnReviewExhaustion is set.
func (c Config) afterReview(rc *workflow.RouteContext) string {
	if rc.State.Bool(KeyReviewPassed) {
		return NodeRunTests
	}
	if rc.Iterate(LoopReview) {
		return NodeCodeReview
	}
	if c.BlockOnReviewExhaustion {
		rc.State[KeyReviewBlocked] = true
		return NodeCleanupWorkspace
	}
	return NodeRunTests
}

func afterTests(rc *workflow.RouteContext) string {
	if rc.State.Bool(KeyTestsPassed) {
		return NodeMergeToMain
	}
	if rc.Iterate(LoopDebug) {
		return NodeDebugError
	}
	return NodeCleanupWorkspace
}

// ----------------------------------------------------------------------------
// Nodes
// ----------------------------------------------------------------------------

type nodes struct {
	tk  Toolkit
	cfg Config
}

func (n *nodes) route(ctx context.Context, st workflow.State) (workflow.State, error) {
	intent := st.String(KeyIntent)
	if intent == "" {
		intent = "build"
		if strings.TrimSpace(st.String(KeyRequest)) == "" {
			intent = "clarify"
		}
	}
	return workflow.State{KeyIntent: intent}, nil
}

func (n *nodes) clarify(ctx context.Context, st workflow.State) (workflow.State, error) {
	return workflow.State{
		KeySuccess: false,
		KeySummary: "I need more detail before I can start building. What should the change do?",
	}, nil
}

func (n *nodes) setupWorkspace(ctx context.Context, st workflow.State) (workflow.State, error) {
	ws, err := n.tk.SetupWorkspace(ctx, st.String(KeyRequest))
	if err != nil {
		return nil, fmt.Errorf("setup workspace: %w", err)
	}
	return workflow.State{KeyWorkspace: ws}, nil
}

func (n *nodes) analyze(ctx context.Context, st workflow.State) (workflow.State, error) {
	out, err := n.tk.Analyze(ctx, st.String(KeyWorkspace), st.String(KeyRequest))
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	return workflow.State{KeyAnalysis: out}, nil
}

func (n *nodes) design(ctx context.Context, st workflow.State) (workflow.State, error) {
	out, err := n.tk.Design(ctx, st.String(KeyWorkspace), st.String(KeyAnalysis))
	if err != nil {
		return nil, fmt.Errorf("design: %w", err)
	}
	return workflow.State{KeyDesign: out}, nil
}

func (n *nodes) plan(ctx context.Context, st workflow.State) (workflow.State, error) {
	steps, err := n.tk.Plan(ctx, st.String(KeyWorkspace), st.String(KeyDesign))
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	if len(steps) == 0 {
		steps = []string{st.String(KeyRequest)}
	}
	dropped := 0
	if len(steps) > n.cfg.MaxImplementSteps {
		dropped = len(steps) - n.cfg.MaxImplementSteps
		steps = steps[:n.cfg.MaxImplementSteps]
	}
	return workflow.State{
		KeyPlan:        steps,
		KeyTotalSteps:  len(steps),
		KeyCurrentStep: 0,
		KeyPlanDropped: dropped,
	}, nil
}

func (n *nodes) implement(ctx context.Context, st workflow.State) (workflow.State, error) {
	steps := planSteps(st)
	i := st.Int(KeyCurrentStep)
	if i >= len(steps) {
		return nil, fmt.Errorf("implement: step %d of %d", i+1, len(steps))
	}
	if err := n.tk.Implement(ctx, st.String(KeyWorkspace), steps[i]); err != nil {
		return nil, fmt.Errorf("implement step %d: %w", i+1, err)
	}
	return workflow.State{KeyCurrentStep: i + 1}, nil
}

func (n *nodes) codeReview(ctx context.Context, st workflow.State) (workflow.State, error) {
	ws := st.String(KeyWorkspace)
	if feedback := st.String(KeyReviewFeedback); feedback != "" && !st.Bool(KeyReviewPassed) {
		if err := n.tk.Revise(ctx, ws, feedback); err != nil {
			return nil, fmt.Errorf("revise: %w", err)
		}
	}
	res, err := n.tk.Review(ctx, ws)
	if err != nil {
		return nil, fmt.Errorf("code review: %w", err)
	}
	return workflow.State{
		KeyReviewPassed:   res.Passed,
		KeyReviewFeedback: res.Feedback,
		KeyReviewRounds:   st.Int(KeyReviewRounds) + 1,
	}, nil
}

func (n *nodes) runTests(ctx context.Context, st workflow.State) (workflow.State, error) {
	res, err := n.tk.RunTests(ctx, st.String(KeyWorkspace))
	if err != nil {
		return nil, fmt.Errorf("run tests: %w", err)
	}
	return workflow.State{
		KeyTestsPassed: res.Passed,
		KeyTestOutput:  res.Output,
		KeyTestRuns:    st.Int(KeyTestRuns) + 1,
	}, nil
}

func (n *nodes) debugError(ctx context.Context, st workflow.State) (workflow.State, error) {
	if err := n.tk.Debug(ctx, st.String(KeyWorkspace), st.String(KeyTestOutput)); err != nil {
		return nil, fmt.Errorf("debug: %w", err)
	}
	return nil, nil
}

func (n *nodes) merge(ctx context.Context, st workflow.State) (workflow.State, error) {
	commit, err := n.tk.Merge(ctx, st.String(KeyWorkspace))
	if err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	return workflow.State{KeyMerged: true, KeyCommit: commit}, nil
}

// cleanup runs on every path that set up a workspace, including failures.
// It is also the fallback node, so it must not return an error: the engine
// ends a failing fallback without reaching respond.
func (n *nodes) cleanup(ctx context.Context, st workflow.State) (workflow.State, error) {
	ws := st.String(KeyWorkspace)
	if ws == "" {
		return nil, nil
	}
	if err := n.tk.Cleanup(ctx, ws); err != nil {
		return workflow.State{KeyCleanupError: err.Error()}, nil
	}
	return workflow.State{KeyWorkspace: ""}, nil
}

func (n *nodes) respond(ctx context.Context, st workflow.State) (workflow.State, error) {
	if st.String(KeyIntent) == "respond" {
		return workflow.State{KeySuccess: true, KeySummary: "Nothing to build for this request."}, nil
	}
	return workflow.State{KeySuccess: succeeded(st), KeySummary: Summarize(st)}, nil
}

func succeeded(st workflow.State) bool {
	return st.Err() == "" && st.Bool(KeyMerged)
}

// Summarize describes the outcome of a build for the user.
func Summarize(st workflow.State) string {
	s := outcome(st)
	if e := st.String(KeyCleanupError); e != "" {
		s += fmt.Sprintf(" Workspace %s was not cleaned up: %s", st.String(KeyWorkspace), e)
	}
	return s
}

func outcome(st workflow.State) string {
	switch {
	case st.Err() != "":
		return fmt.Sprintf("The build failed during %s: %s", st.String(workflow.KeyFailedNode), st.Err())
	case st.Bool(KeyReviewBlocked):
		return fmt.Sprintf("Code review still failed after %d rounds: %s",
			st.Int(KeyReviewRounds), st.String(KeyReviewFeedback))
	case st.Bool(KeyMerged):
		s := fmt.Sprintf("Merged %d plan steps (commit %s).", st.Int(KeyTotalSteps), st.String(KeyCommit))
		if d := st.Int(KeyPlanDropped); d > 0 {
			s += fmt.Sprintf(" %d more plan steps were dropped by the step limit.", d)
		}
		if !st.Bool(KeyReviewPassed) {
			s += " Review feedback was still open: " + st.String(KeyReviewFeedback)
		}
		return s
	default:
		return fmt.Sprintf("Tests are still failing after %d debug attempts: %s",
			max(st.Int(KeyTestRuns)-1, 0), lastLine(st.String(KeyTestOutput)))
	}
}

func planSteps(st workflow.State) []string {
	switch v := st[KeyPlan].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			out = append(out, fmt.Sprint(s))
		}
		return out
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
