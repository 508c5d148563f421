package build

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/agentfleet/internal/checkpoint"
	"github.com/ChuLiYu/agentfleet/internal/workflow"
)

func runBuild(t *testing.T, tk *ScriptedToolkit, cfg Config, initial workflow.State) *workflow.Instance {
	t.Helper()
	g, err := NewGraph(tk, cfg)
	require.NoError(t, err)
	e := workflow.NewEngine(workflow.Options{})
	e.Register(g)

	ctx := context.Background()
	inst, err := e.Start(ctx, GraphID, "task-1", initial)
	require.NoError(t, err)
	inst, err = e.Run(ctx, inst)
	require.NoError(t, err)
	return inst
}

func request(s string) workflow.State { return workflow.State{KeyRequest: s} }

func TestBuild_HappyPath(t *testing.T) {
	tk := &ScriptedToolkit{PlanSteps: 3}
	inst := runBuild(t, tk, DefaultConfig(), request("add checkout page"))

	assert.Equal(t, workflow.StatusCompleted, inst.Status)
	assert.Equal(t, NodeRespond, inst.CurrentNode)
	assert.True(t, inst.State.Bool(KeySuccess))
	assert.Contains(t, inst.State.String(KeySummary), "Merged 3 plan steps")
	assert.Equal(t, []string{
		"setup", "analyze", "design", "plan",
		"implement:step 1", "implement:step 2", "implement:step 3",
		"review", "test", "merge", "cleanup",
	}, tk.Calls())
}

// Scenario: review keeps failing with k=2; on the third evaluation the
// router moves to run_tests regardless.
//
// Proceeding past an unresolved review is a business policy (forward
// progress on exhaustion), not an engine rule. BlockOnReviewExhaustion
// switches it off.
func TestBuild_ReviewExhaustionProceedsToTests(t *testing.T) {
	tests := []struct {
		name           string
		reviewFailures int
		wantReviews    int
		wantRevisions  int
		reviewPassed   bool
	}{
		{"always failing", -1, 3, 2, false},
		{"fails twice then passes", 2, 3, 2, true},
		{"fails once", 1, 2, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := &ScriptedToolkit{ReviewFailures: tt.reviewFailures, PlanSteps: 1}
			cfg := DefaultConfig()
			cfg.MaxReviewIterations = 2
			inst := runBuild(t, tk, cfg, request("add search"))

			assert.Equal(t, tt.wantReviews, tk.Count("review"))
			assert.Equal(t, tt.wantRevisions, tk.Count("revise"))
			assert.Equal(t, 1, tk.Count("test"), "tests run after review regardless")
			assert.Equal(t, tt.reviewPassed, inst.State.Bool(KeyReviewPassed))
			assert.True(t, inst.State.Bool(KeyMerged))
			if !tt.reviewPassed {
				assert.Contains(t, inst.State.String(KeySummary), "Review feedback was still open")
			}
		})
	}
}

func TestBuild_BlockOnReviewExhaustion(t *testing.T) {
	tk := &ScriptedToolkit{ReviewFailures: -1}
	cfg := DefaultConfig()
	cfg.BlockOnReviewExhaustion = true
	inst := runBuild(t, tk, cfg, request("add search"))

	assert.Equal(t, workflow.StatusCompleted, inst.Status)
	assert.Equal(t, 3, tk.Count("review"))
	assert.Equal(t, 0, tk.Count("test"))
	assert.Equal(t, 1, tk.Count("cleanup"))
	assert.False(t, inst.State.Bool(KeySuccess))
	assert.Contains(t, inst.State.String(KeySummary), "Code review still failed after 3 rounds")
}

func TestBuild_DebugLoop(t *testing.T) {
	tests := []struct {
		name         string
		testFailures int
		maxDebug     int
		wantTests    int
		wantDebug    int
		success      bool
	}{
		{"passes after one debug", 1, 3, 2, 1, true},
		{"exhausted", -1, 3, 4, 3, false},
		{"no debugging allowed", -1, 0, 1, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := &ScriptedToolkit{TestFailures: tt.testFailures}
			cfg := DefaultConfig()
			cfg.MaxDebugIterations = tt.maxDebug
			inst := runBuild(t, tk, cfg, request("fix flaky checkout"))

			assert.Equal(t, workflow.StatusCompleted, inst.Status, "exhaustion is not an error")
			assert.Equal(t, tt.wantTests, tk.Count("test"))
			assert.Equal(t, tt.wantDebug, tk.Count("debug"))
			assert.Equal(t, tt.success, inst.State.Bool(KeySuccess))
			assert.Equal(t, 1, tk.Count("cleanup"), "workspace removed on every outcome")
			if !tt.success {
				assert.Equal(t, 0, tk.Count("merge"))
				assert.Contains(t, inst.State.String(KeySummary), "Tests are still failing")
				assert.Contains(t, inst.State.String(KeySummary), "FAIL TestCheckout")
			}
		})
	}
}

// Property: code_review runs at most k+1 times and run_tests at most
// max_debug+1 times before the instance reaches a terminal node.
func TestBuild_IterationBounds(t *testing.T) {
	for k := 0; k <= 3; k++ {
		for maxDebug := 0; maxDebug <= 3; maxDebug++ {
			tk := &ScriptedToolkit{ReviewFailures: -1, TestFailures: -1}
			inst := runBuild(t, tk, Config{MaxReviewIterations: k, MaxDebugIterations: maxDebug}, request("x"))

			assert.Equal(t, k+1, tk.Count("review"), "k=%d", k)
			assert.Equal(t, maxDebug+1, tk.Count("test"), "max_debug=%d", maxDebug)
			assert.True(t, inst.Status.Terminal())
			assert.LessOrEqual(t, inst.Counters[LoopReview], k)
			assert.LessOrEqual(t, inst.Counters[LoopDebug], maxDebug)
		}
	}
}

func TestBuild_PhaseFailureRoutesToRespond(t *testing.T) {
	tests := []struct {
		phase       string
		wantCleanup int
	}{
		{"setup", 0}, // no workspace yet
		{"analyze", 1},
		{"design", 1},
		{"implement", 1},
		{"review", 1},
		{"test", 1},
		{"merge", 1},
	}
	for _, tt := range tests {
		t.Run(tt.phase, func(t *testing.T) {
			tk := &ScriptedToolkit{FailPhase: tt.phase}
			inst := runBuild(t, tk, DefaultConfig(), request("add search"))

			assert.Equal(t, workflow.StatusFailed, inst.Status)
			assert.Equal(t, NodeRespond, inst.CurrentNode)
			assert.False(t, inst.State.Bool(KeySuccess))
			assert.Contains(t, inst.State.String(KeySummary), tt.phase+" failed")
			assert.Equal(t, tt.wantCleanup, tk.Count("cleanup"))
			if tt.wantCleanup > 0 {
				calls := tk.Calls()
				assert.Equal(t, "cleanup", calls[len(calls)-1])
				assert.Empty(t, inst.State.String(KeyWorkspace))
			}
		})
	}
}

func TestBuild_CleanupFailureIsReported(t *testing.T) {
	tk := &ScriptedToolkit{FailPhase: "cleanup"}
	inst := runBuild(t, tk, DefaultConfig(), request("add search"))

	assert.Equal(t, workflow.StatusCompleted, inst.Status)
	assert.Equal(t, NodeRespond, inst.CurrentNode)
	assert.True(t, inst.State.Bool(KeySuccess), "the merge stands")
	assert.NotEmpty(t, inst.State.String(KeyWorkspace))
	assert.Contains(t, inst.State.String(KeySummary), "was not cleaned up: cleanup failed")
}

func TestBuild_NoWorkspaceForClarifyOrRespond(t *testing.T) {
	tests := []struct {
		name    string
		initial workflow.State
		success bool
	}{
		{"empty request clarifies", workflow.State{KeyRequest: "  "}, false},
		{"explicit respond", workflow.State{KeyRequest: "what is this?", KeyIntent: "respond"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := &ScriptedToolkit{}
			inst := runBuild(t, tk, DefaultConfig(), tt.initial)
			assert.Equal(t, workflow.StatusCompleted, inst.Status)
			assert.Empty(t, tk.Calls())
			assert.Equal(t, tt.success, inst.State.Bool(KeySuccess))
			assert.NotEmpty(t, inst.State.String(KeySummary))
		})
	}
}

func TestBuild_PlanTruncatedToMaxSteps(t *testing.T) {
	tk := &ScriptedToolkit{PlanSteps: 10}
	cfg := DefaultConfig()
	cfg.MaxImplementSteps = 4
	inst := runBuild(t, tk, cfg, request("big change"))
	assert.Equal(t, 4, tk.Count("implement"))
	assert.Equal(t, 4, inst.State.Int(KeyTotalSteps))
	assert.Equal(t, 6, inst.State.Int(KeyPlanDropped))
	assert.Contains(t, inst.State.String(KeySummary), "6 more plan steps were dropped")
}

func TestBuild_PlanWithinLimitDropsNothing(t *testing.T) {
	tk := &ScriptedToolkit{PlanSteps: 4}
	cfg := DefaultConfig()
	cfg.MaxImplementSteps = 4
	inst := runBuild(t, tk, cfg, request("small change"))
	assert.Equal(t, 0, inst.State.Int(KeyPlanDropped))
	assert.NotContains(t, inst.State.String(KeySummary), "dropped")
}

// Scenario: an interrupt set while the build sits at implement pauses it
// there; a fresh engine on the same checkpoint directory resumes it.
func TestBuild_InterruptAndResumeFromDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tk := &ScriptedToolkit{PlanSteps: 2}
	g, err := NewGraph(tk, DefaultConfig())
	require.NoError(t, err)

	store, err := checkpoint.NewFileStore(dir)
	require.NoError(t, err)
	interrupts := workflow.NewMemoryInterrupts()
	e := workflow.NewEngine(workflow.Options{Store: store, Interrupts: interrupts})
	e.Register(g)

	inst, err := e.Start(ctx, GraphID, "X", request("add export"))
	require.NoError(t, err)
	for inst.CurrentNode != NodeImplement {
		_, err = e.Step(ctx, inst)
		require.NoError(t, err)
	}
	require.NoError(t, e.Interrupt(ctx, "X", "maintenance"))
	_, err = e.Step(ctx, inst)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPaused, inst.Status)
	assert.Equal(t, NodeImplement, inst.CurrentNode)
	assert.Equal(t, 0, tk.Count("implement"))

	store2, err := checkpoint.NewFileStore(dir)
	require.NoError(t, err)
	e2 := workflow.NewEngine(workflow.Options{Store: store2, Interrupts: interrupts})
	e2.Register(g)

	pending, err := e2.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, NodeImplement, pending[0].CurrentNode)

	done, err := e2.Resume(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, done.Status)
	assert.True(t, done.State.Bool(KeySuccess))
	assert.Equal(t, 2, tk.Count("implement"), "plan survives the JSON checkpoint")
}
