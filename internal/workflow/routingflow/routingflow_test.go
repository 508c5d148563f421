package routingflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/agentfleet/internal/routing"
	"github.com/ChuLiYu/agentfleet/internal/workflow"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

type fakeActions struct {
	mu          sync.Mutex
	delegated   []types.RoutingDecision
	responded   []types.RoutingDecision
	delegateErr error
}

func (f *fakeActions) Delegate(ctx context.Context, msg types.Message, d types.RoutingDecision) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delegateErr != nil {
		return "", "", f.delegateErr
	}
	f.delegated = append(f.delegated, d)
	return "task-" + msg.ID, "assigned", nil
}

func (f *fakeActions) Respond(ctx context.Context, msg types.Message, d types.RoutingDecision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responded = append(f.responded, d)
	return nil
}

func run(t *testing.T, r Router, a Actions, content string) *workflow.Instance {
	t.Helper()
	g, err := NewGraph(r, a)
	require.NoError(t, err)
	e := workflow.NewEngine(workflow.Options{})
	e.Register(g)

	msg := types.Message{ID: "m1", Content: content, ProjectID: "p1", UserID: "u1"}
	inst, err := e.Start(context.Background(), GraphID, "route-m1", InitialState(msg, routing.RouteContext{PriorUserTurns: 2}))
	require.NoError(t, err)
	inst, err = e.Run(context.Background(), inst)
	require.NoError(t, err)
	return inst
}

func TestRoutingFlow(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wip      routing.StaticWIP
		wantNode string
		action   types.Action
	}{
		{"greeting responds", "hello!", nil, NodeRespond, types.ActionRespond},
		{"build request delegates", "please implement the login feature", nil, NodeDelegate, types.ActionDelegate},
		{"blocked role responds", "please implement the login feature", routing.StaticWIP{types.RoleDeveloper: 0}, NodeRespond, types.ActionRespond},
		{"vague request clarifies", "hmm", nil, NodeRespond, types.ActionClarify},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := routing.Options{}
			if tt.wip != nil {
				opts.WIP = tt.wip
			}
			acts := &fakeActions{}
			inst := run(t, routing.NewEngine(opts), acts, tt.content)

			assert.Equal(t, workflow.StatusCompleted, inst.Status)
			assert.Equal(t, tt.wantNode, inst.CurrentNode)
			assert.Equal(t, string(tt.action), inst.State.String(KeyAction))
			if tt.wantNode == NodeDelegate {
				require.Len(t, acts.delegated, 1)
				assert.Equal(t, types.RoleDeveloper, acts.delegated[0].TargetRole)
				assert.Equal(t, "task-m1", inst.State.String(KeyTaskID))
				assert.Empty(t, acts.responded)
			} else {
				require.Len(t, acts.responded, 1)
				assert.Equal(t, tt.action, acts.responded[0].Action)
				assert.Empty(t, acts.delegated)
			}
		})
	}
}

func TestRoutingFlow_DelegateFailureFallsBackToRespond(t *testing.T) {
	acts := &fakeActions{delegateErr: errors.New("bus down")}
	inst := run(t, routing.NewEngine(routing.Options{}), acts, "please implement the login feature")

	assert.Equal(t, workflow.StatusFailed, inst.Status)
	assert.Equal(t, NodeRespond, inst.CurrentNode)
	assert.Contains(t, inst.State.Err(), "bus down")
	require.Len(t, acts.responded, 1)
	assert.Equal(t, types.ActionRespond, acts.responded[0].Action)
	assert.Equal(t, routing.ApologyMessage, acts.responded[0].Message)
}

func TestDecisionRoundTrip(t *testing.T) {
	st := workflow.State{
		KeyAction: "CONFIRM_REPLACE", KeyTargetRole: "analyst", KeyConfidence: 0.7,
		KeyReply: "replace?", KeyMetadata: map[string]any{"old_title": "Recipes"},
	}
	d := DecisionFrom(st)
	assert.Equal(t, types.ActionConfirmReplace, d.Action)
	assert.Equal(t, types.RoleAnalyst, d.TargetRole)
	assert.InDelta(t, 0.7, d.Confidence, 1e-9)
	assert.Equal(t, "Recipes", d.Metadata["old_title"])
}
