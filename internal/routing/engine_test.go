package routing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// spyClassifier returns a fixed decision and counts calls.
type spyClassifier struct {
	decision types.RoutingDecision
	err      error
	panicMsg string
	calls    atomic.Int32
}

func (s *spyClassifier) Classify(ctx context.Context, msg types.Message, rc RouteContext) (types.RoutingDecision, error) {
	s.calls.Add(1)
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return s.decision, s.err
}

type fixedSessions map[string]*types.Ownership

func (f fixedSessions) OwnerOf(ctx context.Context, projectID string) (*types.Ownership, error) {
	return f[projectID], nil
}

type fixedDomain struct {
	same bool
	err  error
}

func (f fixedDomain) SameDomain(ctx context.Context, existing Deliverable, msg types.Message) (bool, error) {
	return f.same, f.err
}

func delegateTo(role types.Role) types.RoutingDecision {
	return types.RoutingDecision{Action: types.ActionDelegate, TargetRole: role, Confidence: 0.9, Reason: "test"}
}

func msg(content string) types.Message {
	return types.Message{ID: "m1", Content: content, ProjectID: "proj-1", UserID: "u1"}
}

// Scenario: "hi" short-circuits to RESPOND without calling the classifier.
func TestRoute_SimplePatternSkipsClassifier(t *testing.T) {
	spy := &spyClassifier{decision: delegateTo(types.RoleDeveloper)}
	e := NewEngine(Options{Classifier: spy})

	for _, content := range []string{"hi", "Hi!", "  HELLO  ", "thanks.", "ok!!", "Good morning"} {
		d := e.Route(context.Background(), msg(content), RouteContext{})
		assert.Equal(t, types.ActionRespond, d.Action, content)
		assert.InDelta(t, 1.0, d.Confidence, 1e-9, content)
		assert.Equal(t, ReasonSimplePattern, d.Reason)
	}
	assert.Equal(t, int32(0), spy.calls.Load())

	d := e.Route(context.Background(), msg("hi, please build the login page"), RouteContext{})
	assert.Equal(t, types.ActionDelegate, d.Action)
	assert.Equal(t, int32(1), spy.calls.Load())
}

func TestRoute_SessionPin(t *testing.T) {
	spy := &spyClassifier{decision: delegateTo(types.RoleAnalyst)}
	sessions := fixedSessions{
		"proj-1": {ProjectID: "proj-1", Role: types.RoleDeveloper, Phase: "implementation", WorkerID: "developer-1"},
		"proj-2": {ProjectID: "proj-2", Role: types.RoleDeveloper},
	}
	e := NewEngine(Options{Classifier: spy, Sessions: sessions})

	d := e.Route(context.Background(), msg("make the button blue"), RouteContext{})
	assert.Equal(t, types.ActionDelegate, d.Action)
	assert.Equal(t, types.RoleDeveloper, d.TargetRole)
	assert.Equal(t, ReasonSessionPinned, d.Reason)
	assert.Equal(t, int32(0), spy.calls.Load())

	// ownership without a phase does not pin
	other := msg("make the button blue")
	other.ProjectID = "proj-2"
	d = e.Route(context.Background(), other, RouteContext{})
	assert.Equal(t, types.RoleAnalyst, d.TargetRole)
	assert.Equal(t, int32(1), spy.calls.Load())
}

// Scenario: DELEGATE to developer with zero free WIP slots becomes RESPOND.
func TestRoute_WIPBlocked(t *testing.T) {
	tests := []struct {
		name      string
		available int
		blocked   bool
	}{
		{"zero slots", 0, true},
		{"negative slots", -2, true},
		{"one slot", 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spy := &spyClassifier{decision: types.RoutingDecision{
				Action: types.ActionDelegate, TargetRole: types.RoleDeveloper, Confidence: 1.0, Reason: "sure",
			}}
			e := NewEngine(Options{Classifier: spy, WIP: StaticWIP{types.RoleDeveloper: tt.available}})

			d := e.Route(context.Background(), msg("build the checkout flow"), RouteContext{})
			if tt.blocked {
				assert.Equal(t, types.ActionRespond, d.Action)
				assert.True(t, d.WIPBlocked)
				assert.Equal(t, ReasonWIPBlocked, d.Reason)
				assert.NotEmpty(t, d.Message)
			} else {
				assert.Equal(t, types.ActionDelegate, d.Action)
				assert.False(t, d.WIPBlocked)
			}
		})
	}
}

func TestRoute_WIPAppliesToPinnedSessions(t *testing.T) {
	e := NewEngine(Options{
		Classifier: &spyClassifier{},
		Sessions:   fixedSessions{"proj-1": {Role: types.RoleDeveloper, Phase: "implementation"}},
		WIP:        StaticWIP{types.RoleDeveloper: 0},
	})
	d := e.Route(context.Background(), msg("continue please"), RouteContext{})
	assert.Equal(t, types.ActionRespond, d.Action)
	assert.True(t, d.WIPBlocked)
}

func TestRoute_ClassifierFailuresDegrade(t *testing.T) {
	tests := []struct {
		name string
		spy  *spyClassifier
	}{
		{"error", &spyClassifier{err: errors.New("model timeout")}},
		{"panic", &spyClassifier{panicMsg: "nil map"}},
		{"unknown action", &spyClassifier{decision: types.RoutingDecision{Action: "LAUNCH", Confidence: 0.9}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(Options{Classifier: tt.spy})
			var d types.RoutingDecision
			require.NotPanics(t, func() {
				d = e.Route(context.Background(), msg("do something complicated"), RouteContext{})
			})
			assert.Equal(t, types.ActionRespond, d.Action)
			assert.Equal(t, ApologyMessage, d.Message)
			assert.Equal(t, 0.0, d.Confidence)
			assert.Equal(t, ReasonClassifyFailed, d.Reason)
		})
	}
}

func TestRoute_DelegateWithoutRoleClarifies(t *testing.T) {
	e := NewEngine(Options{Classifier: &spyClassifier{decision: types.RoutingDecision{Action: types.ActionDelegate, Confidence: 2}}})
	d := e.Route(context.Background(), msg("handle this"), RouteContext{})
	assert.Equal(t, types.ActionClarify, d.Action)
	assert.Equal(t, 1.0, d.Confidence, "confidence clamped")
}

func TestRoute_DeliverableChecks(t *testing.T) {
	update := delegateTo(types.RoleAnalyst)
	update.IsUpdateRequest = true

	tests := []struct {
		name       string
		decision   types.RoutingDecision
		priorTurns int
		domain     fixedDomain
		want       types.Action
		archived   bool
	}{
		{"no prior turns archives and delegates", delegateTo(types.RoleAnalyst), 0, fixedDomain{same: false}, types.ActionDelegate, true},
		{"different domain asks to replace", delegateTo(types.RoleAnalyst), 3, fixedDomain{same: false}, types.ActionConfirmReplace, false},
		{"same domain update delegates", update, 3, fixedDomain{same: true}, types.ActionDelegate, false},
		{"same domain asks to continue", delegateTo(types.RoleAnalyst), 3, fixedDomain{same: true}, types.ActionConfirmExisting, false},
		{"checker error counts as same domain", delegateTo(types.RoleAnalyst), 3, fixedDomain{err: errors.New("boom")}, types.ActionConfirmExisting, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryDeliverables()
			old := store.Put(Deliverable{
				ProjectID: "proj-1", Role: types.RoleAnalyst,
				Title: "Recipe sharing app requirements", DependentCount: 7,
			})
			e := NewEngine(Options{
				Classifier:   &spyClassifier{decision: tt.decision},
				Deliverables: store,
				Domain:       tt.domain,
			})

			d := e.Route(context.Background(), msg("write requirements for a fitness tracker"), RouteContext{PriorUserTurns: tt.priorTurns})
			assert.Equal(t, tt.want, d.Action)
			assert.Equal(t, types.RoleAnalyst, d.TargetRole)

			if tt.want == types.ActionConfirmReplace || tt.want == types.ActionConfirmExisting {
				assert.Equal(t, "Recipe sharing app requirements", d.Metadata["old_title"])
				assert.Equal(t, 7, d.Metadata["dependent_count"])
			}

			active, err := store.Active(context.Background(), "proj-1", types.RoleAnalyst)
			require.NoError(t, err)
			if tt.archived {
				assert.Nil(t, active)
				assert.Equal(t, old.Title, d.Metadata["archived_title"])
			} else {
				require.NotNil(t, active)
			}
		})
	}
}

func TestRoute_DeliverableCheckOnlyForOwningRoles(t *testing.T) {
	store := NewMemoryDeliverables()
	store.Put(Deliverable{ProjectID: "proj-1", Role: types.RoleAnalyst, Title: "Old"})
	e := NewEngine(Options{
		Classifier:   &spyClassifier{decision: delegateTo(types.RoleDeveloper)},
		Deliverables: store,
		Domain:       fixedDomain{same: false},
	})
	d := e.Route(context.Background(), msg("build it"), RouteContext{PriorUserTurns: 2})
	assert.Equal(t, types.ActionDelegate, d.Action)
}

type decisionRecorder struct{ got []types.RoutingDecision }

func (r *decisionRecorder) RecordDecision(d types.RoutingDecision) { r.got = append(r.got, d) }

func TestRoute_RecordsEveryDecision(t *testing.T) {
	rec := &decisionRecorder{}
	e := NewEngine(Options{Classifier: &spyClassifier{panicMsg: "x"}, Recorder: rec})
	e.Route(context.Background(), msg("hi"), RouteContext{})
	e.Route(context.Background(), msg("something odd"), RouteContext{})
	require.Len(t, rec.got, 2)
	assert.Equal(t, ReasonClassifyFailed, rec.got[1].Reason)
}

// Property: every decision carries a valid action and a confidence in [0,1].
func TestRoute_DecisionWellFormed(t *testing.T) {
	e := NewEngine(Options{WIP: StaticWIP{types.RoleTester: 0}})
	inputs := []string{"", "hi", "build a parser", "write tests for the parser", "?", "update the requirements scope",
		"something entirely unrelated to any role at all in this sentence"}
	for _, in := range inputs {
		d := e.Route(context.Background(), msg(in), RouteContext{PriorUserTurns: 1})
		assert.True(t, d.Action.Valid(), in)
		assert.GreaterOrEqual(t, d.Confidence, 0.0, in)
		assert.LessOrEqual(t, d.Confidence, 1.0, in)
		if d.Action == types.ActionDelegate {
			assert.NotEqual(t, types.RoleTester, d.TargetRole, "never delegate into a blocked role")
		}
	}
}
