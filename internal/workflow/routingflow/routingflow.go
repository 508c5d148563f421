// Package routingflow is the one-decision routing graph:
//
//	llm_routing ──action==DELEGATE──> delegate
//	            └─────otherwise─────> respond
//
// Both targets are terminal. respond is also the fallback when delegation
// fails.
package routingflow

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/agentfleet/internal/routing"
	"github.com/ChuLiYu/agentfleet/internal/workflow"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

const GraphID = "routing"

const (
	NodeRouting  = "llm_routing"
	NodeDelegate = "delegate"
	NodeRespond  = "respond"
)

// State keys.
const (
	KeyMessageID      = "message_id"
	KeyContent        = "content"
	KeyProjectID      = "project_id"
	KeyUserID         = "user_id"
	KeyPriorTurns     = "prior_user_turns"
	KeyAction         = "action"
	KeyTargetRole     = "target_role"
	KeyConfidence     = "confidence"
	KeyReason         = "reason"
	KeyReply          = "reply"
	KeyWIPBlocked     = "wip_blocked"
	KeyUpdateRequest  = "is_update_request"
	KeyMetadata       = "metadata"
	KeyTaskID         = "task_id"
	KeyDispatchResult = "dispatch_outcome"
)

// Router produces routing decisions. routing.Engine implements it.
type Router interface {
	Route(ctx context.Context, msg types.Message, rc routing.RouteContext) types.RoutingDecision
}

// Actions carries out a decision.
type Actions interface {
	// Delegate hands the message to the target role and returns the task id
	// and dispatch outcome.
	Delegate(ctx context.Context, msg types.Message, d types.RoutingDecision) (taskID, outcome string, err error)
	// Respond answers the user directly with the decision's message.
	Respond(ctx context.Context, msg types.Message, d types.RoutingDecision) error
}

// NewGraph builds the routing graph.
func NewGraph(r Router, a Actions) (*workflow.Graph, error) {
	return workflow.NewGraph(GraphID).
		AddNode(NodeRouting, route(r)).
		AddNode(NodeDelegate, delegate(a)).
		AddNode(NodeRespond, respond(a)).
		SetEntry(NodeRouting).
		SetFallback(NodeRespond).
		AddRouter(NodeRouting, onAction, NodeDelegate, NodeRespond).
		Build()
}

func onAction(rc *workflow.RouteContext) string {
	if types.Action(rc.State.String(KeyAction)) == types.ActionDelegate {
		return NodeDelegate
	}
	return NodeRespond
}

// InitialState encodes an inbound message for a new instance.
func InitialState(msg types.Message, rc routing.RouteContext) workflow.State {
	return workflow.State{
		KeyMessageID:  msg.ID,
		KeyContent:    msg.Content,
		KeyProjectID:  msg.ProjectID,
		KeyUserID:     msg.UserID,
		KeyPriorTurns: rc.PriorUserTurns,
	}
}

// MessageFrom rebuilds the message stored by InitialState.
func MessageFrom(st workflow.State) types.Message {
	return types.Message{
		ID:        st.String(KeyMessageID),
		Content:   st.String(KeyContent),
		ProjectID: st.String(KeyProjectID),
		UserID:    st.String(KeyUserID),
	}
}

// DecisionFrom rebuilds the decision stored by the routing node.
func DecisionFrom(st workflow.State) types.RoutingDecision {
	d := types.RoutingDecision{
		Action:          types.Action(st.String(KeyAction)),
		TargetRole:      types.Role(st.String(KeyTargetRole)),
		Message:         st.String(KeyReply),
		Reason:          st.String(KeyReason),
		WIPBlocked:      st.Bool(KeyWIPBlocked),
		IsUpdateRequest: st.Bool(KeyUpdateRequest),
	}
	if c, ok := st[KeyConfidence].(float64); ok {
		d.Confidence = c
	}
	if m, ok := st[KeyMetadata].(map[string]any); ok {
		d.Metadata = m
	}
	return d
}

func route(r Router) workflow.NodeFunc {
	return func(ctx context.Context, st workflow.State) (workflow.State, error) {
		d := r.Route(ctx, MessageFrom(st), routing.RouteContext{PriorUserTurns: st.Int(KeyPriorTurns)})
		out := workflow.State{
			KeyAction:        string(d.Action),
			KeyTargetRole:    string(d.TargetRole),
			KeyConfidence:    d.Confidence,
			KeyReason:        d.Reason,
			KeyReply:         d.Message,
			KeyWIPBlocked:    d.WIPBlocked,
			KeyUpdateRequest: d.IsUpdateRequest,
		}
		if len(d.Metadata) > 0 {
			out[KeyMetadata] = d.Metadata
		}
		return out, nil
	}
}

func delegate(a Actions) workflow.NodeFunc {
	return func(ctx context.Context, st workflow.State) (workflow.State, error) {
		taskID, outcome, err := a.Delegate(ctx, MessageFrom(st), DecisionFrom(st))
		if err != nil {
			return nil, fmt.Errorf("delegate to %s: %w", st.String(KeyTargetRole), err)
		}
		return workflow.State{KeyTaskID: taskID, KeyDispatchResult: outcome}, nil
	}
}

func respond(a Actions) workflow.NodeFunc {
	return func(ctx context.Context, st workflow.State) (workflow.State, error) {
		d := DecisionFrom(st)
		if st.Err() != "" {
			d.Action = types.ActionRespond
			d.Message = routing.ApologyMessage
		}
		if err := a.Respond(ctx, MessageFrom(st), d); err != nil {
			return nil, fmt.Errorf("respond: %w", err)
		}
		return workflow.State{KeyReply: d.Message}, nil
	}
}
