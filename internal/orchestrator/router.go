package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ChuLiYu/agentfleet/internal/bus"
	"github.com/ChuLiYu/agentfleet/internal/dispatcher"
	"github.com/ChuLiYu/agentfleet/internal/roles"
	"github.com/ChuLiYu/agentfleet/internal/routing"
	"github.com/ChuLiYu/agentfleet/internal/tasks"
	"github.com/ChuLiYu/agentfleet/internal/workflow"
	"github.com/ChuLiYu/agentfleet/internal/workflow/routingflow"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// RouterGroup is the consumer group of the inbound message router.
const RouterGroup = "router"

// OutcomeDuplicate is reported when a redelivered message would recreate a
// task that already exists.
const OutcomeDuplicate = "duplicate"

// OutcomeWIPBlocked is reported when the role filled up between the routing
// gate and task creation.
const OutcomeWIPBlocked = "wip_blocked"

const routePrefix = "route-"

// Submit publishes an inbound message keyed by its project. A missing id is
// generated.
func (o *Orchestrator) Submit(ctx context.Context, msg types.Message) (types.Message, error) {
	if strings.TrimSpace(msg.ProjectID) == "" {
		return msg, fmt.Errorf("%w: project id is required", ErrInvalidMessage)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	ev := types.InboundMessageEvent{Message: msg, PriorUserTurns: o.nextTurn(msg.ProjectID)}
	if err := bus.PublishPayload(ctx, o.bus, bus.TopicInbound, msg.ProjectID, types.EventMessageReceived, ev); err != nil {
		return msg, fmt.Errorf("submit %s: %w", msg.ID, err)
	}
	o.log.Debug("message submitted", "message_id", msg.ID, "project_id", msg.ProjectID)
	return msg, nil
}

// nextTurn returns the number of earlier user turns in the project.
func (o *Orchestrator) nextTurn(projectID string) int {
	o.turnsMu.Lock()
	defer o.turnsMu.Unlock()
	n := o.turns[projectID]
	o.turns[projectID] = n + 1
	return n
}

func (o *Orchestrator) onInbound(ctx context.Context, ev types.Event) error {
	var in types.InboundMessageEvent
	if err := ev.Decode(&in); err != nil {
		o.log.Error("undecodable inbound message dropped", "event_id", ev.ID, "error", err)
		return nil
	}
	_, err := o.Route(ctx, in.Message, routing.RouteContext{PriorUserTurns: in.PriorUserTurns})
	return err
}

// Route runs the routing workflow for msg and publishes the decision. The
// returned error covers storage and transport failures only; routing
// problems become a RESPOND decision.
func (o *Orchestrator) Route(ctx context.Context, msg types.Message, rc routing.RouteContext) (types.RoutingDecision, error) {
	id := routePrefix + msg.ID

	inst, err := o.workflows.Load(ctx, id)
	switch {
	case errors.Is(err, workflow.ErrInstanceNotFound):
		inst, err = o.workflows.Start(ctx, routingflow.GraphID, id, routingflow.InitialState(msg, rc))
		if err != nil {
			return types.RoutingDecision{}, err
		}
	case err != nil:
		return types.RoutingDecision{}, err
	case inst.Status.Terminal():
		// redelivered after the decision was made
		return routingflow.DecisionFrom(inst.State), o.workflows.Forget(ctx, id)
	}

	inst, err = o.workflows.Run(ctx, inst)
	if err != nil {
		return types.RoutingDecision{}, err
	}
	if inst.Status == workflow.StatusPaused {
		o.log.Info("routing paused", "message_id", msg.ID, "node", inst.CurrentNode)
		return types.RoutingDecision{}, nil
	}
	return o.finishRoute(ctx, inst)
}

func (o *Orchestrator) finishRoute(ctx context.Context, inst *workflow.Instance) (types.RoutingDecision, error) {
	msg := routingflow.MessageFrom(inst.State)
	d := routingflow.DecisionFrom(inst.State)
	ev := types.RoutingDecisionEvent{
		MessageID:     msg.ID,
		ProjectID:     msg.ProjectID,
		RoutedTo:      d.TargetRole,
		RoutingReason: d.Reason,
		Confidence:    d.Confidence,
		Action:        d.Action,
	}
	if err := bus.PublishPayload(ctx, o.bus, bus.TopicDecisions, msg.ProjectID, types.EventRoutingDecision, ev); err != nil {
		o.log.Warn("publish routing decision", "message_id", msg.ID, "error", err)
	}
	o.log.Info("message routed",
		"message_id", msg.ID, "action", d.Action, "role", d.TargetRole,
		"confidence", d.Confidence, "outcome", inst.State.String(routingflow.KeyDispatchResult))

	if err := o.workflows.Forget(ctx, inst.ID); err != nil {
		o.log.Warn("drop routing checkpoint", "instance_id", inst.ID, "error", err)
	}
	return d, nil
}

// Delegate implements routingflow.Actions.
func (o *Orchestrator) Delegate(ctx context.Context, msg types.Message, d types.RoutingDecision) (string, string, error) {
	task := types.Task{
		ID:            taskIDFor(msg),
		Type:          roles.TaskTypeFor(d.TargetRole),
		TargetRole:    d.TargetRole,
		RoutingReason: d.Reason,
		ProjectID:     msg.ProjectID,
		Context: map[string]any{
			"request":           msg.Content,
			tasks.MessageIDKey:  msg.ID,
			"user_id":           msg.UserID,
			"is_update_request": d.IsUpdateRequest,
		},
	}

	release, ok := o.wip.Reserve(d.TargetRole)
	defer release()
	if !ok {
		o.log.Info("delegation blocked by wip limit at dispatch", "task_id", task.ID, "role", d.TargetRole)
		if err := o.reply(ctx, msg, task.ID, routing.WIPBlockedMessage(d.TargetRole)); err != nil {
			return "", "", err
		}
		return string(task.ID), OutcomeWIPBlocked, nil
	}

	a, err := o.dispatcher.Assign(ctx, task)
	switch {
	case errors.Is(err, dispatcher.ErrNoWorkerAvailable):
		if err := o.reply(ctx, msg, task.ID, dispatcher.DegradedMessage); err != nil {
			return "", "", err
		}
		return string(task.ID), string(dispatcher.OutcomeRejected), nil
	case errors.Is(err, tasks.ErrAlreadyAssigned), errors.Is(err, tasks.ErrDuplicate):
		o.log.Info("task already exists", "task_id", task.ID, "error", err)
		return string(task.ID), OutcomeDuplicate, nil
	case err != nil:
		return "", "", err
	}
	return string(a.Task.ID), string(a.Outcome), nil
}

// Respond implements routingflow.Actions.
func (o *Orchestrator) Respond(ctx context.Context, msg types.Message, d types.RoutingDecision) error {
	return o.reply(ctx, msg, "", d.Message)
}

func (o *Orchestrator) reply(ctx context.Context, msg types.Message, taskID types.TaskID, content string) error {
	ev := types.AgentResponseEvent{
		TaskID:    taskID,
		ProjectID: msg.ProjectID,
		Content:   content,
		Completed: true,
	}
	return bus.PublishPayload(ctx, o.bus, bus.TopicResponses, msg.ProjectID, types.EventAgentResponse, ev)
}

func taskIDFor(msg types.Message) types.TaskID {
	return types.TaskID("task-" + msg.ID)
}

func isRouteInstance(id string) bool {
	return strings.HasPrefix(id, routePrefix)
}
