// ============================================================================
// agentfleet routing engine
// ============================================================================
//
// Package: internal/routing
// File: engine.go
// Purpose: turn an inbound message into a RoutingDecision.
//
// Decision pipeline:
//   1. simple pattern (greeting, acknowledgment) -> RESPOND, classifier skipped
//   2. session pin (project owned by role + phase) -> DELEGATE to that role
//   3. Classifier.Classify
//   4. WIP gate: DELEGATE into a role with no free slots -> RESPOND, wip_blocked
//   5. deliverable check for roles that own long-lived artifacts:
//        no prior user turns         -> archive old, DELEGATE
//        different domain            -> CONFIRM_REPLACE
//        same domain, update request -> DELEGATE
//        otherwise                   -> CONFIRM_EXISTING
//
// Route never returns an error and never panics. Classifier failures become
// RESPOND with ApologyMessage and confidence 0.
//
// ============================================================================

package routing

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ChuLiYu/agentfleet/pkg/types"
)

const (
	// ApologyMessage is returned when classification fails.
	ApologyMessage = "Sorry, I could not work out how to handle that. Could you rephrase it?"

	ReasonSimplePattern  = "simple_pattern"
	ReasonSessionPinned  = "session_pinned"
	ReasonWIPBlocked     = "wip_blocked"
	ReasonClassifyFailed = "classification_error"
	ReasonDomainChange   = "domain_change"
	ReasonExisting       = "existing_deliverable"
	ReasonAutoArchived   = "auto_archived"
)

// DefaultSimplePatterns match bare greetings and acknowledgments.
var DefaultSimplePatterns = []string{
	"hi", "hello", "hey", "yo", "good morning", "good afternoon", "good evening",
	"thanks", "thank you", "thx", "ok", "okay", "cool", "great", "got it", "bye",
}

// RouteContext is the conversation context the engine routes with.
type RouteContext struct {
	PriorUserTurns  int
	RecentDecisions []types.RoutingDecision
}

// Classifier is the pluggable classification policy.
type Classifier interface {
	Classify(ctx context.Context, msg types.Message, rc RouteContext) (types.RoutingDecision, error)
}

// SessionSource reports which role currently owns a project conversation.
type SessionSource interface {
	OwnerOf(ctx context.Context, projectID string) (*types.Ownership, error)
}

// Recorder receives every decision. metrics.Collector implements it.
type Recorder interface {
	RecordDecision(d types.RoutingDecision)
}

// Options wires the engine's collaborators. Only Classifier is required.
type Options struct {
	Classifier   Classifier
	Sessions     SessionSource
	WIP          WIPProvider
	Deliverables DeliverableStore
	Domain       DomainChecker
	// DeliverableRoles own long-lived artifacts (default: analyst).
	DeliverableRoles []types.Role
	SimplePatterns   []string
	Recorder         Recorder
	Logger           *slog.Logger
}

// Engine routes messages.
type Engine struct {
	opts   Options
	simple map[string]struct{}
	owners map[types.Role]struct{}
	log    *slog.Logger
}

func NewEngine(opts Options) *Engine {
	if opts.Classifier == nil {
		opts.Classifier = NewKeywordClassifier(KeywordConfig{})
	}
	if opts.Domain == nil {
		opts.Domain = OverlapDomainChecker{}
	}
	if opts.DeliverableRoles == nil {
		opts.DeliverableRoles = []types.Role{types.RoleAnalyst}
	}
	if opts.SimplePatterns == nil {
		opts.SimplePatterns = DefaultSimplePatterns
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		opts:   opts,
		simple: make(map[string]struct{}, len(opts.SimplePatterns)),
		owners: make(map[types.Role]struct{}, len(opts.DeliverableRoles)),
		log:    logger.With("component", "routing"),
	}
	for _, p := range opts.SimplePatterns {
		e.simple[normalize(p)] = struct{}{}
	}
	for _, r := range opts.DeliverableRoles {
		e.owners[r] = struct{}{}
	}
	return e
}

// Route decides what to do with msg.
func (e *Engine) Route(ctx context.Context, msg types.Message, rc RouteContext) (d types.RoutingDecision) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("routing panic", "message_id", msg.ID, "panic", r)
			d = degraded(fmt.Sprintf("panic: %v", r))
		}
		if e.opts.Recorder != nil {
			e.opts.Recorder.RecordDecision(d)
		}
		e.log.Debug("routed",
			"message_id", msg.ID, "project_id", msg.ProjectID,
			"action", d.Action, "target_role", d.TargetRole,
			"confidence", d.Confidence, "reason", d.Reason)
	}()

	if e.IsSimple(msg.Content) {
		return types.RoutingDecision{
			Action:     types.ActionRespond,
			Message:    "Hi! What can I help you with?",
			Confidence: 1.0,
			Reason:     ReasonSimplePattern,
		}
	}

	if owner := e.sessionPin(ctx, msg.ProjectID); owner != nil {
		return e.gate(types.RoutingDecision{
			Action:     types.ActionDelegate,
			TargetRole: owner.Role,
			Confidence: 1.0,
			Reason:     ReasonSessionPinned,
			Metadata:   map[string]any{"phase": owner.Phase},
		})
	}

	d, err := e.opts.Classifier.Classify(ctx, msg, rc)
	if err != nil {
		e.log.Warn("classifier failed", "message_id", msg.ID, "error", err)
		return degraded(err.Error())
	}
	if !d.Action.Valid() {
		e.log.Warn("classifier returned unknown action", "message_id", msg.ID, "action", d.Action)
		return degraded(fmt.Sprintf("unknown action %q", d.Action))
	}
	d.Confidence = clamp(d.Confidence)
	if d.Action == types.ActionDelegate && d.TargetRole == "" {
		return types.RoutingDecision{
			Action:     types.ActionClarify,
			Message:    "Which part of the project should I hand this to?",
			Confidence: d.Confidence,
			Reason:     "delegate_without_role",
		}
	}

	d = e.gate(d)
	if d.Action != types.ActionDelegate {
		return d
	}
	return e.checkDeliverable(ctx, msg, rc, d)
}

// IsSimple reports whether content is a bare greeting or acknowledgment.
func (e *Engine) IsSimple(content string) bool {
	_, ok := e.simple[normalize(content)]
	return ok
}

func (e *Engine) sessionPin(ctx context.Context, projectID string) *types.Ownership {
	if e.opts.Sessions == nil || projectID == "" {
		return nil
	}
	owner, err := e.opts.Sessions.OwnerOf(ctx, projectID)
	if err != nil {
		e.log.Warn("session lookup failed", "project_id", projectID, "error", err)
		return nil
	}
	if owner == nil || owner.Role == "" || owner.Phase == "" {
		return nil
	}
	return owner
}

// gate enforces the WIP ceiling on DELEGATE decisions.
func (e *Engine) gate(d types.RoutingDecision) types.RoutingDecision {
	if d.Action != types.ActionDelegate || e.opts.WIP == nil {
		return d
	}
	if remaining := e.opts.WIP.Available(d.TargetRole); remaining <= 0 {
		e.log.Info("delegation blocked by wip limit", "role", d.TargetRole, "remaining", remaining)
		return types.RoutingDecision{
			Action:          types.ActionRespond,
			TargetRole:      d.TargetRole,
			Message:         WIPBlockedMessage(d.TargetRole),
			Confidence:      d.Confidence,
			Reason:          ReasonWIPBlocked,
			WIPBlocked:      true,
			IsUpdateRequest: d.IsUpdateRequest,
			Metadata:        map[string]any{"blocked_reason": d.Reason},
		}
	}
	return d
}

func (e *Engine) checkDeliverable(ctx context.Context, msg types.Message, rc RouteContext, d types.RoutingDecision) types.RoutingDecision {
	if _, ok := e.owners[d.TargetRole]; !ok || e.opts.Deliverables == nil || msg.ProjectID == "" {
		return d
	}
	existing, err := e.opts.Deliverables.Active(ctx, msg.ProjectID, d.TargetRole)
	if err != nil {
		e.log.Warn("deliverable lookup failed", "project_id", msg.ProjectID, "error", err)
		return d
	}
	if existing == nil {
		return d
	}

	if rc.PriorUserTurns == 0 {
		if err := e.opts.Deliverables.Archive(ctx, existing.ID); err != nil {
			e.log.Warn("archive deliverable failed", "deliverable_id", existing.ID, "error", err)
		}
		d.Metadata = withMeta(d.Metadata, "archived_title", existing.Title)
		d.Reason = joinReason(d.Reason, ReasonAutoArchived)
		return d
	}

	same, err := e.opts.Domain.SameDomain(ctx, *existing, msg)
	if err != nil {
		e.log.Warn("domain check failed, assuming same domain", "project_id", msg.ProjectID, "error", err)
		same = true
	}
	meta := map[string]any{
		"old_title":       existing.Title,
		"dependent_count": existing.DependentCount,
		"deliverable_id":  existing.ID,
	}

	switch {
	case !same:
		return types.RoutingDecision{
			Action:     types.ActionConfirmReplace,
			TargetRole: d.TargetRole,
			Message: fmt.Sprintf("This looks like a different project from %q (%d dependent items). "+
				"Should I replace it?", existing.Title, existing.DependentCount),
			Confidence:      d.Confidence,
			Reason:          ReasonDomainChange,
			IsUpdateRequest: d.IsUpdateRequest,
			Metadata:        meta,
		}
	case d.IsUpdateRequest:
		return d
	default:
		return types.RoutingDecision{
			Action:     types.ActionConfirmExisting,
			TargetRole: d.TargetRole,
			Message:    fmt.Sprintf("Do you want to keep working on %q?", existing.Title),
			Confidence: d.Confidence,
			Reason:     ReasonExisting,
			Metadata:   meta,
		}
	}
}

func degraded(cause string) types.RoutingDecision {
	return types.RoutingDecision{
		Action:     types.ActionRespond,
		Message:    ApologyMessage,
		Confidence: 0,
		Reason:     ReasonClassifyFailed,
		Metadata:   map[string]any{"error": cause},
	}
}

var trailing = regexp.MustCompile(`[\s\p{P}\p{S}]+$`)

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = trailing.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

func withMeta(m map[string]any, k string, v any) map[string]any {
	if m == nil {
		m = make(map[string]any)
	}
	m[k] = v
	return m
}

func joinReason(a, b string) string {
	if a == "" {
		return b
	}
	return a + "," + b
}
