// Package types defines the domain model shared by every agentfleet component.
package types

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Identifiers
// ============================================================================

// TaskID uniquely identifies a unit of work. Workflow instances reuse it.
type TaskID string

// TaskType selects the handler a worker runs for a task.
type TaskType string

// Role is a worker specialization (developer, analyst, ...).
type Role string

// Common roles. Deployments may define more through configuration.
const (
	RoleRouter    Role = "router"
	RoleAnalyst   Role = "analyst"
	RoleArchitect Role = "architect"
	RoleDeveloper Role = "developer"
	RoleReviewer  Role = "reviewer"
	RoleTester    Role = "tester"
)

// Common task types.
const (
	TaskTypeBuild   TaskType = "build"
	TaskTypeRoute   TaskType = "route"
	TaskTypeRespond TaskType = "respond"
)

// ============================================================================
// Task
// ============================================================================

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskCreated    TaskStatus = "created"     // recorded, not yet owned by a worker
	TaskAssigned   TaskStatus = "assigned"    // bound to a worker, event published
	TaskInProgress TaskStatus = "in_progress" // worker started the workflow
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is a unit of work targeted at a role.
type Task struct {
	ID             TaskID         `json:"task_id"`
	Type           TaskType       `json:"task_type"`
	TargetRole     Role           `json:"target_role"`
	TargetWorkerID string         `json:"target_worker_id,omitempty"`
	Priority       int            `json:"priority"`
	RoutingReason  string         `json:"routing_reason,omitempty"`
	ProjectID      string         `json:"project_id"`
	Context        map[string]any `json:"context,omitempty"`
	Status         TaskStatus     `json:"status"`
	Attempt        int            `json:"attempt"`
	Deadline       *int64         `json:"deadline_ms,omitempty"` // unix millis, set while in progress
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// ============================================================================
// Worker & pool
// ============================================================================

// WorkerStatus is the worker lifecycle state.
type WorkerStatus string

const (
	WorkerIdle       WorkerStatus = "idle"
	WorkerBusy       WorkerStatus = "busy"
	WorkerTerminated WorkerStatus = "terminated"
)

// Worker is a single agent instance owned by exactly one pool.
type Worker struct {
	ID        string       `json:"worker_id"`
	Role      Role         `json:"role"`
	Pool      string       `json:"pool"`
	Status    WorkerStatus `json:"status"`
	TaskID    TaskID       `json:"task_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// PoolType distinguishes dedicated, universal and overflow pools.
type PoolType string

const (
	PoolDedicated PoolType = "dedicated"
	PoolUniversal PoolType = "universal"
	PoolOverflow  PoolType = "overflow"
)

// PoolStat is a per-pool row of PoolStats.
type PoolStat struct {
	Name            string   `json:"pool_name"`
	Role            Role     `json:"role,omitempty"`
	Type            PoolType `json:"type"`
	Current         int      `json:"current"`
	Max             int      `json:"max"`
	Load            float64  `json:"load"`
	TotalSpawned    int      `json:"total_spawned"`
	TotalTerminated int      `json:"total_terminated"`
}

// PoolStats is the read-only introspection view over all pools.
type PoolStats struct {
	TotalPools    int        `json:"total_pools"`
	TotalWorkers  int        `json:"total_workers"`
	TotalCapacity int        `json:"total_capacity"`
	OverallLoad   float64    `json:"overall_load"`
	Pools         []PoolStat `json:"pools"`
}

// Ownership records which worker and role currently own a project conversation.
type Ownership struct {
	ProjectID string    `json:"project_id"`
	WorkerID  string    `json:"worker_id"`
	Role      Role      `json:"role"`
	TaskID    TaskID    `json:"task_id"`
	Phase     string    `json:"phase,omitempty"`
	Since     time.Time `json:"since"`
}

// ============================================================================
// Routing
// ============================================================================

// Action is the routing verdict.
type Action string

const (
	ActionDelegate        Action = "DELEGATE"
	ActionRespond         Action = "RESPOND"
	ActionClarify         Action = "CLARIFY"
	ActionConfirmReplace  Action = "CONFIRM_REPLACE"
	ActionConfirmExisting Action = "CONFIRM_EXISTING"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionDelegate, ActionRespond, ActionClarify, ActionConfirmReplace, ActionConfirmExisting:
		return true
	}
	return false
}

// RoutingDecision is the output of the routing engine.
type RoutingDecision struct {
	Action          Action         `json:"action"`
	TargetRole      Role           `json:"target_role,omitempty"`
	Message         string         `json:"message,omitempty"`
	Confidence      float64        `json:"confidence"`
	Reason          string         `json:"reason"`
	WIPBlocked      bool           `json:"wip_blocked,omitempty"`
	IsUpdateRequest bool           `json:"is_update_request,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Message is an inbound user message.
type Message struct {
	ID          string   `json:"message_id"`
	Content     string   `json:"content"`
	ProjectID   string   `json:"project_id"`
	UserID      string   `json:"user_id"`
	Attachments []string `json:"attachments,omitempty"`
}

// ============================================================================
// Events
// ============================================================================

// Event is an immutable bus record. Ordering holds only among events with
// the same PartitionKey within a Topic.
type Event struct {
	ID           string          `json:"id"`
	Topic        string          `json:"topic"`
	PartitionKey string          `json:"partition_key"`
	Type         string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Event types carried on the bus.
const (
	EventMessageReceived = "message.received"
	EventRoutingDecision = "routing.decision"
	EventTaskAssigned    = "task.assigned"
	EventTaskProgress    = "task.progress"
	EventAgentResponse   = "agent.response"
)

// InboundMessageEvent wraps a user message with its routing context.
type InboundMessageEvent struct {
	Message        Message `json:"message"`
	PriorUserTurns int     `json:"prior_user_turns"`
}

// TaskAssignedEvent is published on assignment, keyed by worker id.
type TaskAssignedEvent struct {
	TaskID         TaskID         `json:"task_id"`
	TaskType       TaskType       `json:"task_type"`
	TargetRole     Role           `json:"target_role"`
	TargetWorkerID string         `json:"target_worker_id"`
	Priority       int            `json:"priority"`
	RoutingReason  string         `json:"routing_reason"`
	ProjectID      string         `json:"project_id"`
	Context        map[string]any `json:"context,omitempty"`
	PartitionKey   string         `json:"partition_key"`
}

// AgentResponseEvent carries worker output back to the conversation.
type AgentResponseEvent struct {
	TaskID         TaskID          `json:"task_id,omitempty"`
	WorkerID       string          `json:"worker_id,omitempty"`
	ProjectID      string          `json:"project_id"`
	Content        string          `json:"content"`
	StructuredData json.RawMessage `json:"structured_data,omitempty"`
	Completed      bool            `json:"completed"`
}

// RoutingDecisionEvent records a routing verdict on the bus.
type RoutingDecisionEvent struct {
	MessageID     string  `json:"message_id"`
	ProjectID     string  `json:"project_id"`
	RoutedTo      Role    `json:"routed_to,omitempty"`
	RoutingReason string  `json:"routing_reason"`
	Confidence    float64 `json:"confidence"`
	Action        Action  `json:"action"`
}

// TaskProgressEvent reports a workflow node transition.
type TaskProgressEvent struct {
	TaskID   TaskID `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Node     string `json:"node"`
	Status   string `json:"status"`
}
