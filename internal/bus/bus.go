// ============================================================================
// agentfleet event bus
// ============================================================================
//
// Package: internal/bus
// File: bus.go
// Purpose: topic publish/subscribe with partition-key ordering and
// consumer-group dispatch.
//
// Delivery contract:
//   - Events sharing a partition key on one topic reach a consumer group in
//     publish order. Nothing is promised across keys.
//   - Delivery is at-least-once. Handlers must be idempotent; Dedup wraps a
//     handler with an event-id filter.
//   - A handler error triggers redelivery with exponential backoff, bounded
//     by MaxDeliver. Exhausted events are logged as dead letters.
//
// Implementations:
//   - MemoryBus: in-process, one delivery goroutine per
//     (group, topic, partition)
//   - NATSBus:   JetStream, one durable consumer per (group, topic, partition)
//
// ============================================================================

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// Topics used by the orchestrator.
const (
	TopicInbound   = "messages.inbound"
	TopicDecisions = "routing.decisions"
	TopicAssigned  = "tasks.assigned"
	TopicProgress  = "tasks.progress"
	TopicResponses = "agents.responses"
)

// AllTopics lists every topic the orchestrator bootstraps.
var AllTopics = []string{TopicInbound, TopicDecisions, TopicAssigned, TopicProgress, TopicResponses}

var (
	// ErrPublishFailed wraps the last transport error once retries are exhausted.
	ErrPublishFailed = errors.New("bus: publish failed")
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus: closed")
	// ErrNoTopics is returned by Subscribe without topics.
	ErrNoTopics = errors.New("bus: no topics to subscribe")
)

// Handler processes one delivered event. A non-nil error requests redelivery.
type Handler func(ctx context.Context, ev types.Event) error

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	Unsubscribe()
}

// Bus is the transport the orchestrator publishes and consumes through.
type Bus interface {
	Publish(ctx context.Context, topic, partitionKey string, ev types.Event) error
	Subscribe(ctx context.Context, topics []string, group string, h Handler) (Subscription, error)
	Close() error
}

// NewEvent builds an event of the given type with a JSON payload.
func NewEvent(eventType string, payload any) (types.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return types.Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return types.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// PublishPayload is NewEvent followed by Publish.
func PublishPayload(ctx context.Context, b Bus, topic, key, eventType string, payload any) error {
	ev, err := NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	return b.Publish(ctx, topic, key, ev)
}

// Partition maps a key onto one of n partitions.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// stamp fills the fields a publisher owns.
func stamp(ev types.Event, topic, key string) types.Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Topic = topic
	ev.PartitionKey = key
	return ev
}

// safeHandle converts handler panics into errors.
func safeHandle(ctx context.Context, h Handler, ev types.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}
