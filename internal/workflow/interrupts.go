package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
)

// Interrupts holds external pause signals keyed by instance id. The engine
// checks it before every node.
type Interrupts interface {
	Set(ctx context.Context, instanceID, reason string) error
	Get(ctx context.Context, instanceID string) (reason string, ok bool, err error)
	Clear(ctx context.Context, instanceID string) error
}

// MemoryInterrupts is an in-process Interrupts.
type MemoryInterrupts struct {
	mu      sync.RWMutex
	signals map[string]string
}

func NewMemoryInterrupts() *MemoryInterrupts {
	return &MemoryInterrupts{signals: make(map[string]string)}
}

func (m *MemoryInterrupts) Set(ctx context.Context, instanceID, reason string) error {
	m.mu.Lock()
	m.signals[instanceID] = reason
	m.mu.Unlock()
	return nil
}

func (m *MemoryInterrupts) Get(ctx context.Context, instanceID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reason, ok := m.signals[instanceID]
	return reason, ok, nil
}

func (m *MemoryInterrupts) Clear(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	delete(m.signals, instanceID)
	m.mu.Unlock()
	return nil
}

// DefaultInterruptBucket is the JetStream KV bucket used by KVInterrupts.
const DefaultInterruptBucket = "FLEET_INTERRUPTS"

// KVInterrupts keeps interrupt signals in a JetStream key-value bucket so
// any process in the fleet can pause an instance.
type KVInterrupts struct {
	kv jetstream.KeyValue
}

// NewKVInterrupts opens, creating if needed, the bucket.
func NewKVInterrupts(ctx context.Context, js jetstream.JetStream, bucket string) (*KVInterrupts, error) {
	if bucket == "" {
		bucket = DefaultInterruptBucket
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "workflow interrupt signals",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("open interrupt bucket %s: %w", bucket, err)
	}
	return &KVInterrupts{kv: kv}, nil
}

func (k *KVInterrupts) Set(ctx context.Context, instanceID, reason string) error {
	if reason == "" {
		reason = "interrupted"
	}
	if _, err := k.kv.Put(ctx, kvKey(instanceID), []byte(reason)); err != nil {
		return fmt.Errorf("set interrupt %s: %w", instanceID, err)
	}
	return nil
}

func (k *KVInterrupts) Get(ctx context.Context, instanceID string) (string, bool, error) {
	entry, err := k.kv.Get(ctx, kvKey(instanceID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get interrupt %s: %w", instanceID, err)
	}
	return string(entry.Value()), true, nil
}

func (k *KVInterrupts) Clear(ctx context.Context, instanceID string) error {
	err := k.kv.Delete(ctx, kvKey(instanceID))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("clear interrupt %s: %w", instanceID, err)
	}
	return nil
}

// kvKey maps an instance id onto the KV key alphabet.
func kvKey(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '=':
			return r
		}
		return '_'
	}, id)
}
