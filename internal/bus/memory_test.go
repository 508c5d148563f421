package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// collector records delivered events in order, per partition key.
type collector struct {
	mu     sync.Mutex
	byKey  map[string][]int
	total  int
	doneCh chan struct{}
	want   int
}

func newCollector(want int) *collector {
	return &collector{byKey: make(map[string][]int), doneCh: make(chan struct{}), want: want}
}

func (c *collector) handler(ctx context.Context, ev types.Event) error {
	var payload struct{ N int }
	if err := ev.Decode(&payload); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[ev.PartitionKey] = append(c.byKey[ev.PartitionKey], payload.N)
	c.total++
	if c.total == c.want {
		close(c.doneCh)
	}
	return nil
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.doneCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %d events", c.want)
	}
}

func publishN(t *testing.T, b Bus, topic, key string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, PublishPayload(context.Background(), b, topic, key, "test", map[string]int{"N": i}))
	}
}

func TestMemoryBus_PerKeyOrdering(t *testing.T) {
	b := NewMemoryBus(MemoryOptions{Partitions: 4})
	defer b.Close()

	keys := []string{"worker-a", "worker-b", "worker-c"}
	col := newCollector(len(keys) * 50)
	_, err := b.Subscribe(context.Background(), []string{TopicAssigned}, "developer", col.handler)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			publishN(t, b, TopicAssigned, key, 50)
		}(k)
	}
	wg.Wait()
	col.wait(t)

	for _, k := range keys {
		got := col.byKey[k]
		require.Len(t, got, 50)
		for i := range got {
			assert.Equal(t, i, got[i], "key %s out of order at %d", k, i)
		}
	}
}

func TestMemoryBus_GroupsEachReceiveEveryEvent(t *testing.T) {
	b := NewMemoryBus(MemoryOptions{})
	defer b.Close()

	router := newCollector(10)
	audit := newCollector(10)
	_, err := b.Subscribe(context.Background(), []string{TopicInbound}, "router", router.handler)
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), []string{TopicInbound}, "audit", audit.handler)
	require.NoError(t, err)

	publishN(t, b, TopicInbound, "project-1", 10)
	router.wait(t)
	audit.wait(t)
}

func TestMemoryBus_MembersSharePartitions(t *testing.T) {
	b := NewMemoryBus(MemoryOptions{Partitions: 8})
	defer b.Close()

	var first, second atomic.Int32
	var total atomic.Int32
	done := make(chan struct{})
	count := func(c *atomic.Int32) Handler {
		return func(ctx context.Context, ev types.Event) error {
			c.Add(1)
			if total.Add(1) == 64 {
				close(done)
			}
			return nil
		}
	}
	_, err := b.Subscribe(context.Background(), []string{TopicAssigned}, "developer", count(&first))
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), []string{TopicAssigned}, "developer", count(&second))
	require.NoError(t, err)

	for i := 0; i < 64; i++ {
		publishN(t, b, TopicAssigned, fmt.Sprintf("worker-%d", i), 1)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	assert.Equal(t, int32(64), first.Load()+second.Load(), "each event handled once per group")
}

func TestMemoryBus_RetriesUntilSuccess(t *testing.T) {
	b := NewMemoryBus(MemoryOptions{MaxDeliver: 5, RetryInterval: time.Millisecond})
	defer b.Close()

	var attempts atomic.Int32
	done := make(chan struct{})
	_, err := b.Subscribe(context.Background(), []string{TopicAssigned}, "g", func(ctx context.Context, ev types.Event) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)

	publishN(t, b, TopicAssigned, "k", 1)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never succeeded")
	}
	assert.Equal(t, int32(3), attempts.Load())
}

func TestMemoryBus_DeadLetterAfterMaxDeliver(t *testing.T) {
	dead := make(chan types.Event, 1)
	b := NewMemoryBus(MemoryOptions{
		MaxDeliver:    3,
		RetryInterval: time.Millisecond,
		OnDeadLetter: func(group string, ev types.Event, err error) {
			dead <- ev
		},
	})
	defer b.Close()

	var attempts atomic.Int32
	_, err := b.Subscribe(context.Background(), []string{TopicAssigned}, "g", func(ctx context.Context, ev types.Event) error {
		attempts.Add(1)
		panic("handler exploded")
	})
	require.NoError(t, err)

	publishN(t, b, TopicAssigned, "k", 1)
	select {
	case ev := <-dead:
		assert.Equal(t, TopicAssigned, ev.Topic)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not dead-lettered")
	}
	assert.Equal(t, int32(3), attempts.Load())
}

func TestMemoryBus_Closed(t *testing.T) {
	b := NewMemoryBus(MemoryOptions{})
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	err := PublishPayload(context.Background(), b, TopicInbound, "k", "test", nil)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = b.Subscribe(context.Background(), []string{TopicInbound}, "g", func(context.Context, types.Event) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryBus_SubscribeRequiresTopics(t *testing.T) {
	b := NewMemoryBus(MemoryOptions{})
	defer b.Close()
	_, err := b.Subscribe(context.Background(), nil, "g", func(context.Context, types.Event) error { return nil })
	assert.ErrorIs(t, err, ErrNoTopics)
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := NewMemoryBus(MemoryOptions{})
	defer b.Close()

	var calls atomic.Int32
	sub, err := b.Subscribe(context.Background(), []string{TopicInbound}, "g", func(context.Context, types.Event) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	sub.Unsubscribe()
	sub.Unsubscribe()

	publishN(t, b, TopicInbound, "k", 3)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestDedup_SkipsHandledIDs(t *testing.T) {
	var calls int
	h := Dedup(func(ctx context.Context, ev types.Event) error {
		calls++
		if ev.ID == "fail" {
			return errors.New("nope")
		}
		return nil
	}, 2)

	ctx := context.Background()
	require.NoError(t, h(ctx, types.Event{ID: "a"}))
	require.NoError(t, h(ctx, types.Event{ID: "a"}))
	assert.Equal(t, 1, calls, "duplicate skipped")

	assert.Error(t, h(ctx, types.Event{ID: "fail"}))
	assert.Error(t, h(ctx, types.Event{ID: "fail"}))
	assert.Equal(t, 3, calls, "failed events are not remembered")

	// window of 2: a is evicted after b and c
	require.NoError(t, h(ctx, types.Event{ID: "b"}))
	require.NoError(t, h(ctx, types.Event{ID: "c"}))
	require.NoError(t, h(ctx, types.Event{ID: "a"}))
	assert.Equal(t, 6, calls)
}

func TestPartitionStable(t *testing.T) {
	for _, key := range []string{"", "worker-1", "project-42"} {
		p := Partition(key, 16)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 16)
		assert.Equal(t, p, Partition(key, 16))
	}
	assert.Equal(t, 0, Partition("anything", 1))
}
