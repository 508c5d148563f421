package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ChuLiYu/agentfleet/internal/journal"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// MemoryOptions configures a MemoryBus. Zero values select defaults.
type MemoryOptions struct {
	Partitions    int           // partitions per topic (default 8)
	BufferSize    int           // per-partition queue depth (default 256)
	MaxDeliver    int           // delivery attempts per event (default 5)
	RetryInterval time.Duration // first redelivery delay (default 10ms)
	MaxRetryDelay time.Duration // cap on redelivery delay (default 1s)
	Journal       *journal.Journal
	Logger        *slog.Logger
	OnDeadLetter  func(group string, ev types.Event, err error)
}

// MemoryBus is an in-process Bus. Each consumer group owns a set of
// partition queues per topic, and one goroutine drains each queue so that
// per-key order is preserved. Within a group, partition p is handed to
// member p mod len(members).
type MemoryBus struct {
	mu     sync.RWMutex
	opts   MemoryOptions
	log    *slog.Logger
	topics map[string]map[string]*memGroup // topic -> group -> state
	closed bool
	wg     sync.WaitGroup
	nextID int
}

type memGroup struct {
	name       string
	topic      string
	partitions []chan types.Event
	stopCh     chan struct{}

	mu      sync.RWMutex
	members []*memMember
}

type memMember struct {
	id      int
	handler Handler
	ctx     context.Context
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(opts MemoryOptions) *MemoryBus {
	if opts.Partitions <= 0 {
		opts.Partitions = 8
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = 5
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 10 * time.Millisecond
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		opts:   opts,
		log:    logger.With("component", "bus", "impl", "memory"),
		topics: make(map[string]map[string]*memGroup),
	}
}

// Publish journals ev (when a journal is configured) and enqueues it on the
// matching partition of every group subscribed to topic. It blocks while a
// partition queue is full, until ctx is done.
func (b *MemoryBus) Publish(ctx context.Context, topic, partitionKey string, ev types.Event) error {
	ev = stamp(ev, topic, partitionKey)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	groups := make([]*memGroup, 0, len(b.topics[topic]))
	for _, g := range b.topics[topic] {
		groups = append(groups, g)
	}
	b.mu.RUnlock()

	if b.opts.Journal != nil {
		if err := b.opts.Journal.Append(ev); err != nil {
			return fmt.Errorf("%w: journal: %w", ErrPublishFailed, err)
		}
	}

	p := Partition(partitionKey, b.opts.Partitions)
	for _, g := range groups {
		select {
		case g.partitions[p] <- ev:
		case <-g.stopCh:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrPublishFailed, ctx.Err())
		}
	}
	return nil
}

// Subscribe joins group on each topic. Groups are created on first use.
func (b *MemoryBus) Subscribe(ctx context.Context, topics []string, group string, h Handler) (Subscription, error) {
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	m := &memMember{id: b.nextID, handler: h, ctx: ctx}
	sub := &memSubscription{bus: b, member: m}

	for _, topic := range topics {
		groups, ok := b.topics[topic]
		if !ok {
			groups = make(map[string]*memGroup)
			b.topics[topic] = groups
		}
		g, ok := groups[group]
		if !ok {
			g = b.startGroup(topic, group)
			groups[group] = g
		}
		g.mu.Lock()
		g.members = append(g.members, m)
		g.mu.Unlock()
		sub.groups = append(sub.groups, g)
	}

	b.log.Debug("subscribed", "group", group, "topics", topics, "member", m.id)
	return sub, nil
}

// startGroup assumes b.mu is held.
func (b *MemoryBus) startGroup(topic, name string) *memGroup {
	g := &memGroup{
		name:       name,
		topic:      topic,
		partitions: make([]chan types.Event, b.opts.Partitions),
		stopCh:     make(chan struct{}),
	}
	for i := range g.partitions {
		g.partitions[i] = make(chan types.Event, b.opts.BufferSize)
		b.wg.Add(1)
		go b.drain(g, i)
	}
	return g
}

// drain delivers one partition of one group sequentially.
func (b *MemoryBus) drain(g *memGroup, p int) {
	defer b.wg.Done()
	for {
		select {
		case <-g.stopCh:
			return
		case ev := <-g.partitions[p]:
			b.deliver(g, p, ev)
		}
	}
}

func (b *MemoryBus) deliver(g *memGroup, p int, ev types.Event) {
	g.mu.RLock()
	if len(g.members) == 0 {
		g.mu.RUnlock()
		b.log.Warn("dropping event for empty group", "group", g.name, "topic", g.topic, "event_id", ev.ID)
		return
	}
	m := g.members[p%len(g.members)]
	g.mu.RUnlock()

	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.opts.RetryInterval
	policy.MaxInterval = b.opts.MaxRetryDelay
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		select {
		case <-g.stopCh:
			return backoff.Permanent(ErrClosed)
		default:
		}
		return safeHandle(ctx, m.handler, ev)
	}
	notify := func(err error, wait time.Duration) {
		b.log.Debug("redelivering event",
			"group", g.name, "topic", g.topic, "event_id", ev.ID,
			"attempt", attempt, "wait", wait, "error", err)
	}

	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(b.opts.MaxDeliver-1)), ctx)
	if err := backoff.RetryNotify(op, retry, notify); err != nil {
		if errors.Is(err, ErrClosed) {
			return
		}
		b.log.Error("event dead-lettered",
			"group", g.name, "topic", g.topic, "event_id", ev.ID,
			"attempts", attempt, "error", err)
		if b.opts.OnDeadLetter != nil {
			b.opts.OnDeadLetter(g.name, ev, err)
		}
	}
}

// Close stops every delivery goroutine. Queued events are discarded.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, groups := range b.topics {
		for _, g := range groups {
			close(g.stopCh)
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.log.Info("memory bus closed")
	return nil
}

type memSubscription struct {
	bus    *MemoryBus
	member *memMember
	groups []*memGroup
	once   sync.Once
}

// Unsubscribe leaves every group joined by Subscribe. A group left without
// members is stopped and removed.
func (s *memSubscription) Unsubscribe() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, g := range s.groups {
			g.mu.Lock()
			for i, m := range g.members {
				if m == s.member {
					g.members = append(g.members[:i], g.members[i+1:]...)
					break
				}
			}
			empty := len(g.members) == 0
			g.mu.Unlock()

			if empty && !b.closed {
				delete(b.topics[g.topic], g.name)
				close(g.stopCh)
			}
		}
	})
}
