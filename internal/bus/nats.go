package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// NATSOptions configures a NATSBus. Zero values select defaults.
type NATSOptions struct {
	StreamPrefix   string // stream name prefix (default "FLEET")
	SubjectPrefix  string // subject prefix (default "fleet")
	Partitions     int    // partitions per topic (default 8)
	MaxDeliver     int    // delivery attempts per event (default 5)
	AckWait        time.Duration
	PublishRetries int // publish attempts before ErrPublishFailed (default 5)
	RetryInterval  time.Duration
	MaxRetryDelay  time.Duration
	Storage        jetstream.StorageType
	Topics         []string // bootstrapped in the background by NewNATSBus
	Logger         *slog.Logger
	OwnsConn       bool // Close drains the connection
}

// NATSBus is a Bus backed by JetStream. Every topic maps to one stream whose
// subjects are <prefix>.<topic>.p<N>; every (group, topic, partition) maps to
// one durable pull consumer with MaxAckPending 1, so a partition is processed
// strictly in order even across redeliveries.
type NATSBus struct {
	nc   *nats.Conn
	js   jetstream.JetStream
	opts NATSOptions
	log  *slog.Logger

	mu       sync.Mutex
	ready    map[string]bool // topic -> stream known to exist
	pending  map[string]bool // topic -> async creation in flight
	consumes []jetstream.ConsumeContext
	closed   bool
	wg       sync.WaitGroup
}

// NewNATSBus wraps nc. Topic streams listed in opts.Topics are created in the
// background; the call never waits on the broker for them.
func NewNATSBus(nc *nats.Conn, opts NATSOptions) (*NATSBus, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	if opts.StreamPrefix == "" {
		opts.StreamPrefix = "FLEET"
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "fleet"
	}
	if opts.Partitions <= 0 {
		opts.Partitions = 8
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = 5
	}
	if opts.AckWait <= 0 {
		opts.AckWait = 180 * time.Second
	}
	if opts.PublishRetries <= 0 {
		opts.PublishRetries = 5
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &NATSBus{
		nc:      nc,
		js:      js,
		opts:    opts,
		log:     logger.With("component", "bus", "impl", "nats"),
		ready:   make(map[string]bool),
		pending: make(map[string]bool),
	}
	for _, topic := range opts.Topics {
		b.ensureAsync(topic)
	}
	return b, nil
}

// StreamName returns the stream backing topic.
func (b *NATSBus) StreamName(topic string) string {
	return b.opts.StreamPrefix + "_" + strings.ToUpper(sanitize(topic))
}

func (b *NATSBus) subject(topic string, partition int) string {
	return fmt.Sprintf("%s.%s.p%d", b.opts.SubjectPrefix, topic, partition)
}

// EnsureTopics creates or updates the streams for topics.
func (b *NATSBus) EnsureTopics(ctx context.Context, topics ...string) error {
	for _, topic := range topics {
		_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       b.StreamName(topic),
			Subjects:   []string{fmt.Sprintf("%s.%s.>", b.opts.SubjectPrefix, topic)},
			Storage:    b.opts.Storage,
			Duplicates: 2 * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("create stream for %s: %w", topic, err)
		}
		b.mu.Lock()
		b.ready[topic] = true
		b.mu.Unlock()
	}
	return nil
}

// ensureAsync starts a background stream creation for topic unless one is
// already running or the stream is known.
func (b *NATSBus) ensureAsync(topic string) {
	b.mu.Lock()
	if b.closed || b.ready[topic] || b.pending[topic] {
		b.mu.Unlock()
		return
	}
	b.pending[topic] = true
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.EnsureTopics(ctx, topic); err != nil {
			b.log.Warn("topic bootstrap failed", "topic", topic, "error", err)
		} else {
			b.log.Info("topic ready", "topic", topic, "stream", b.StreamName(topic))
		}
		b.mu.Lock()
		delete(b.pending, topic)
		b.mu.Unlock()
	}()
}

// Publish sends ev to the partition subject for partitionKey. Transient
// failures are retried with exponential backoff; a missing stream triggers a
// background bootstrap. The event id doubles as the JetStream dedup id.
func (b *NATSBus) Publish(ctx context.Context, topic, partitionKey string, ev types.Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	ev = stamp(ev, topic, partitionKey)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subj := b.subject(topic, Partition(partitionKey, b.opts.Partitions))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.opts.RetryInterval
	policy.MaxInterval = b.opts.MaxRetryDelay
	policy.MaxElapsedTime = 0

	op := func() error {
		_, err := b.js.Publish(ctx, subj, data, jetstream.WithMsgID(ev.ID))
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if errors.Is(err, jetstream.ErrNoStreamResponse) || errors.Is(err, nats.ErrNoResponders) {
			b.mu.Lock()
			delete(b.ready, topic)
			b.mu.Unlock()
			b.ensureAsync(topic)
		}
		return err
	}

	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(b.opts.PublishRetries-1)), ctx)
	if err := backoff.Retry(op, retry); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// Subscribe binds group to every partition of each topic. Streams are
// created synchronously here since a consumer cannot exist without one.
func (b *NATSBus) Subscribe(ctx context.Context, topics []string, group string, h Handler) (Subscription, error) {
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	sub := &natsSubscription{bus: b}
	for _, topic := range topics {
		if err := b.EnsureTopics(ctx, topic); err != nil {
			sub.Unsubscribe()
			return nil, err
		}
		stream, err := b.js.Stream(ctx, b.StreamName(topic))
		if err != nil {
			sub.Unsubscribe()
			return nil, fmt.Errorf("get stream %s: %w", b.StreamName(topic), err)
		}

		for p := 0; p < b.opts.Partitions; p++ {
			consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
				Durable:       fmt.Sprintf("%s_%s_p%d", sanitize(group), sanitize(topic), p),
				FilterSubject: b.subject(topic, p),
				AckPolicy:     jetstream.AckExplicitPolicy,
				AckWait:       b.opts.AckWait,
				MaxDeliver:    b.opts.MaxDeliver,
				MaxAckPending: 1,
			})
			if err != nil {
				sub.Unsubscribe()
				return nil, fmt.Errorf("create consumer: %w", err)
			}

			cc, err := consumer.Consume(func(msg jetstream.Msg) {
				b.handleMessage(ctx, group, h, msg)
			})
			if err != nil {
				sub.Unsubscribe()
				return nil, fmt.Errorf("consume %s: %w", b.subject(topic, p), err)
			}
			sub.consumes = append(sub.consumes, cc)
		}
	}

	b.mu.Lock()
	b.consumes = append(b.consumes, sub.consumes...)
	b.mu.Unlock()

	b.log.Info("subscribed", "group", group, "topics", topics, "partitions", b.opts.Partitions)
	return sub, nil
}

func (b *NATSBus) handleMessage(ctx context.Context, group string, h Handler, msg jetstream.Msg) {
	var ev types.Event
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		b.log.Error("discarding undecodable message", "subject", msg.Subject(), "error", err)
		if err := msg.Term(); err != nil {
			b.log.Warn("failed to TERM message", "error", err)
		}
		return
	}

	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			b.log.Warn("failed to NAK message during shutdown", "error", err)
		}
		return
	}

	err := safeHandle(ctx, h, ev)
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			b.log.Warn("failed to ACK message", "event_id", ev.ID, "error", ackErr)
		}
		return
	}

	delivered := uint64(1)
	if md, mdErr := msg.Metadata(); mdErr == nil {
		delivered = md.NumDelivered
	}
	if delivered >= uint64(b.opts.MaxDeliver) {
		b.log.Error("event dead-lettered",
			"group", group, "topic", ev.Topic, "event_id", ev.ID,
			"attempts", delivered, "error", err)
		if termErr := msg.Term(); termErr != nil {
			b.log.Warn("failed to TERM message", "error", termErr)
		}
		return
	}

	delay := b.opts.RetryInterval << (delivered - 1)
	if delay > b.opts.MaxRetryDelay || delay <= 0 {
		delay = b.opts.MaxRetryDelay
	}
	b.log.Debug("redelivering event", "group", group, "event_id", ev.ID, "attempt", delivered, "wait", delay, "error", err)
	if nakErr := msg.NakWithDelay(delay); nakErr != nil {
		b.log.Warn("failed to NAK message", "event_id", ev.ID, "error", nakErr)
	}
}

// Close stops every consumer, waits for background bootstraps and, when the
// bus owns the connection, drains it.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumes := b.consumes
	b.consumes = nil
	b.mu.Unlock()

	for _, cc := range consumes {
		cc.Stop()
	}
	b.wg.Wait()

	if b.opts.OwnsConn {
		if err := b.nc.Drain(); err != nil {
			return fmt.Errorf("drain NATS connection: %w", err)
		}
	}
	b.log.Info("nats bus closed")
	return nil
}

// JetStream exposes the JetStream context for components sharing the
// connection (e.g. the KV-backed interrupt store).
func (b *NATSBus) JetStream() jetstream.JetStream {
	return b.js
}

type natsSubscription struct {
	bus      *NATSBus
	consumes []jetstream.ConsumeContext
	once     sync.Once
}

func (s *natsSubscription) Unsubscribe() {
	s.once.Do(func() {
		for _, cc := range s.consumes {
			cc.Stop()
		}
	})
}

func sanitize(name string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(name)
}
