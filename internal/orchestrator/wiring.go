package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ChuLiYu/agentfleet/internal/bus"
	"github.com/ChuLiYu/agentfleet/internal/checkpoint"
	"github.com/ChuLiYu/agentfleet/internal/config"
	"github.com/ChuLiYu/agentfleet/internal/journal"
	"github.com/ChuLiYu/agentfleet/internal/pool"
	"github.com/ChuLiYu/agentfleet/internal/routing"
	"github.com/ChuLiYu/agentfleet/internal/store/sqlite"
	"github.com/ChuLiYu/agentfleet/internal/workflow"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// Infra holds the long-lived collaborators selected by configuration. Close
// releases them in reverse order of opening.
type Infra struct {
	Bus         bus.Bus
	JetStream   jetstream.JetStream // nil unless the bus is NATS
	Checkpoints checkpoint.Store
	Registry    pool.Registry
	Interrupts  workflow.Interrupts
	Journal     *journal.Journal // memory bus only

	closers []func() error
}

// OpenInfra builds the bus, storage and interrupt backends named by cfg.
func OpenInfra(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Infra, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	in := &Infra{}
	defer func() {
		if err != nil {
			_ = in.Close()
		}
	}()

	if err := in.openBus(cfg, logger); err != nil {
		return nil, err
	}
	if err := in.openStorage(cfg); err != nil {
		return nil, err
	}

	switch cfg.Workflow.Interrupts {
	case "kv":
		if in.JetStream == nil {
			return nil, fmt.Errorf("%w: kv interrupts need the nats bus", config.ErrInvalid)
		}
		kv, err := workflow.NewKVInterrupts(ctx, in.JetStream, workflow.DefaultInterruptBucket)
		if err != nil {
			return nil, err
		}
		in.Interrupts = kv
	default:
		in.Interrupts = workflow.NewMemoryInterrupts()
	}
	return in, nil
}

func (in *Infra) openBus(cfg *config.Config, logger *slog.Logger) error {
	bc := cfg.Bus
	switch bc.Kind {
	case "nats":
		var (
			nc   *nats.Conn
			owns bool
		)
		if bc.Embedded {
			emb, err := bus.StartEmbedded(bc.StoreDir)
			if err != nil {
				return err
			}
			in.push(func() error { emb.Shutdown(); return nil })
			nc = emb.Conn
			logger.Info("embedded nats started", "url", emb.Server.ClientURL())
		} else {
			c, err := nats.Connect(bc.URL, nats.Name("agentfleet"))
			if err != nil {
				return fmt.Errorf("connect %s: %w", bc.URL, err)
			}
			nc, owns = c, true
		}
		nb, err := bus.NewNATSBus(nc, bus.NATSOptions{
			Partitions: bc.Partitions,
			MaxDeliver: bc.MaxDeliver,
			Topics:     bus.AllTopics,
			Logger:     logger,
			OwnsConn:   owns,
		})
		if err != nil {
			if owns {
				nc.Close()
			}
			return err
		}
		in.Bus = nb
		in.JetStream = nb.JetStream()
		in.push(nb.Close)
	default:
		opts := bus.MemoryOptions{
			Partitions: bc.Partitions,
			MaxDeliver: bc.MaxDeliver,
			Logger:     logger,
			OnDeadLetter: func(group string, ev types.Event, err error) {
				logger.Error("dead letter", "group", group, "topic", ev.Topic, "event_id", ev.ID, "error", err)
			},
		}
		if bc.Journal != "" {
			if err := os.MkdirAll(filepath.Dir(bc.Journal), 0755); err != nil {
				return fmt.Errorf("create journal directory: %w", err)
			}
			j, err := journal.Open(bc.Journal, journal.Options{})
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			in.Journal = j
			in.push(j.Close)
			opts.Journal = j
		}
		mb := bus.NewMemoryBus(opts)
		in.Bus = mb
		in.push(mb.Close)
	}
	return nil
}

func (in *Infra) openStorage(cfg *config.Config) error {
	sc := cfg.Storage
	switch sc.Kind {
	case "sqlite":
		db, err := sqlite.Open(sc.Path)
		if err != nil {
			return err
		}
		in.push(db.Close)
		in.Checkpoints = sqlite.NewCheckpointStore(db)
		in.Registry = sqlite.NewRegistry(db)
	case "file":
		fs, err := checkpoint.NewFileStore(sc.Dir)
		if err != nil {
			return err
		}
		in.Checkpoints = fs
		in.Registry = pool.NewMemoryRegistry()
	default:
		in.Checkpoints = checkpoint.NewMemoryStore()
		in.Registry = pool.NewMemoryRegistry()
	}
	return nil
}

func (in *Infra) push(fn func() error) {
	in.closers = append(in.closers, fn)
}

// Close releases everything OpenInfra acquired.
func (in *Infra) Close() error {
	var errs []error
	for i := len(in.closers) - 1; i >= 0; i-- {
		if err := in.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	in.closers = nil
	return errors.Join(errs...)
}

// Classifier bundles the routing policy chosen by configuration.
type Classifier struct {
	routing.Classifier
	Domain    routing.DomainChecker // nil selects word overlap
	Completer routing.Completer     // nil when no model is configured
}

// NewClassifier builds the keyword or model-backed classifier.
func NewClassifier(ctx context.Context, cfg *config.Config) (Classifier, error) {
	cc := cfg.Classifier
	switch cc.Kind {
	case "anthropic", "bedrock":
		c, err := routing.NewAnthropicCompleter(ctx, routing.AnthropicConfig{
			Model:      cc.Model,
			APIKey:     cc.APIKey,
			MaxTokens:  cc.MaxTokens,
			UseBedrock: cc.Kind == "bedrock",
			AWSRegion:  cc.AWSRegion,
			AWSProfile: cc.AWSProfile,
		})
		if err != nil {
			return Classifier{}, err
		}
		llm := routing.NewLLMClassifier(c, knownRoles(cfg))
		return Classifier{Classifier: llm, Domain: llm, Completer: c}, nil
	default:
		return Classifier{Classifier: routing.NewKeywordClassifier(routing.KeywordConfig{
			Roles:           cfg.KeywordTable(),
			ConfidenceFloor: cfg.Routing.ConfidenceFloor,
		})}, nil
	}
}

// knownRoles lists every role named by WIP limits or dedicated pools.
func knownRoles(cfg *config.Config) []types.Role {
	seen := map[types.Role]bool{}
	var out []types.Role
	add := func(r types.Role) {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	for _, r := range sortedRoles(cfg.WIPLimits()) {
		add(r)
	}
	for _, r := range sortedRoles(cfg.DedicatedPools()) {
		add(r)
	}
	return out
}
