// ============================================================================
// agentfleet CLI
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra command tree for the fleet binary
//
// Command Structure:
//   fleet                          # Root command
//   ├── run                        # Start an orchestrator
//   │   ├── --bus memory|nats
//   │   ├── --embedded-nats
//   │   └── --nats-url
//   ├── submit <content>           # Send a user message      (control plane)
//   ├── status [task-id]           # Pool view or one task    (control plane)
//   ├── interrupt <task-id>        # Pause a workflow         (control plane)
//   ├── resume <task-id>           # Continue a paused one    (control plane)
//   ├── events                     # Print the event journal  (local file)
//   └── config                     # Print the effective config
//
// Persistent flags:
//   --config, -c   YAML config (default configs/default.yaml)
//   --addr         control plane address for the remote commands
//
// run:
//   1. Load config, apply flag overrides, validate
//   2. Open bus, storage and interrupt store
//   3. Build the classifier and metrics collector
//   4. Start the orchestrator (recovery happens here)
//   5. Serve /metrics and the gRPC control plane, watch the config file
//   6. On SIGINT/SIGTERM stop everything in reverse order
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/agentfleet/internal/config"
	"github.com/ChuLiYu/agentfleet/internal/metrics"
	"github.com/ChuLiYu/agentfleet/internal/orchestrator"
	"github.com/ChuLiYu/agentfleet/internal/server"
)

const (
	defaultConfigPath = "configs/default.yaml"
	defaultAddr       = "localhost:50051"
)

// Version is reported by --version.
var Version = "0.1.0"

type options struct {
	configFile string
	addr       string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "fleet",
		Short: "agentfleet: orchestrate a fleet of role-specialized agent workers",
		Long: `agentfleet routes user messages to pools of agent workers with:
- role-aware routing with per-role WIP limits
- elastic worker pools with overflow scaling
- checkpointed, interruptible workflows
- an event bus backed by memory or NATS JetStream`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", defaultAddr, "control plane address")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildSubmitCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildInterruptCommand(opts))
	rootCmd.AddCommand(buildResumeCommand(opts))
	rootCmd.AddCommand(buildEventsCommand(opts))
	rootCmd.AddCommand(buildConfigCommand(opts))

	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func buildRunCommand(opts *options) *cobra.Command {
	var busKind, natsURL string
	var embedded bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator",
		Long:  "Start an orchestrator with its worker runtime, metrics endpoint and control plane",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("bus") {
				cfg.Bus.Kind = busKind
			}
			if cmd.Flags().Changed("nats-url") {
				cfg.Bus.URL = natsURL
			}
			if embedded {
				cfg.Bus.Kind = "nats"
				cfg.Bus.Embedded = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := cfg.NewLogger(os.Stderr)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			watchPath := opts.configFile
			if _, err := os.Stat(watchPath); err != nil {
				watchPath = ""
			}
			return Run(ctx, cfg, watchPath, logger)
		},
	}

	cmd.Flags().StringVar(&busKind, "bus", "memory", "event bus: memory or nats")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (bus nats)")
	cmd.Flags().BoolVar(&embedded, "embedded-nats", false, "run an in-process NATS server with JetStream")

	return cmd
}

// Run starts a fleet from cfg and blocks until ctx is cancelled or one of
// the servers fails. A non-empty cfgPath is watched for WIP limit changes.
func Run(ctx context.Context, cfg *config.Config, cfgPath string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "cli")

	infra, err := orchestrator.OpenInfra(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open infrastructure: %w", err)
	}
	defer func() {
		if err := infra.Close(); err != nil {
			log.Warn("close infrastructure", "error", err)
		}
	}()

	cls, err := orchestrator.NewClassifier(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build classifier: %w", err)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(nil)
	}

	o, err := orchestrator.New(orchestrator.Options{
		Config:      cfg,
		Bus:         infra.Bus,
		Registry:    infra.Registry,
		Checkpoints: infra.Checkpoints,
		Interrupts:  infra.Interrupts,
		Classifier:  cls.Classifier,
		Domain:      cls.Domain,
		Completer:   cls.Completer,
		Metrics:     collector,
		Journal:     infra.Journal,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	if err := o.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer o.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	if collector != nil {
		log.Info("metrics server starting", "addr", cfg.Metrics.Addr)
		spawn("metrics", func() error { return collector.StartServer(ctx, cfg.Metrics.Addr) })
	}
	if cfg.Server.Enabled {
		spawn("control plane", func() error { return server.Serve(ctx, cfg.Server.Addr, o, logger) })
	}
	if cfgPath != "" {
		spawn("config watch", func() error { return config.Watch(ctx, cfgPath, logger, o.ApplyConfig) })
	}

	log.Info("fleet started", "bus", cfg.Bus.Kind, "storage", cfg.Storage.Kind, "classifier", cfg.Classifier.Kind)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case runErr = <-errCh:
		log.Error("fleet component failed", "error", runErr)
	}
	cancel()
	wg.Wait()
	return runErr
}

// loadConfig reads path, falling back to the built-in defaults when the
// default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath {
		return config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
