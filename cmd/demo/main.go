// Command demo runs an in-process fleet against a scripted build toolkit and
// plays a short conversation through it.
//
//	go run ./cmd/demo start      # fresh run, state kept in demo-data/
//	go run ./cmd/demo recover    # restart on the same state and show recovery
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/ChuLiYu/agentfleet/internal/bus"
	"github.com/ChuLiYu/agentfleet/internal/config"
	"github.com/ChuLiYu/agentfleet/internal/orchestrator"
	"github.com/ChuLiYu/agentfleet/internal/workflow/build"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

const dataDir = "demo-data"

var conversation = []types.Message{
	{ProjectID: "shop", UserID: "alice", Content: "hi there"},
	{ProjectID: "shop", UserID: "alice", Content: "analyze the requirements for a checkout flow"},
	{ProjectID: "shop", UserID: "alice", Content: "build the checkout page"},
	{ProjectID: "blog", UserID: "bob", Content: "implement comment moderation"},
	{ProjectID: "blog", UserID: "bob", Content: "review the moderation code"},
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]
	if mode != "start" && mode != "recover" {
		fmt.Printf("unknown mode %q\n", mode)
		os.Exit(1)
	}
	if mode == "start" {
		_ = os.RemoveAll(dataDir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, mode); err != nil {
		fmt.Fprintln(os.Stderr, "demo:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, mode string) error {
	cfg := config.Default()
	cfg.Bus.Journal = filepath.Join(dataDir, "events.journal")
	cfg.Storage = config.StorageConfig{Kind: "sqlite", Path: filepath.Join(dataDir, "fleet.db")}
	cfg.Worker.SnapshotPath = filepath.Join(dataDir, "tasks.snapshot.json")
	cfg.Metrics.Enabled = false
	cfg.Server.Enabled = false
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	infra, err := orchestrator.OpenInfra(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	cls, err := orchestrator.NewClassifier(ctx, cfg)
	if err != nil {
		return err
	}
	o, err := orchestrator.New(orchestrator.Options{
		Config:      cfg,
		Bus:         infra.Bus,
		Registry:    infra.Registry,
		Checkpoints: infra.Checkpoints,
		Interrupts:  infra.Interrupts,
		Classifier:  cls.Classifier,
		Journal:     infra.Journal,
		Toolkit:     &build.ScriptedToolkit{ReviewFailures: 1, TestFailures: 1},
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	if err := watch(ctx, infra.Bus); err != nil {
		return err
	}
	if err := o.Start(ctx); err != nil {
		return err
	}
	defer o.Stop()
	fmt.Printf("fleet started (mode: %s)\n\n", mode)

	if mode == "recover" {
		fmt.Println("state after recovery:")
		printStats(ctx, o)
		fmt.Println()
	} else {
		for _, msg := range conversation {
			fmt.Printf("[%s] %s: %s\n", msg.ProjectID, msg.UserID, msg.Content)
			if _, err := o.Submit(ctx, msg); err != nil {
				return err
			}
			time.Sleep(300 * time.Millisecond)
		}
	}

	select {
	case <-ctx.Done():
		fmt.Println("\ninterrupted, stopping")
	case <-time.After(2 * time.Second):
	}

	fmt.Println("\nfinal state:")
	printStats(context.Background(), o)
	return nil
}

// watch prints routing decisions and agent responses as they happen.
func watch(ctx context.Context, b bus.Bus) error {
	_, err := b.Subscribe(ctx, []string{bus.TopicDecisions}, "demo", func(ctx context.Context, ev types.Event) error {
		var d types.RoutingDecisionEvent
		if err := ev.Decode(&d); err != nil {
			return err
		}
		fmt.Printf("  -> %-8s %-10s (%.2f) %s\n", d.Action, d.RoutedTo, d.Confidence, d.RoutingReason)
		return nil
	})
	if err != nil {
		return err
	}
	_, err = b.Subscribe(ctx, []string{bus.TopicResponses}, "demo", func(ctx context.Context, ev types.Event) error {
		var r types.AgentResponseEvent
		if err := ev.Decode(&r); err != nil {
			return err
		}
		who := "fleet"
		if r.WorkerID != "" {
			who = r.WorkerID
		}
		fmt.Printf("  <- [%s] %s: %s\n", r.ProjectID, who, r.Content)
		return nil
	})
	return err
}

func printStats(ctx context.Context, o *orchestrator.Orchestrator) {
	stats, err := o.Stats(ctx)
	if err != nil {
		fmt.Println("  stats unavailable:", err)
		return
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-18s %v\n", k, stats[k])
	}
}
