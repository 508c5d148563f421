package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestOpenInfra(t *testing.T) {
	tests := []struct {
		name  string
		setup func(cfg *config.Config, dir string)
		check func(t *testing.T, in *Infra)
	}{
		{
			name: "memory bus with journal and file checkpoints",
			setup: func(cfg *config.Config, dir string) {
				cfg.Bus.Journal = filepath.Join(dir, "journal", "events.journal")
				cfg.Storage = config.StorageConfig{Kind: "file", Dir: filepath.Join(dir, "checkpoints")}
			},
			check: func(t *testing.T, in *Infra) {
				assert.IsType(t, &bus.MemoryBus{}, in.Bus)
				require.NotNil(t, in.Journal)
				assert.IsType(t, &checkpoint.FileStore{}, in.Checkpoints)
				assert.IsType(t, &pool.MemoryRegistry{}, in.Registry)
				assert.IsType(t, &workflow.MemoryInterrupts{}, in.Interrupts)
				assert.Nil(t, in.JetStream)
			},
		},
		{
			name: "sqlite storage",
			setup: func(cfg *config.Config, dir string) {
				cfg.Storage = config.StorageConfig{Kind: "sqlite", Path: filepath.Join(dir, "fleet.db")}
			},
			check: func(t *testing.T, in *Infra) {
				assert.IsType(t, &sqlite.CheckpointStore{}, in.Checkpoints)
				assert.IsType(t, &sqlite.Registry{}, in.Registry)
				assert.Nil(t, in.Journal)
			},
		},
		{
			name: "embedded nats with kv interrupts",
			setup: func(cfg *config.Config, dir string) {
				cfg.Bus.Kind = "nats"
				cfg.Bus.Embedded = true
				cfg.Bus.StoreDir = filepath.Join(dir, "nats")
				cfg.Workflow.Interrupts = "kv"
				cfg.Storage.Kind = "memory"
			},
			check: func(t *testing.T, in *Infra) {
				assert.IsType(t, &bus.NATSBus{}, in.Bus)
				assert.NotNil(t, in.JetStream)
				assert.IsType(t, &workflow.KVInterrupts{}, in.Interrupts)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.setup(cfg, t.TempDir())
			in, err := OpenInfra(context.Background(), cfg, discardLogger())
			require.NoError(t, err)
			tt.check(t, in)
			require.NoError(t, in.Close())
		})
	}
}

func TestOpenInfra_KVInterruptsNeedNATS(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Kind = "memory"
	cfg.Workflow.Interrupts = "kv"
	_, err := OpenInfra(context.Background(), cfg, discardLogger())
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestOpenInfra_JournalRecordsPublishedEvents(t *testing.T) {
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Bus.Journal = filepath.Join(dir, "events.journal")
	cfg.Storage.Kind = "memory"
	ctx := context.Background()

	in, err := OpenInfra(ctx, cfg, discardLogger())
	require.NoError(t, err)
	require.NoError(t, bus.PublishPayload(ctx, in.Bus, bus.TopicInbound, "p1", types.EventMessageReceived,
		types.InboundMessageEvent{Message: types.Message{ID: "m1", ProjectID: "p1"}}))
	require.NoError(t, in.Close())

	n, err := journal.Count(cfg.Bus.Journal)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewClassifier(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	c, err := NewClassifier(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &routing.KeywordClassifier{}, c.Classifier)
	assert.Nil(t, c.Completer)
	assert.Nil(t, c.Domain)

	cfg.Classifier.Kind = "anthropic"
	cfg.Classifier.APIKey = "test-key"
	c, err = NewClassifier(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &routing.LLMClassifier{}, c.Classifier)
	assert.NotNil(t, c.Completer)
	assert.NotNil(t, c.Domain)

	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg.Classifier.APIKey = ""
	_, err = NewClassifier(ctx, cfg)
	assert.Error(t, err)
}

func TestKnownRoles(t *testing.T) {
	cfg := config.Default()
	cfg.Pools.Dedicated = map[string]int{"designer": 2, string(types.RoleDeveloper): 5}
	assert.Equal(t, []types.Role{
		types.RoleAnalyst, types.RoleArchitect, types.RoleDeveloper, types.RoleReviewer, types.RoleTester, "designer",
	}, knownRoles(cfg))
}
