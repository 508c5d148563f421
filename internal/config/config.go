// ============================================================================
// agentfleet configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML configuration with defaults, ${ENV} expansion and
// validation.
//
// Load order:
//   1. Default()            built-in values
//   2. YAML file            only the keys present override defaults
//   3. ${VAR} expansion     applied to the raw file before decoding
//   4. Validate()           every problem is reported, not only the first
//
// Durations are written as Go duration strings ("30s", "15m").
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/agentfleet/internal/workflow/build"
	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the complete orchestrator configuration.
type Config struct {
	Bus        BusConfig        `yaml:"bus"`
	Pools      PoolsConfig      `yaml:"pools"`
	Routing    RoutingConfig    `yaml:"routing"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Worker     WorkerConfig     `yaml:"worker"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
}

type BusConfig struct {
	Kind        string `yaml:"kind"` // memory | nats
	URL         string `yaml:"url"`
	Embedded    bool   `yaml:"embedded"` // start an in-process nats-server
	StoreDir    string `yaml:"store_dir"`
	Partitions  int    `yaml:"partitions"`
	MaxDeliver  int    `yaml:"max_deliver"`
	DedupWindow int    `yaml:"dedup_window"`
	Journal     string `yaml:"journal"` // memory bus event journal, empty disables
}

type PoolsConfig struct {
	UniversalMax       int            `yaml:"universal_max"`
	OverflowMaxWorkers int            `yaml:"overflow_max_workers"`
	MaxOverflowPools   int            `yaml:"max_overflow_pools"`
	Threshold          float64        `yaml:"threshold"`
	AutoscaleInterval  time.Duration  `yaml:"autoscale_interval"`
	Dedicated          map[string]int `yaml:"dedicated"` // role -> max workers
}

type RoutingConfig struct {
	WIPLimits        map[string]int      `yaml:"wip_limits"`
	QueueLimit       int                 `yaml:"queue_limit"`
	SimplePatterns   []string            `yaml:"simple_patterns,omitempty"`
	DeliverableRoles []string            `yaml:"deliverable_roles"`
	Keywords         map[string][]string `yaml:"keywords,omitempty"`
	ConfidenceFloor  float64             `yaml:"confidence_floor"`
}

type ClassifierConfig struct {
	Kind       string `yaml:"kind"` // keyword | anthropic | bedrock
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	MaxTokens  int64  `yaml:"max_tokens"`
	AWSRegion  string `yaml:"aws_region"`
	AWSProfile string `yaml:"aws_profile"`
}

type WorkflowConfig struct {
	MaxReviewIterations     int    `yaml:"max_review_iterations"`
	MaxDebugIterations      int    `yaml:"max_debug_iterations"`
	MaxImplementSteps       int    `yaml:"max_implement_steps"`
	BlockOnReviewExhaustion bool   `yaml:"block_on_review_exhaustion"`
	MaxSteps                int    `yaml:"max_steps"`
	Interrupts              string `yaml:"interrupts"` // memory | kv
}

type WorkerConfig struct {
	Concurrency   int           `yaml:"concurrency"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
	TaskTimeout   time.Duration `yaml:"task_timeout"`
	SweepEvery    time.Duration `yaml:"sweep_interval"`
	SnapshotPath  string        `yaml:"snapshot_path"`
	SnapshotEvery time.Duration `yaml:"snapshot_interval"`
}

type StorageConfig struct {
	Kind string `yaml:"kind"` // memory | file | sqlite
	Dir  string `yaml:"dir"`  // checkpoint directory for kind file
	Path string `yaml:"path"` // database file for kind sqlite
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns the built-in configuration.
func Default() *Config {
	bc := build.DefaultConfig()
	return &Config{
		Bus: BusConfig{
			Kind:        "memory",
			URL:         "nats://127.0.0.1:4222",
			StoreDir:    "data/nats",
			Partitions:  8,
			MaxDeliver:  5,
			DedupWindow: 4096,
		},
		Pools: PoolsConfig{
			UniversalMax:       50,
			OverflowMaxWorkers: 50,
			MaxOverflowPools:   4,
			Threshold:          0.8,
			AutoscaleInterval:  30 * time.Second,
			Dedicated: map[string]int{
				string(types.RoleDeveloper): 5,
			},
		},
		Routing: RoutingConfig{
			WIPLimits: map[string]int{
				string(types.RoleAnalyst):   3,
				string(types.RoleArchitect): 3,
				string(types.RoleDeveloper): 5,
				string(types.RoleReviewer):  5,
				string(types.RoleTester):    5,
			},
			QueueLimit:       100,
			DeliverableRoles: []string{string(types.RoleAnalyst)},
			ConfidenceFloor:  0.5,
		},
		Classifier: ClassifierConfig{Kind: "keyword", MaxTokens: 512},
		Workflow: WorkflowConfig{
			MaxReviewIterations: bc.MaxReviewIterations,
			MaxDebugIterations:  bc.MaxDebugIterations,
			MaxImplementSteps:   bc.MaxImplementSteps,
			MaxSteps:            1000,
			Interrupts:          "memory",
		},
		Worker: WorkerConfig{
			Concurrency:   4,
			TaskTimeout:   30 * time.Minute,
			SweepEvery:    10 * time.Second,
			SnapshotPath:  "data/tasks.snapshot.json",
			SnapshotEvery: time.Minute,
		},
		Storage: StorageConfig{Kind: "file", Dir: "data/checkpoints", Path: "data/fleet.db"},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		Server:  ServerConfig{Enabled: true, Addr: ":50051"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Bus.Kind {
	case "memory":
	case "nats":
		if c.Bus.URL == "" && !c.Bus.Embedded {
			bad("bus.url is required for kind nats without embedded")
		}
	default:
		bad("bus.kind %q (want memory or nats)", c.Bus.Kind)
	}
	if c.Bus.Partitions <= 0 {
		bad("bus.partitions must be positive")
	}

	if c.Pools.UniversalMax <= 0 {
		bad("pools.universal_max must be positive")
	}
	if c.Pools.Threshold <= 0 || c.Pools.Threshold > 1 {
		bad("pools.threshold %.2f outside (0, 1]", c.Pools.Threshold)
	}
	for role, n := range c.Pools.Dedicated {
		if !validRole(role) {
			bad("pools.dedicated: invalid role %q", role)
		}
		if n <= 0 {
			bad("pools.dedicated.%s must be positive", role)
		}
	}

	for role, n := range c.Routing.WIPLimits {
		if !validRole(role) {
			bad("routing.wip_limits: invalid role %q", role)
		}
		if n < 0 {
			bad("routing.wip_limits.%s must not be negative", role)
		}
	}
	for role := range c.Routing.Keywords {
		if !validRole(role) {
			bad("routing.keywords: invalid role %q", role)
		}
	}
	for _, role := range c.Routing.DeliverableRoles {
		if !validRole(role) {
			bad("routing.deliverable_roles: invalid role %q", role)
		}
	}

	switch c.Classifier.Kind {
	case "keyword", "anthropic", "bedrock":
	default:
		bad("classifier.kind %q (want keyword, anthropic or bedrock)", c.Classifier.Kind)
	}

	if c.Workflow.MaxReviewIterations < 0 || c.Workflow.MaxDebugIterations < 0 {
		bad("workflow iteration bounds must not be negative")
	}
	switch c.Workflow.Interrupts {
	case "memory":
	case "kv":
		if c.Bus.Kind != "nats" {
			bad("workflow.interrupts kv needs bus.kind nats")
		}
	default:
		bad("workflow.interrupts %q (want memory or kv)", c.Workflow.Interrupts)
	}

	if c.Worker.Concurrency <= 0 {
		bad("worker.concurrency must be positive")
	}
	switch c.Storage.Kind {
	case "memory":
	case "file":
		if c.Storage.Dir == "" {
			bad("storage.dir is required for kind file")
		}
	case "sqlite":
		if c.Storage.Path == "" {
			bad("storage.path is required for kind sqlite")
		}
	default:
		bad("storage.kind %q (want memory, file or sqlite)", c.Storage.Kind)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		bad("log.format %q (want text or json)", c.Log.Format)
	}
	return errors.Join(errs...)
}

// validRole accepts any single-word role name; deployments may add roles
// beyond the built-in ones.
func validRole(s string) bool {
	return s != "" && !strings.ContainsAny(s, " \t.*>")
}

// WIPLimits returns the per-role WIP limits.
func (c *Config) WIPLimits() map[types.Role]int {
	return roleMap(c.Routing.WIPLimits)
}

// DedicatedPools returns the dedicated pool sizes by role.
func (c *Config) DedicatedPools() map[types.Role]int {
	return roleMap(c.Pools.Dedicated)
}

// KeywordTable returns the configured classifier keywords, nil for the
// built-in table.
func (c *Config) KeywordTable() map[types.Role][]string {
	if len(c.Routing.Keywords) == 0 {
		return nil
	}
	out := make(map[types.Role][]string, len(c.Routing.Keywords))
	for r, kws := range c.Routing.Keywords {
		out[types.Role(r)] = kws
	}
	return out
}

// DeliverableRoles returns the roles that own long-lived deliverables.
func (c *Config) DeliverableRoles() []types.Role {
	out := make([]types.Role, 0, len(c.Routing.DeliverableRoles))
	for _, r := range c.Routing.DeliverableRoles {
		out = append(out, types.Role(r))
	}
	return out
}

// BuildConfig returns the build workflow bounds.
func (c *Config) BuildConfig() build.Config {
	return build.Config{
		MaxReviewIterations:     c.Workflow.MaxReviewIterations,
		MaxDebugIterations:      c.Workflow.MaxDebugIterations,
		MaxImplementSteps:       c.Workflow.MaxImplementSteps,
		BlockOnReviewExhaustion: c.Workflow.BlockOnReviewExhaustion,
	}
}

func roleMap(in map[string]int) map[types.Role]int {
	out := make(map[types.Role]int, len(in))
	for r, n := range in {
		out[types.Role(r)] = n
	}
	return out
}

// NewLogger builds the slog logger described by the log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", s, err)
	}
	return l, nil
}

// Marshal renders c as YAML with sorted map keys.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Summary lists the effective WIP limits, for logs.
func (c *Config) Summary() string {
	roles := make([]string, 0, len(c.Routing.WIPLimits))
	for r := range c.Routing.WIPLimits {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	parts := make([]string, 0, len(roles))
	for _, r := range roles {
		parts = append(parts, fmt.Sprintf("%s=%d", r, c.Routing.WIPLimits[r]))
	}
	return "wip[" + strings.Join(parts, " ") + "]"
}
