package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// ErrMalformedReply is returned when the model's answer cannot be parsed.
var ErrMalformedReply = errors.New("malformed classifier reply")

// Completer sends one system + user prompt to a model and returns its text.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// AnthropicConfig selects the model endpoint.
type AnthropicConfig struct {
	Model     string
	APIKey    string // falls back to ANTHROPIC_API_KEY
	MaxTokens int64
	// UseBedrock routes through AWS Bedrock with the default credential chain.
	UseBedrock bool
	AWSRegion  string
	AWSProfile string
}

// AnthropicCompleter is a Completer backed by the Anthropic Messages API.
type AnthropicCompleter struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

func NewAnthropicCompleter(ctx context.Context, cfg AnthropicConfig) (*AnthropicCompleter, error) {
	var opts []option.RequestOption
	if cfg.UseBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("anthropic classifier: ANTHROPIC_API_KEY is not set")
		}
		opts = append(opts, option.WithAPIKey(key))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseBedrock && !strings.HasPrefix(string(model), "us.") {
		model = anthropic.Model(fmt.Sprintf("us.anthropic.%s-v1:0", model))
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	return &AnthropicCompleter{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

func (c *AnthropicCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}
	var out strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(text.Text)
		}
	}
	return out.String(), nil
}

// LLMClassifier asks a model for a JSON routing decision. It also serves as a
// DomainChecker.
type LLMClassifier struct {
	completer Completer
	roles     []types.Role
}

func NewLLMClassifier(c Completer, roles []types.Role) *LLMClassifier {
	if len(roles) == 0 {
		roles = []types.Role{types.RoleAnalyst, types.RoleArchitect, types.RoleDeveloper, types.RoleReviewer, types.RoleTester}
	}
	return &LLMClassifier{completer: c, roles: roles}
}

const classifySystem = `You route messages for a team of software agents.
Reply with a single JSON object and nothing else:
{"action": "DELEGATE|RESPOND|CLARIFY", "target_role": "<role or empty>",
 "confidence": <0..1>, "reason": "<short>", "is_update_request": <bool>,
 "message": "<reply for RESPOND or CLARIFY>"}`

type llmDecision struct {
	Action          string  `json:"action"`
	TargetRole      string  `json:"target_role"`
	Confidence      float64 `json:"confidence"`
	Reason          string  `json:"reason"`
	IsUpdateRequest bool    `json:"is_update_request"`
	Message         string  `json:"message"`
}

func (l *LLMClassifier) Classify(ctx context.Context, msg types.Message, rc RouteContext) (types.RoutingDecision, error) {
	roles := make([]string, len(l.roles))
	for i, r := range l.roles {
		roles[i] = string(r)
	}
	prompt := fmt.Sprintf("Available roles: %s\nPrior user turns: %d\nMessage:\n%s",
		strings.Join(roles, ", "), rc.PriorUserTurns, msg.Content)

	reply, err := l.completer.Complete(ctx, classifySystem, prompt)
	if err != nil {
		return types.RoutingDecision{}, err
	}
	var out llmDecision
	if err := decodeJSONObject(reply, &out); err != nil {
		return types.RoutingDecision{}, err
	}

	d := types.RoutingDecision{
		Action:          types.Action(strings.ToUpper(strings.TrimSpace(out.Action))),
		TargetRole:      types.Role(strings.ToLower(strings.TrimSpace(out.TargetRole))),
		Confidence:      out.Confidence,
		Reason:          "llm:" + out.Reason,
		IsUpdateRequest: out.IsUpdateRequest,
		Message:         out.Message,
	}
	if !d.Action.Valid() {
		return types.RoutingDecision{}, fmt.Errorf("%w: action %q", ErrMalformedReply, out.Action)
	}
	if d.Action == types.ActionDelegate && !l.knows(d.TargetRole) {
		return types.RoutingDecision{}, fmt.Errorf("%w: unknown role %q", ErrMalformedReply, out.TargetRole)
	}
	return d, nil
}

const domainSystem = `You compare a new request with an existing project document.
Reply with a single JSON object and nothing else: {"same_domain": <bool>}`

func (l *LLMClassifier) SameDomain(ctx context.Context, existing Deliverable, msg types.Message) (bool, error) {
	prompt := fmt.Sprintf("Existing document: %s\n%s\n\nNew request:\n%s", existing.Title, existing.Summary, msg.Content)
	reply, err := l.completer.Complete(ctx, domainSystem, prompt)
	if err != nil {
		return true, err
	}
	var out struct {
		SameDomain *bool `json:"same_domain"`
	}
	if err := decodeJSONObject(reply, &out); err != nil {
		return true, err
	}
	if out.SameDomain == nil {
		return true, fmt.Errorf("%w: missing same_domain", ErrMalformedReply)
	}
	return *out.SameDomain, nil
}

func (l *LLMClassifier) knows(role types.Role) bool {
	for _, r := range l.roles {
		if r == role {
			return true
		}
	}
	return false
}

// decodeJSONObject parses the first {...} span of reply, tolerating prose or
// code fences around it.
func decodeJSONObject(reply string, v any) error {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("%w: no JSON object", ErrMalformedReply)
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return nil
}
