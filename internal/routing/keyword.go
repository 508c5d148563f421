package routing

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ChuLiYu/agentfleet/pkg/types"
)

// DefaultRoleKeywords maps each built-in role to the phrases that select it.
var DefaultRoleKeywords = map[types.Role][]string{
	types.RoleAnalyst:   {"requirement", "requirements", "user story", "user stories", "scope", "prd", "analyze", "analysis"},
	types.RoleArchitect: {"architecture", "system design", "schema", "diagram", "design"},
	types.RoleDeveloper: {"build", "implement", "code", "fix", "bug", "feature", "refactor", "develop"},
	types.RoleReviewer:  {"review", "code review", "audit"},
	types.RoleTester:    {"test", "tests", "qa", "coverage", "regression"},
}

// DefaultUpdateKeywords mark a message as a change to existing work.
var DefaultUpdateKeywords = []string{"update", "change", "modify", "revise", "edit", "tweak", "adjust", "add to"}

// KeywordConfig configures KeywordClassifier.
type KeywordConfig struct {
	Roles           map[types.Role][]string
	UpdateKeywords  []string
	ConfidenceFloor float64 // below it an unmatched message is CLARIFY (default 0.5)
}

// KeywordClassifier is the default classification policy: the role with the
// most keyword hits wins.
type KeywordClassifier struct {
	roles   []types.Role
	table   map[types.Role][]string
	updates []string
	floor   float64
}

func NewKeywordClassifier(cfg KeywordConfig) *KeywordClassifier {
	if len(cfg.Roles) == 0 {
		cfg.Roles = DefaultRoleKeywords
	}
	if cfg.UpdateKeywords == nil {
		cfg.UpdateKeywords = DefaultUpdateKeywords
	}
	if cfg.ConfidenceFloor <= 0 {
		cfg.ConfidenceFloor = 0.5
	}
	k := &KeywordClassifier{
		table:   make(map[types.Role][]string, len(cfg.Roles)),
		updates: normalizeAll(cfg.UpdateKeywords),
		floor:   cfg.ConfidenceFloor,
	}
	for role, kws := range cfg.Roles {
		k.roles = append(k.roles, role)
		k.table[role] = normalizeAll(kws)
	}
	sort.Slice(k.roles, func(i, j int) bool { return k.roles[i] < k.roles[j] })
	return k
}

func (k *KeywordClassifier) Classify(ctx context.Context, msg types.Message, rc RouteContext) (types.RoutingDecision, error) {
	text := " " + normalizeText(msg.Content) + " "
	update := countHits(text, k.updates) > 0

	var (
		best     types.Role
		bestHits int
	)
	for _, role := range k.roles {
		if hits := countHits(text, k.table[role]); hits > bestHits {
			best, bestHits = role, hits
		}
	}

	if bestHits > 0 {
		conf := 0.6 + 0.15*float64(bestHits-1)
		return types.RoutingDecision{
			Action:          types.ActionDelegate,
			TargetRole:      best,
			Confidence:      clamp(conf),
			Reason:          fmt.Sprintf("keyword:%s", best),
			IsUpdateRequest: update,
		}, nil
	}

	words := len(strings.Fields(text))
	conf := clamp(0.2 + 0.1*float64(words))
	if conf > 0.9 {
		conf = 0.9
	}
	if conf < k.floor {
		return types.RoutingDecision{
			Action:     types.ActionClarify,
			Message:    "Could you tell me a bit more about what you need?",
			Confidence: conf,
			Reason:     "no_role_match",
		}, nil
	}
	return types.RoutingDecision{
		Action:          types.ActionRespond,
		Confidence:      conf,
		Reason:          "no_role_match",
		IsUpdateRequest: update,
	}, nil
}

func countHits(text string, keywords []string) int {
	hits := 0
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, " "+kw+" ") {
			hits++
		}
	}
	return hits
}

// normalizeText lowercases and replaces punctuation with spaces.
func normalizeText(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r == '\'' {
			continue
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r > 127 {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, normalizeText(s))
	}
	return out
}
