package router

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/types"
)

// ChainElement is one (provider, model) pair in a routing decision's
// fallback ladder.
type ChainElement struct {
	Provider string
	Model    string
}

// RouteOutcome is what route(intent, org_config, availability, recent_perf)
// returns per spec.md §4.2: a pipeline tag plus a non-empty ordered chain.
type RouteOutcome struct {
	Pipeline types.Pipeline
	Chain    []ChainElement
	Reason   string
}

// apologyElement is the designated synthetic response generator the
// Router falls back to when filtering empties every candidate chain. It
// is never dispatched to a real provider.
var apologyElement = ChainElement{Provider: "apology", Model: "apology"}

// Ladder is the ordered list of capability tags an intent escalates
// through, e.g. social_chat's ["small", "medium", "large"].
type Ladder []string

// DefaultLadders returns the spec's example fallback ladders (spec.md
// §4.2): social_chat escalates small→medium→large; coding starts at
// medium since small models are rarely capable enough; reasoning_math
// starts at large and falls back to medium;
// qa_retrieval:web_multisearch tries a search-tagged provider first then
// falls back to a single web-grounded provider then a large general
// model.
func DefaultLadders() map[types.Intent]Ladder {
	return map[types.Intent]Ladder{
		types.IntentSocialChat:       {"small", "medium", "large"},
		types.IntentQARetrieval:      {"medium", "large"},
		types.IntentCodingHelp:       {"medium", "large"},
		types.IntentEditingWriting:   {"medium", "large"},
		types.IntentReasoningMath:    {"large", "medium"},
		types.IntentAmbiguousOther:   {"small", "medium", "large"},
		types.IntentQAWebMultisearch: {"web_search", "web_grounded", "large"},
	}
}

// CredentialChecker reports whether the org holds an active credential
// for a provider.
type CredentialChecker func(provider string) bool

// GatewayRouter composes WeightedRouter's health/circuit/weight-aware
// candidate scoring with the spec's intent ladder and apology fallback.
type GatewayRouter struct {
	weighted *WeightedRouter
	ladders  map[types.Intent]Ladder
	logger   *zap.Logger
}

// NewGatewayRouter wraps an existing WeightedRouter (already loaded with
// candidates via LoadCandidates and fed health via HealthChecker) with
// the gateway's intent-ladder policy.
func NewGatewayRouter(weighted *WeightedRouter, ladders map[types.Intent]Ladder, logger *zap.Logger) *GatewayRouter {
	if ladders == nil {
		ladders = DefaultLadders()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GatewayRouter{weighted: weighted, ladders: ladders, logger: logger}
}

// Route implements the Router contract. confidence below 0.5 on
// ambiguous_other forces the ladder to start at its smallest-capability
// rung regardless of the configured ladder order, per spec.md §4.2.
func (g *GatewayRouter) Route(ctx context.Context, intent types.Intent, confidence float64, hasCredential CredentialChecker) (RouteOutcome, error) {
	ladder, ok := g.ladders[intent]
	if !ok {
		ladder = g.ladders[types.IntentAmbiguousOther]
	}
	if intent == types.IntentAmbiguousOther && confidence < 0.5 {
		ladder = smallestFirst(ladder)
	}

	pipeline := pipelineFor(intent)

	var chain []ChainElement
	seen := make(map[string]bool)

	for _, tag := range ladder {
		result, err := g.weighted.Select(ctx, &RouteRequest{
			TaskType: string(intent),
			Tags:     []string{tag},
		})
		if err != nil {
			continue
		}
		if hasCredential != nil && !hasCredential(result.ProviderCode) {
			continue
		}
		key := result.ProviderCode + "/" + result.ModelID
		if seen[key] {
			continue
		}
		seen[key] = true
		chain = append(chain, ChainElement{Provider: result.ProviderCode, Model: result.ModelName})
	}

	if len(chain) == 0 {
		g.logger.Warn("router chain empty after filtering, falling back to apology pipeline",
			zap.String("intent", string(intent)))
		return RouteOutcome{
			Pipeline: types.PipelineDirectApology,
			Chain:    []ChainElement{apologyElement},
			Reason:   "no_available_provider",
		}, nil
	}

	return RouteOutcome{Pipeline: pipeline, Chain: chain, Reason: fmt.Sprintf("ladder:%s", intent)}, nil
}

func pipelineFor(intent types.Intent) types.Pipeline {
	if intent == types.IntentQAWebMultisearch {
		return types.PipelineWebMultisearch
	}
	return types.PipelineDirectLLM
}

func smallestFirst(ladder Ladder) Ladder {
	for i, tag := range ladder {
		if tag == "small" {
			reordered := make(Ladder, 0, len(ladder))
			reordered = append(reordered, ladder[i:]...)
			reordered = append(reordered, ladder[:i]...)
			return reordered
		}
	}
	return ladder
}
