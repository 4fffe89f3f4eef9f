package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/llm/config"
	"github.com/BaSui01/agentflow/types"
)

func candidate(provider, modelID, tag string) config.ModelConfig {
	return config.ModelConfig{ID: modelID, Name: modelID, Tags: []string{tag}, Enabled: true}
}

func newWeightedRouterWithCandidates() *WeightedRouter {
	wr := NewWeightedRouter(zap.NewNop(), nil)
	wr.LoadCandidates(&config.LLMConfig{
		Providers: map[string]config.ProviderConfig{
			"openai": {
				Enabled: true,
				Models: []config.ModelConfig{
					candidate("openai", "gpt-4o-mini", "small"),
					candidate("openai", "gpt-4o", "medium"),
					candidate("openai", "gpt-4o-large", "large"),
				},
			},
			"anthropic": {
				Enabled: true,
				Models: []config.ModelConfig{
					candidate("anthropic", "claude-opus", "large"),
				},
			},
		},
	})
	return wr
}

func allowAll(string) bool { return true }

func TestGatewayRouter_Route_SocialChatEscalatesSmallFirst(t *testing.T) {
	wr := newWeightedRouterWithCandidates()
	g := NewGatewayRouter(wr, nil, zap.NewNop())

	outcome, err := g.Route(context.Background(), types.IntentSocialChat, 0.9, allowAll)
	require.NoError(t, err)
	require.NotEmpty(t, outcome.Chain)
	assert.Equal(t, types.PipelineDirectLLM, outcome.Pipeline)
	assert.Equal(t, "gpt-4o-mini", outcome.Chain[0].Model)
}

func TestGatewayRouter_Route_WebMultisearchUsesWebPipeline(t *testing.T) {
	wr := NewWeightedRouter(zap.NewNop(), nil)
	wr.LoadCandidates(&config.LLMConfig{
		Providers: map[string]config.ProviderConfig{
			"search-co": {Enabled: true, Models: []config.ModelConfig{candidate("search-co", "search-model", "web_search")}},
			"openai":    {Enabled: true, Models: []config.ModelConfig{candidate("openai", "gpt-4o-large", "large")}},
		},
	})
	g := NewGatewayRouter(wr, nil, zap.NewNop())

	outcome, err := g.Route(context.Background(), types.IntentQAWebMultisearch, 0.9, allowAll)
	require.NoError(t, err)
	assert.Equal(t, types.PipelineWebMultisearch, outcome.Pipeline)
	assert.Equal(t, "search-model", outcome.Chain[0].Model)
}

func TestGatewayRouter_Route_CredentialFilterExcludesProvider(t *testing.T) {
	wr := newWeightedRouterWithCandidates()
	g := NewGatewayRouter(wr, nil, zap.NewNop())

	hasCredential := func(provider string) bool { return provider != "openai" }
	outcome, err := g.Route(context.Background(), types.IntentSocialChat, 0.9, hasCredential)
	require.NoError(t, err)
	for _, elem := range outcome.Chain {
		assert.NotEqual(t, "openai", elem.Provider)
	}
}

func TestGatewayRouter_Route_FallsBackToApologyWhenNoCandidatesSurvive(t *testing.T) {
	wr := newWeightedRouterWithCandidates()
	g := NewGatewayRouter(wr, nil, zap.NewNop())

	denyAll := func(string) bool { return false }
	outcome, err := g.Route(context.Background(), types.IntentSocialChat, 0.9, denyAll)
	require.NoError(t, err)
	assert.Equal(t, types.PipelineDirectApology, outcome.Pipeline)
	require.Len(t, outcome.Chain, 1)
	assert.Equal(t, "apology", outcome.Chain[0].Provider)
}

func TestGatewayRouter_Route_LowConfidenceAmbiguousStartsSmallest(t *testing.T) {
	wr := newWeightedRouterWithCandidates()
	g := NewGatewayRouter(wr, nil, zap.NewNop())

	outcome, err := g.Route(context.Background(), types.IntentAmbiguousOther, 0.1, allowAll)
	require.NoError(t, err)
	require.NotEmpty(t, outcome.Chain)
	assert.Equal(t, "gpt-4o-mini", outcome.Chain[0].Model)
}

func TestGatewayRouter_Route_UnknownIntentFallsBackToAmbiguousLadder(t *testing.T) {
	wr := newWeightedRouterWithCandidates()
	g := NewGatewayRouter(wr, nil, zap.NewNop())

	outcome, err := g.Route(context.Background(), types.Intent("something_unlisted"), 0.9, allowAll)
	require.NoError(t, err)
	assert.NotEmpty(t, outcome.Chain)
}

func TestDefaultLadders_CoversEveryIntent(t *testing.T) {
	ladders := DefaultLadders()
	for _, intent := range []types.Intent{
		types.IntentSocialChat, types.IntentQARetrieval, types.IntentCodingHelp,
		types.IntentEditingWriting, types.IntentReasoningMath, types.IntentAmbiguousOther,
		types.IntentQAWebMultisearch,
	} {
		assert.NotEmpty(t, ladders[intent], "expected a ladder for %s", intent)
	}
}
