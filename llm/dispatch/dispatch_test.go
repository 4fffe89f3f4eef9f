package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/cache"
	"github.com/BaSui01/agentflow/llm/coalescer"
	llmconfig "github.com/BaSui01/agentflow/llm/config"
	"github.com/BaSui01/agentflow/llm/intent"
	"github.com/BaSui01/agentflow/llm/memory"
	"github.com/BaSui01/agentflow/llm/pacer"
	"github.com/BaSui01/agentflow/llm/router"
	"github.com/BaSui01/agentflow/types"
)

type fakeSink struct {
	mu      sync.Mutex
	pings   int
	metas   []MetaEvent
	deltas  []string
	done    string
	errCode types.ErrorCode
	errMsg  string
}

func (s *fakeSink) Ping() error { s.mu.Lock(); defer s.mu.Unlock(); s.pings++; return nil }
func (s *fakeSink) Meta(m MetaEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metas = append(s.metas, m)
	return nil
}
func (s *fakeSink) Delta(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas = append(s.deltas, text)
	return nil
}
func (s *fakeSink) Done(reason string) error { s.mu.Lock(); defer s.mu.Unlock(); s.done = reason; return nil }
func (s *fakeSink) Error(code types.ErrorCode, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errCode, s.errMsg = code, message
	return nil
}

type fakeMemStore struct{ mu sync.Mutex }

func (f *fakeMemStore) LoadThread(ctx context.Context, threadID string) (*types.Thread, error) {
	return nil, memory.ErrThreadNotFound
}
func (f *fakeMemStore) SaveThread(ctx context.Context, thread *types.Thread) error { return nil }

type fakeProvider struct {
	name   string
	chunks []llm.StreamChunk
}

func (p *fakeProvider) Name() string                       { return p.name }
func (p *fakeProvider) SupportsNativeFunctionCalling() bool { return false }
func (p *fakeProvider) ListModels(ctx context.Context) ([]llm.Model, error) { return nil, nil }
func (p *fakeProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}
func (p *fakeProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, nil
}
func (p *fakeProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, len(p.chunks))
	for _, c := range p.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func newTestGatewayRouter(t *testing.T, providerName, modelID, tag string) *router.GatewayRouter {
	t.Helper()
	wr := router.NewWeightedRouter(zap.NewNop(), nil)
	wr.LoadCandidates(&llmconfig.LLMConfig{
		Providers: map[string]llmconfig.ProviderConfig{
			providerName: {
				Enabled: true,
				Models:  []llmconfig.ModelConfig{{ID: modelID, Name: modelID, Tags: []string{tag}, Enabled: true}},
			},
		},
	})
	ladders := map[types.Intent]router.Ladder{
		types.IntentSocialChat:       {tag},
		types.IntentQARetrieval:      {tag},
		types.IntentCodingHelp:       {tag},
		types.IntentEditingWriting:   {tag},
		types.IntentReasoningMath:    {tag},
		types.IntentAmbiguousOther:   {tag},
		types.IntentQAWebMultisearch: {tag},
	}
	return router.NewGatewayRouter(wr, ladders, zap.NewNop())
}

func newTestPipeline(t *testing.T, provider *fakeProvider, tag string) (*Pipeline, *memory.Index) {
	t.Helper()
	idx := memory.NewIndex(&fakeMemStore{}, zap.NewNop())
	respCache := cache.NewResponseCache(nil, cache.ResponseCacheConfig{EnableLocal: true, EnableRedis: false}, zap.NewNop())

	deps := Deps{
		Index:         idx,
		ResponseCache: respCache,
		Router:        newTestGatewayRouter(t, provider.name, provider.name+"-model", tag),
		Pacers:        pacer.NewRegistry(nil, zap.NewNop()),
		Coalescer:     coalescer.New(coalescer.DefaultConfig(), zap.NewNop()),
		Providers:     map[string]llm.Provider{provider.name: provider},
		HasCredential: func(orgID, provider string) bool { return true },
		Logger:        zap.NewNop(),
	}
	return New(deps), idx
}

func TestHandle_EmptyContentReturnsEarlyWithoutTouchingRouter(t *testing.T) {
	provider := &fakeProvider{name: "openai"}
	p, _ := newTestPipeline(t, provider, "small")
	sink := &fakeSink{}

	err := p.Handle(context.Background(), Request{RequestID: "r1", OrgID: "org-1", ThreadID: "t1", Content: "   "}, sink)
	require.NoError(t, err)
	assert.Equal(t, types.ErrEmptyContent, sink.errCode)
	assert.Empty(t, sink.done)
}

func TestHandle_HappyPathRelaysDeltasAndPersists(t *testing.T) {
	provider := &fakeProvider{name: "openai", chunks: []llm.StreamChunk{
		{Kind: llm.ChunkMeta},
		{Delta: llm.Message{Content: "Hello"}},
		{Delta: llm.Message{Content: " world"}},
	}}
	p, idx := newTestPipeline(t, provider, "small")
	sink := &fakeSink{}

	req := Request{RequestID: "r1", OrgID: "org-1", ThreadID: "t1", UserID: "u1", Content: "hi there"}
	err := p.Handle(context.Background(), req, sink)
	require.NoError(t, err)

	assert.Equal(t, 1, sink.pings)
	require.NotEmpty(t, sink.metas)
	assert.Equal(t, "openai", sink.metas[0].Provider)
	assert.Equal(t, []string{"Hello", " world"}, sink.deltas)
	assert.Equal(t, "ok", sink.done)

	thread, ok := idx.Snapshot("t1")
	require.True(t, ok)
	require.Len(t, thread.Turns, 2)
	assert.Equal(t, types.RoleUser, thread.Turns[0].Role)
	assert.Equal(t, types.RoleAssistant, thread.Turns[1].Role)
	assert.Equal(t, "Hello world", thread.Turns[1].Content)
}

func TestHandle_CacheHitSkipsProviderEntirely(t *testing.T) {
	provider := &fakeProvider{name: "openai", chunks: nil}
	p, _ := newTestPipeline(t, provider, "small")

	content := "what is the capital of france"

	// Prime the cache using the same classification Handle will derive.
	res := intent.Classify(content, nil)
	key := cache.ResponseCacheKey("t1", content, res.Intent)
	require.NoError(t, p.d.ResponseCache.Set(context.Background(), key, &types.CacheEntry{
		Key: key, Text: "Paris.", Intent: res.Intent, Provider: "cached-provider", Model: "cached-model", CreatedAt: time.Now(),
	}))

	sink := &fakeSink{}
	err := p.Handle(context.Background(), Request{RequestID: "r2", OrgID: "org-1", ThreadID: "t1", Content: content}, sink)
	require.NoError(t, err)

	require.Len(t, sink.metas, 1)
	assert.True(t, sink.metas[0].CacheHit)
	assert.Equal(t, "cached-provider", sink.metas[0].Provider)
	assert.Equal(t, []string{"Paris."}, sink.deltas)
	assert.Equal(t, "ok", sink.done)
}

func TestHandle_NoCredentialRoutesToApologyPipeline(t *testing.T) {
	provider := &fakeProvider{name: "openai"}
	p, _ := newTestPipeline(t, provider, "small")
	sink := &fakeSink{}

	// Deny credentials for the only configured provider so routing empties
	// to the apology pipeline.
	p.d.HasCredential = func(orgID, provider string) bool { return false }

	err := p.Handle(context.Background(), Request{RequestID: "r3", OrgID: "org-1", ThreadID: "t2", Content: "hello"}, sink)
	require.NoError(t, err)
	assert.NotEmpty(t, sink.deltas)
	assert.Contains(t, sink.deltas[0], "couldn't reach a provider")
	assert.Equal(t, "ok", sink.done)
}

func TestHandle_SafetyRefusalEndsWithoutFallback(t *testing.T) {
	provider := &fakeProvider{name: "openai", chunks: []llm.StreamChunk{
		{Err: &types.Error{Code: types.ErrSafetyRefusal, Message: "I can't help with that."}},
	}}
	p, _ := newTestPipeline(t, provider, "small")
	sink := &fakeSink{}

	err := p.Handle(context.Background(), Request{RequestID: "r4", OrgID: "org-1", ThreadID: "t3", Content: "do something unsafe"}, sink)
	require.NoError(t, err)
	assert.Equal(t, "ok", sink.done)
	require.NotEmpty(t, sink.deltas)
	assert.Equal(t, "I can't help with that.", sink.deltas[len(sink.deltas)-1])
}
