package websearch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/tools"
	"github.com/BaSui01/agentflow/providers"
)

type fakeBackend struct {
	results []tools.WebSearchResult
	err     error
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Search(ctx context.Context, query string, opts tools.WebSearchOptions) ([]tools.WebSearchResult, error) {
	return f.results, f.err
}

type fakeSynthesizer struct {
	content string
}

func (f *fakeSynthesizer) Name() string                          { return "fake-synth" }
func (f *fakeSynthesizer) SupportsNativeFunctionCalling() bool    { return false }
func (f *fakeSynthesizer) ListModels(ctx context.Context) ([]llm.Model, error) { return nil, nil }
func (f *fakeSynthesizer) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}
func (f *fakeSynthesizer) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{
		ID:      "synth-1",
		Choices: []llm.ChatChoice{{Message: llm.Message{Role: llm.RoleAssistant, Content: f.content}}},
	}, nil
}
func (f *fakeSynthesizer) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return nil, nil
}

func TestProvider_Completion_NoSynthesizer(t *testing.T) {
	backend := &fakeBackend{results: []tools.WebSearchResult{
		{Title: "Go docs", URL: "https://go.dev", Snippet: "The Go programming language"},
	}}
	p := New(providers.WebSearchConfig{}, backend, nil, zap.NewNop())

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "what is go"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Choices)
	assert.Contains(t, resp.Choices[0].Message.Content, "Go docs")
	citations, ok := resp.Choices[0].Message.Metadata.(map[string]any)["citations"].([]string)
	require.True(t, ok)
	assert.Equal(t, []string{"https://go.dev"}, citations)
}

func TestProvider_Completion_WithSynthesizer(t *testing.T) {
	backend := &fakeBackend{results: []tools.WebSearchResult{
		{Title: "Go docs", URL: "https://go.dev", Snippet: "The Go programming language"},
	}}
	synth := &fakeSynthesizer{content: "Go is a statically typed language [1]."}
	p := New(providers.WebSearchConfig{}, backend, synth, zap.NewNop())

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "what is go"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Choices)
	assert.Equal(t, "Go is a statically typed language [1].", resp.Choices[0].Message.Content)
	assert.Equal(t, "web_grounded", resp.Model)
}

func TestProvider_Completion_NoResults(t *testing.T) {
	backend := &fakeBackend{results: nil}
	p := New(providers.WebSearchConfig{}, backend, nil, zap.NewNop())

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "an obscure query"}},
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Choices[0].Message.Content, "No web results")
}

func TestProvider_Completion_RequiresUserMessage(t *testing.T) {
	p := New(providers.WebSearchConfig{}, &fakeBackend{}, nil, zap.NewNop())
	_, err := p.Completion(context.Background(), &llm.ChatRequest{})
	require.Error(t, err)
}

func TestProvider_Stream_EmitsSingleDelta(t *testing.T) {
	backend := &fakeBackend{results: []tools.WebSearchResult{
		{Title: "Go docs", URL: "https://go.dev", Snippet: "The Go programming language"},
	}}
	p := New(providers.WebSearchConfig{}, backend, nil, zap.NewNop())

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "what is go"}},
	})
	require.NoError(t, err)

	var chunks []llm.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Delta.Content, "Go docs")
}

func TestProvider_ListModels(t *testing.T) {
	p := New(providers.WebSearchConfig{}, &fakeBackend{}, nil, zap.NewNop())
	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	assert.Len(t, models, 2)
}
