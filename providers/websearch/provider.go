// Package websearch implements the search-grounded Provider the
// web_multisearch pipeline dispatches to for the "web_search" and
// "web_grounded" router ladder tags (spec.md §4.2, §4.8). Unlike every
// other providers/* package it does not front an LLM chat-completion
// endpoint directly: it fronts a web search backend (Tavily by default)
// and, when a synthesis Provider is configured, asks that Provider to
// write the grounded answer from the retrieved results.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/tools"
	"github.com/BaSui01/agentflow/providers"
)

// TavilyBackend implements tools.WebSearchProvider against the Tavily
// search API (https://tavily.com), the search backend most gateway
// deployments in this codebase's domain reach for first.
type TavilyBackend struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewTavilyBackend creates a Tavily-backed tools.WebSearchProvider.
func NewTavilyBackend(apiKey, baseURL string, timeout time.Duration) *TavilyBackend {
	if baseURL == "" {
		baseURL = "https://api.tavily.com"
	}
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &TavilyBackend{apiKey: apiKey, baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

func (b *TavilyBackend) Name() string { return "tavily" }

type tavilyRequest struct {
	APIKey            string   `json:"api_key"`
	Query             string   `json:"query"`
	MaxResults        int      `json:"max_results,omitempty"`
	IncludeDomains    []string `json:"include_domains,omitempty"`
	ExcludeDomains    []string `json:"exclude_domains,omitempty"`
	SearchDepth       string   `json:"search_depth,omitempty"`
	IncludeRawContent bool     `json:"include_raw_content,omitempty"`
}

type tavilyResponse struct {
	Results []struct {
		Title      string  `json:"title"`
		URL        string  `json:"url"`
		Content    string  `json:"content"`
		RawContent string  `json:"raw_content,omitempty"`
		Score      float64 `json:"score"`
	} `json:"results"`
}

// Search implements tools.WebSearchProvider.
func (b *TavilyBackend) Search(ctx context.Context, query string, opts tools.WebSearchOptions) ([]tools.WebSearchResult, error) {
	body := tavilyRequest{
		APIKey:         b.apiKey,
		Query:          query,
		MaxResults:     opts.MaxResults,
		IncludeDomains: opts.Domains,
		ExcludeDomains: opts.ExcludeDomains,
		SearchDepth:    "basic",
	}
	payload, _ := json.Marshal(body)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(b.baseURL, "/")+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, &llm.Error{Code: llm.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: "tavily"}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, "tavily")
	}

	var tr tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, &llm.Error{Code: llm.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: "tavily"}
	}

	out := make([]tools.WebSearchResult, 0, len(tr.Results))
	for _, r := range tr.Results {
		out = append(out, tools.WebSearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
			Content: r.RawContent,
			Score:   r.Score,
		})
	}
	return out, nil
}

// Provider implements llm.Provider over a tools.WebSearchProvider
// backend. When synthesizer is non-nil, the retrieved results are handed
// to it to write a grounded, cited answer; otherwise the raw results are
// formatted directly as the response, matching the teacher's
// quick-path-without-a-model pattern used for deterministic tool output
// (llm/tools/web_search.go's webSearchResponse, adapted into an
// assistant-facing message here instead of a tool-call result).
type Provider struct {
	backend     tools.WebSearchProvider
	synthesizer llm.Provider
	cfg         providers.WebSearchConfig
	logger      *zap.Logger
}

// New creates a search-grounded Provider. synthesizer may be nil.
func New(cfg providers.WebSearchConfig, backend tools.WebSearchProvider, synthesizer llm.Provider, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxResults == 0 {
		cfg.MaxResults = 5
	}
	return &Provider{backend: backend, synthesizer: synthesizer, cfg: cfg, logger: logger}
}

func (p *Provider) Name() string { return "websearch" }

func (p *Provider) SupportsNativeFunctionCalling() bool { return false }

func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	return []llm.Model{
		{ID: "web_search", Object: "model", OwnedBy: p.Name()},
		{ID: "web_grounded", Object: "model", OwnedBy: p.Name()},
	}, nil
}

func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	_, err := p.backend.Search(ctx, "healthcheck", tools.WebSearchOptions{MaxResults: 1})
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

func lastUserText(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func (p *Provider) search(ctx context.Context, req *llm.ChatRequest) ([]tools.WebSearchResult, string, error) {
	query := lastUserText(req.Messages)
	if query == "" {
		return nil, "", &llm.Error{Code: llm.ErrInvalidRequest, Message: "web search requires a user message", Provider: p.Name()}
	}
	results, err := p.backend.Search(ctx, query, tools.WebSearchOptions{MaxResults: p.cfg.MaxResults, SafeSearch: true})
	if err != nil {
		return nil, "", err
	}
	return results, query, nil
}

func formatResults(query string, results []tools.WebSearchResult) (string, []string) {
	if len(results) == 0 {
		return fmt.Sprintf("No web results were found for %q.", query), nil
	}
	var sb strings.Builder
	citations := make([]string, 0, len(results))
	sb.WriteString("Based on current web results:\n\n")
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s — %s\n", i+1, r.Title, r.Snippet)
		citations = append(citations, r.URL)
	}
	return sb.String(), citations
}

func synthesisPrompt(query string, results []tools.WebSearchResult) []llm.Message {
	var sb strings.Builder
	sb.WriteString("Answer the user's question using only the sources below. Cite sources inline as [n].\n\n")
	for i, r := range results {
		fmt.Fprintf(&sb, "[%d] %s (%s)\n%s\n\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: sb.String()},
		{Role: llm.RoleUser, Content: query},
	}
}

// Completion implements llm.Provider.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	results, query, err := p.search(ctx, req)
	if err != nil {
		return nil, err
	}

	if p.synthesizer != nil && len(results) > 0 {
		synthReq := &llm.ChatRequest{
			TraceID:  req.TraceID,
			TenantID: req.TenantID,
			UserID:   req.UserID,
			Model:    p.cfg.SynthesisModel,
			Messages: synthesisPrompt(query, results),
			Timeout:  req.Timeout,
		}
		synthResp, err := p.synthesizer.Completion(ctx, synthReq)
		if err != nil {
			p.logger.Warn("web search synthesis failed, falling back to raw results", zap.Error(err))
		} else if len(synthResp.Choices) > 0 {
			citations := make([]string, 0, len(results))
			for _, r := range results {
				citations = append(citations, r.URL)
			}
			msg := synthResp.Choices[0].Message
			msg.Metadata = map[string]any{"citations": citations}
			return &llm.ChatResponse{
				ID:       synthResp.ID,
				Provider: p.Name(),
				Model:    "web_grounded",
				Choices:  []llm.ChatChoice{{Index: 0, FinishReason: "stop", Message: msg}},
				Usage:    synthResp.Usage,
			}, nil
		}
	}

	text, citations := formatResults(query, results)
	return &llm.ChatResponse{
		ID:       "websearch-" + query,
		Provider: p.Name(),
		Model:    "web_search",
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: "stop",
			Message: llm.Message{
				Role:     llm.RoleAssistant,
				Content:  text,
				Metadata: map[string]any{"citations": citations},
			},
		}},
	}, nil
}

// Stream implements llm.Provider. Tavily returns a complete result set
// rather than a token stream, so unlike the token-relay loops in the
// other providers/* packages this emits the whole synthesized answer as
// a single delta chunk.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	resp, err := p.Completion(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamChunk, 2)
	go func() {
		defer close(ch)
		if len(resp.Choices) == 0 {
			return
		}
		msg := resp.Choices[0].Message
		ch <- llm.StreamChunk{
			ID:           resp.ID,
			Provider:     p.Name(),
			Model:        resp.Model,
			Delta:        msg,
			FinishReason: resp.Choices[0].FinishReason,
		}
	}()
	return ch, nil
}
