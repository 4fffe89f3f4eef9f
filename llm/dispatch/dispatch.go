// Package dispatch composes the Intent Classifier, Router, Provider
// Pacer, Coalescer, Response Cache and Memory components into the single
// ordered pipeline that serves one incoming chat-stream request.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/cache"
	"github.com/BaSui01/agentflow/llm/circuitbreaker"
	"github.com/BaSui01/agentflow/llm/coalescer"
	"github.com/BaSui01/agentflow/llm/embedding"
	"github.com/BaSui01/agentflow/llm/intent"
	"github.com/BaSui01/agentflow/llm/memory"
	"github.com/BaSui01/agentflow/llm/pacer"
	"github.com/BaSui01/agentflow/llm/retry"
	"github.com/BaSui01/agentflow/llm/router"
	"github.com/BaSui01/agentflow/llm/tokenizer"
	"github.com/BaSui01/agentflow/types"
)

// Sink is the outward SSE channel. Dispatch never emits raw HTTP; the
// transport adapter (api/handlers) implements Sink over an
// http.ResponseWriter flusher, keeping this package transport-agnostic
// and directly testable.
type Sink interface {
	Ping() error
	Meta(meta MetaEvent) error
	Delta(text string) error
	Done(reason string) error
	Error(code types.ErrorCode, message string) error
}

// MetaEvent is the payload of the SSE `meta` event (spec.md §6).
type MetaEvent struct {
	RequestID string         `json:"request_id"`
	Intent    types.Intent   `json:"intent"`
	Provider  string         `json:"provider"`
	Model     string         `json:"model"`
	TTFTMS    int64          `json:"ttft_ms"`
	CacheHit  bool           `json:"cache_hit"`
	Pipeline  types.Pipeline `json:"pipeline"`
}

// Request is one incoming POST /threads/{thread_id}/messages/stream body
// plus the headers/path parameters that accompany it.
type Request struct {
	RequestID string
	OrgID     string
	ThreadID  string
	UserID    string
	Content   string
	Provider  string // hint; empty means the Router decides
	Model     string // hint; empty means the Router decides
	Scope     types.Scope
	UseMemory bool
}

// promptInjectionRe matches text quoting an embedded instruction the
// system did not author (e.g. "ignore previous instructions"). Heuristic
// only, per spec.md §4.8 step 1.
var promptInjectionRe = regexp.MustCompile(`(?i)ignore (all |the )?(previous|above|prior) (instructions|rules|prompt)|disregard (your|the) (system|previous) prompt|you are now (in )?(developer|dan|jailbreak) mode`)

// registerTokenizersOnce seeds the tokenizer package's model registry with
// the tiktoken-backed OpenAI encodings; every other model falls through to
// tokenizer.GetTokenizerOrEstimator's CJK-aware estimator.
var registerTokenizersOnce sync.Once

// Deps bundles every component the Pipeline composes. Index,
// ResponseCache, Router, Pacers, Coalescer and Providers are required.
// Summarizer, FragmentRetriever, Embedder, HasCredential and Breakers may
// be nil (no LLM summarisation / no cross-thread memory / unranked
// fragments / every provider counts as credentialed / no circuit
// breaking); New fills in Retryer, ContextWindow and Logger when unset.
type Deps struct {
	Index             *memory.Index
	ResponseCache     *cache.ResponseCache
	Router            *router.GatewayRouter
	Pacers            *pacer.Registry
	Coalescer         *coalescer.Coalescer
	Providers         map[string]llm.Provider
	Breakers          map[string]circuitbreaker.CircuitBreaker
	HasCredential     func(orgID, provider string) bool
	// Retryer retries a provider's Stream call when establishing the
	// connection fails transiently (dial/DNS/5xx-on-connect); it never
	// retries mid-stream, since partial chunks may already have reached
	// the sink. Defaults to a single fast retry (see New).
	Retryer retry.Retryer
	FragmentRetriever *memory.FragmentRetriever
	// Embedder computes the query embedding handed to FragmentRetriever.Retrieve
	// for cross-thread similarity search. Nil falls back to an unranked
	// (recency-only) fragment set, same as the teacher's degraded mode.
	Embedder   embedding.Provider
	Summarizer *memory.Summarizer
	Persona    string
	ContextWindow     func(provider, model string) int
	Logger            *zap.Logger
}

// Pipeline is the Dispatch component.
type Pipeline struct {
	d Deps
}

// New creates a Pipeline from its dependencies.
func New(d Deps) *Pipeline {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	registerTokenizersOnce.Do(tokenizer.RegisterOpenAITokenizers)
	if d.ContextWindow == nil {
		d.ContextWindow = func(string, string) int { return 32000 }
	}
	if d.Retryer == nil {
		// A single fast retry, not retry.DefaultRetryPolicy's 3 attempts
		// at up to 30s apiece: this guards only the connect step of one
		// chain element, and spec.md's TTFT budget has no room for a
		// multi-second stall before falling back to the next rung.
		d.Retryer = retry.NewBackoffRetryer(&retry.RetryPolicy{
			MaxRetries:   1,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     300 * time.Millisecond,
			Multiplier:   2.0,
			Jitter:       true,
		}, d.Logger)
	}
	return &Pipeline{d: d}
}

// Handle runs the full Dispatch Pipeline for one request, writing every
// SSE event to sink. It returns only once the stream is fully terminated
// (a `done` or pre-stream `error` has been sent) or ctx is cancelled.
func (p *Pipeline) Handle(ctx context.Context, req Request, sink Sink) error {
	start := time.Now()

	// --- step 1: validate and sanitise ---
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return sink.Error(types.ErrEmptyContent, "content must not be empty")
	}
	safetyNote := ""
	if promptInjectionRe.MatchString(content) {
		safetyNote = "embedded instruction detected and ignored"
		p.d.Logger.Info("prompt injection heuristic matched",
			zap.String("request_id", req.RequestID))
	}

	if err := sink.Ping(); err != nil {
		return err
	}

	// --- step 2: bootstrap thread ---
	thread, err := p.d.Index.Bootstrap(ctx, req.OrgID, req.ThreadID)
	if err != nil {
		return sink.Error(types.ErrUnknownThread, "could not load thread")
	}

	// --- step 3: classify intent ---
	result := intent.Classify(content, thread.Turns)

	// --- step 4: response cache check ---
	cacheKey := cache.ResponseCacheKey(req.ThreadID, content, result.Intent)
	if entry, err := p.d.ResponseCache.Get(ctx, cacheKey); err == nil {
		ttft := time.Since(start).Milliseconds()
		if mErr := sink.Meta(MetaEvent{
			RequestID: req.RequestID,
			Intent:    result.Intent,
			Provider:  entry.Provider,
			Model:     entry.Model,
			TTFTMS:    ttft,
			CacheHit:  true,
			Pipeline:  types.PipelineDirectLLM,
		}); mErr != nil {
			return mErr
		}
		if dErr := sink.Delta(entry.Text); dErr != nil {
			return dErr
		}
		return sink.Done("ok")
	}

	// --- step 5: retrieve memory, build prompt ---
	messages, fragments := p.buildPrompt(ctx, req, thread, result, content)

	// --- step 6: route ---
	outcome, err := p.d.Router.Route(ctx, result.Intent, result.Confidence, func(provider string) bool {
		if p.d.HasCredential != nil && !p.d.HasCredential(req.OrgID, provider) {
			return false
		}
		if b, ok := p.d.Breakers[provider]; ok && b.State() == circuitbreaker.StateOpen {
			return false
		}
		return true
	})
	if err != nil {
		return sink.Error(types.ErrNoRoutableProvider, "no routable provider")
	}

	// --- step 7: chain walk ---
	ttftRecorded := false
	var lastProvider, lastModel string
	var assistantText strings.Builder
	var assistantUsage *types.ChatUsageSummary
	success := false

	for _, elem := range outcome.Chain {
		if outcome.Pipeline == types.PipelineDirectApology {
			if err := p.emitApology(sink, req, result, ttftRecorded, start); err != nil {
				return err
			}
			assistantText.WriteString(apologyText)
			success = true
			lastProvider, lastModel = "", ""
			break
		}

		lastProvider, lastModel = elem.Provider, elem.Model
		ok, usage, err := p.attemptChainElement(ctx, req, elem, messages, result, outcome, safetyNote, &ttftRecorded, start, sink, &assistantText)
		if err != nil {
			return err
		}
		if ok {
			success = true
			assistantUsage = usage
			break
		}
		// transient failure: continue to next chain element without
		// closing the stream (spec.md §4.8.7e).
	}

	if !success {
		if err := p.emitApology(sink, req, result, ttftRecorded, start); err != nil {
			return err
		}
		assistantText.Reset()
		assistantText.WriteString(apologyText)
		if err := sink.Done("fallback_exhausted"); err != nil {
			return err
		}
		p.persistAndFollowUp(context.Background(), req, thread, content, assistantText.String(), "", "", nil, result, nil)
		return nil
	}

	if err := sink.Done("ok"); err != nil {
		return err
	}

	// --- step 8 & 9: persist, then async post-turn work ---
	p.persistAndFollowUp(context.Background(), req, thread, content, assistantText.String(), lastProvider, lastModel, assistantUsage, result, fragments)
	return nil
}

const apologyText = "I'm sorry, I couldn't reach a provider that can answer this right now. Please try again shortly."

func (p *Pipeline) emitApology(sink Sink, req Request, result intent.Result, ttftRecorded bool, start time.Time) error {
	if !ttftRecorded {
		if err := sink.Meta(MetaEvent{
			RequestID: req.RequestID,
			Intent:    result.Intent,
			TTFTMS:    time.Since(start).Milliseconds(),
			CacheHit:  false,
			Pipeline:  types.PipelineDirectApology,
		}); err != nil {
			return err
		}
	}
	return sink.Delta(apologyText)
}

func (p *Pipeline) buildPrompt(ctx context.Context, req Request, thread *types.Thread, result intent.Result, content string) ([]types.Message, []types.MemoryFragment) {
	summary, remaining := thread.Summary, thread.Turns
	if p.d.Summarizer != nil {
		summary, remaining = p.d.Summarizer.CondenseIfNeeded(ctx, thread.Summary, thread.Turns)
		p.d.Index.WithSummary(req.ThreadID, summary, remaining)
	}

	for _, fact := range memory.ExtractProfileFacts(content) {
		p.d.Index.WithProfileFact(req.ThreadID, fact.Key, fact.Value)
	}

	var fragments []types.MemoryFragment
	if req.UseMemory && p.d.FragmentRetriever != nil {
		allowShared := req.Scope == types.ScopeShared
		var queryEmbedding []float32
		if p.d.Embedder != nil {
			if vec, err := p.d.Embedder.EmbedQuery(ctx, content); err == nil {
				queryEmbedding = make([]float32, len(vec))
				for i, f := range vec {
					queryEmbedding[i] = float32(f)
				}
			} else {
				p.d.Logger.Warn("query embedding failed, falling back to unranked fragments", zap.Error(err))
			}
		}
		if frags, err := p.d.FragmentRetriever.Retrieve(ctx, req.OrgID, req.UserID, req.ThreadID, queryEmbedding, allowShared, 5); err == nil {
			fragments = frags
		}
	}

	contextWindow := p.d.ContextWindow(req.Provider, req.Model)
	tok := tokenizer.GetTokenizerOrEstimator(req.Model)
	messages := memory.BuildPrompt(memory.BuildPromptInput{
		Persona:             p.d.Persona,
		Summary:             summary,
		ProfileFacts:        thread.ProfileFacts,
		Turns:               remaining,
		Fragments:           fragments,
		NewUserText:         content,
		ContextWindowTokens: contextWindow,
		Estimate: func(text string) int {
			n, err := tok.CountTokens(text)
			if err != nil {
				return memory.EstimateTokensByChars(text)
			}
			return n
		},
	})
	return messages, fragments
}

// attemptChainElement runs steps 7a-7f for one (provider, model) pair. It
// returns ok=true only on a fully successful relay.
func (p *Pipeline) attemptChainElement(
	ctx context.Context,
	req Request,
	elem router.ChainElement,
	messages []types.Message,
	result intent.Result,
	outcome router.RouteOutcome,
	safetyNote string,
	ttftRecorded *bool,
	start time.Time,
	sink Sink,
	assistantText *strings.Builder,
) (bool, *types.ChatUsageSummary, error) {
	provider, ok := p.d.Providers[elem.Provider]
	if !ok {
		return false, nil, nil
	}

	// 7a: acquire pacer lease
	lease, err := p.d.Pacers.Get(elem.Provider).Acquire(ctx)
	if err != nil {
		return false, nil, nil // waiter cancelled or ctx done; try next
	}

	chatReq := &llm.ChatRequest{
		TraceID:  req.RequestID,
		TenantID: req.OrgID,
		UserID:   req.UserID,
		Model:    elem.Model,
		Messages: messages,
	}

	// 7b: coalesce key
	canonical := coalescer.NormalisePrompt(plainTextOf(messages))
	coalesceKey := coalescer.BuildKey(elem.Provider, elem.Model, canonical, string(req.Scope))
	// Plain chat completions carry no side effects, so every request is
	// coalescable; a future tool-calling pipeline would set this false.
	coalescable := true

	breaker := p.d.Breakers[elem.Provider]

	// 7c: coalesce or direct stream, retrying transient connect failures
	// before the stream starts producing chunks
	chunks, _, err := p.d.Coalescer.Run(ctx, coalesceKey, coalescable, func(cctx context.Context) (<-chan llm.StreamChunk, error) {
		return retry.DoWithResultTyped(p.d.Retryer, cctx, func() (<-chan llm.StreamChunk, error) {
			return provider.Stream(cctx, chatReq)
		})
	})
	if err != nil {
		lease.Release(pacer.OutcomeOK)
		recordBreakerFailure(breaker, func() error { return err })
		return false, nil, nil
	}

	// 7d: relay chunks
	var usage *types.ChatUsageSummary
	outcomeForLease := pacer.OutcomeOK
	streamErr := error(nil)

	for chunk := range chunks {
		if chunk.Err != nil {
			streamErr = chunk.Err
			if isRateLimited(chunk.Err) {
				outcomeForLease = pacer.OutcomeRateLimited
			}
			break
		}

		switch chunk.EffectiveKind() {
		case llm.ChunkMeta:
			if !*ttftRecorded {
				*ttftRecorded = true
				if err := sink.Meta(MetaEvent{
					RequestID: req.RequestID,
					Intent:    result.Intent,
					Provider:  elem.Provider,
					Model:     elem.Model,
					TTFTMS:    time.Since(start).Milliseconds(),
					CacheHit:  false,
					Pipeline:  outcome.Pipeline,
				}); err != nil {
					return false, nil, err
				}
			}
		case llm.ChunkUsage:
			if chunk.Usage != nil {
				usage = &types.ChatUsageSummary{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
		default:
			if !*ttftRecorded {
				*ttftRecorded = true
				if err := sink.Meta(MetaEvent{
					RequestID: req.RequestID,
					Intent:    result.Intent,
					Provider:  elem.Provider,
					Model:     elem.Model,
					TTFTMS:    time.Since(start).Milliseconds(),
					CacheHit:  false,
					Pipeline:  outcome.Pipeline,
				}); err != nil {
					return false, nil, err
				}
			}
			if chunk.Delta.Content != "" {
				assistantText.WriteString(chunk.Delta.Content)
				if err := sink.Delta(chunk.Delta.Content); err != nil {
					return false, nil, err
				}
			}
		}
	}

	lease.Release(outcomeForLease)

	if streamErr != nil {
		if isSafetyRefusal(streamErr) {
			// Never falls back to another model to bypass safety — the
			// refusal message itself is the final, terminal answer.
			var typed *types.Error
			errors.As(streamErr, &typed)
			assistantText.WriteString(typed.Message)
			if err := sink.Delta(typed.Message); err != nil {
				return false, nil, err
			}
			return true, nil, nil
		}
		// Transient or permanent-for-this-attempt: both are fallback
		// triggers per spec.md §7; only safety refusal and cancellation
		// are not.
		recordBreakerFailure(breaker, func() error { return streamErr })
		return false, nil, nil
	}

	if breaker != nil {
		_ = breaker.Call(ctx, func() error { return nil })
	}

	_ = safetyNote // logged at step 1; no separate user-facing safety channel needed for delta relay
	return true, usage, nil
}

func isSafetyRefusal(err error) bool {
	var typed *types.Error
	if errors.As(err, &typed) {
		return typed.Code == types.ErrSafetyRefusal
	}
	return false
}

func recordBreakerFailure(b circuitbreaker.CircuitBreaker, fn func() error) {
	if b == nil {
		return
	}
	_ = b.Call(context.Background(), fn)
}

func isRateLimited(err error) bool {
	var typed *types.Error
	if errors.As(err, &typed) {
		return typed.Code == types.ErrRateLimit || typed.Code == types.ErrRateLimited
	}
	return false
}

func plainTextOf(messages []types.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// persistAndFollowUp implements steps 8-9. It runs synchronously up to
// the point of writing the Thread (so a later request on the same thread
// always happens-after this commit, per spec.md §4.8's ordering
// guarantee) and then fires the population of Response Cache and memory
// fragments in the background.
func (p *Pipeline) persistAndFollowUp(
	ctx context.Context,
	req Request,
	thread *types.Thread,
	userText, assistantTextStr, provider, model string,
	usage *types.ChatUsageSummary,
	result intent.Result,
	fragments []types.MemoryFragment,
) {
	now := time.Now()
	_ = p.d.Index.Append(req.ThreadID, types.Turn{Role: types.RoleUser, Content: userText, CreatedAt: now, RequestID: req.RequestID})
	_ = p.d.Index.Append(req.ThreadID, types.Turn{
		Role:      types.RoleAssistant,
		Content:   assistantTextStr,
		CreatedAt: time.Now(),
		Provider:  provider,
		Model:     model,
		Usage:     usage,
		RequestID: req.RequestID,
	})
	thread.LastIntent = result.Intent

	if err := p.d.Index.Persist(ctx, req.ThreadID); err != nil {
		p.d.Logger.Warn("thread persist failed", zap.String("thread_id", req.ThreadID), zap.Error(err))
	}

	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if provider != "" {
			entry := types.CacheEntry{
				Key:       cache.ResponseCacheKey(req.ThreadID, userText, result.Intent),
				Text:      assistantTextStr,
				Intent:    result.Intent,
				Provider:  provider,
				Model:     model,
				CreatedAt: time.Now(),
			}
			if usage != nil {
				entry.Usage = *usage
			}
			if err := p.d.ResponseCache.Set(bgCtx, entry.Key, &entry); err != nil {
				p.d.Logger.Warn("response cache populate failed", zap.Error(err))
			}
		}

		if p.d.FragmentRetriever != nil {
			for _, fact := range memory.ExtractProfileFacts(userText) {
				fragment := types.MemoryFragment{
					OrgID:       req.OrgID,
					UserID:      req.UserID,
					Text:        fact.Key + ": " + fact.Value,
					Tier:        types.MemoryTierPrivate,
					Provenance:  types.Provenance{Provider: provider, Model: model, ThreadID: req.ThreadID, CreatedAt: time.Now()},
					ContentHash: contentHash(fact.Key + fact.Value),
					CreatedAt:   time.Now(),
				}
				if err := p.d.FragmentRetriever.Save(bgCtx, fragment); err != nil {
					p.d.Logger.Warn("memory fragment save failed", zap.Error(err))
				}
			}
		}
	}()
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
