package types

import "time"

// Intent is a tag from a closed enumeration describing what the user's
// utterance is asking for. Sub-tags distinguish pipelines within an
// intent, e.g. "qa_retrieval:web_multisearch".
type Intent string

const (
	IntentSocialChat     Intent = "social_chat"
	IntentQARetrieval    Intent = "qa_retrieval"
	IntentCodingHelp     Intent = "coding_help"
	IntentEditingWriting Intent = "editing_writing"
	IntentReasoningMath  Intent = "reasoning_math"
	IntentAmbiguousOther Intent = "ambiguous_other"

	// IntentQAWebMultisearch is the qa_retrieval sub-tag that routes through
	// the web-search-then-synthesise pipeline instead of a direct LLM call.
	IntentQAWebMultisearch Intent = "qa_retrieval:web_multisearch"
)

// Pipeline describes the shape of the upstream work for a routing decision.
type Pipeline string

const (
	PipelineDirectLLM     Pipeline = "direct_llm"
	PipelineWebMultisearch Pipeline = "web_multisearch"
	PipelineDirectApology Pipeline = "direct_apology"
)

// Scope is a request-level flag that participates in cache keying and
// memory-tier eligibility.
type Scope string

const (
	ScopePrivate Scope = "private"
	ScopeShared  Scope = "shared"
)

// MemoryTier is the retention class of a cross-thread Memory Fragment.
type MemoryTier string

const (
	MemoryTierPrivate MemoryTier = "private"
	MemoryTierShared  MemoryTier = "shared"
)

// Organisation owns configuration (per-provider credentials, rate caps,
// token budgets). Created externally; immutable to the core.
type Organisation struct {
	ID                string `json:"id"`
	AllowSharedMemory bool   `json:"allow_shared_memory"`
}

// Turn is an immutable (role, content, ...) record appended to a Thread.
// Sequence number is monotone within a thread.
type Turn struct {
	Sequence   int               `json:"sequence"`
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	CreatedAt  time.Time         `json:"created_at"`
	Provider   string            `json:"provider,omitempty"`
	Model      string            `json:"model,omitempty"`
	Usage      *ChatUsageSummary `json:"usage,omitempty"`
	Citations  []string          `json:"citations,omitempty"`
	LatencyMS  int64             `json:"latency_ms,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
}

// ChatUsageSummary is the persisted token-usage shape attached to a Turn.
type ChatUsageSummary struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Thread belongs to one organisation and holds the rolling window of
// turns plus the routing-continuity hints and summarisation state used to
// build the next prompt.
type Thread struct {
	ID             string            `json:"id"`
	OrgID          string            `json:"org_id"`
	Turns          []Turn            `json:"turns"`
	Summary        string            `json:"summary,omitempty"`
	ProfileFacts   map[string]string `json:"profile_facts,omitempty"`
	LastIntent     Intent            `json:"last_intent,omitempty"`
	LastProvider   string            `json:"last_provider,omitempty"`
	LastModel      string            `json:"last_model,omitempty"`
	NextSequence   int               `json:"-"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// ProviderKey is an (org, provider) -> opaque credential. Stored encrypted
// at rest; decrypted only inside Dispatch.
type ProviderKey struct {
	OrgID      string    `json:"org_id"`
	Provider   string    `json:"provider"`
	Ciphertext []byte    `json:"-"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	RotatedAt  time.Time `json:"rotated_at,omitempty"`
}

// CacheEntry is keyed on a stable hash of (thread id, normalised user
// text, intent tag). Immutable for its lifetime.
type CacheEntry struct {
	Key       string           `json:"key"`
	Text      string           `json:"text"`
	Intent    Intent           `json:"intent"`
	Provider  string           `json:"provider"`
	Model     string           `json:"model"`
	Usage     ChatUsageSummary `json:"usage"`
	Citations []string         `json:"citations,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// MemoryFragment is a small, self-contained factoid extracted post-turn
// for cross-thread retrieval.
type MemoryFragment struct {
	ID          string     `json:"id"`
	OrgID       string     `json:"org_id"`
	UserID      string     `json:"user_id"`
	Text        string     `json:"text"`
	Embedding   []float32  `json:"embedding,omitempty"`
	Tier        MemoryTier `json:"tier"`
	Provenance  Provenance `json:"provenance"`
	ContentHash string     `json:"content_hash"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Provenance records where a Memory Fragment came from. Fragments never
// back-reference Turns by pointer; this is an explicit, copyable lookup.
type Provenance struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RequestHandle tracks one incoming SSE connection end to end.
type RequestHandle struct {
	RequestID string
	ThreadID  string
	OrgID     string
	StartedAt time.Time
	Cancel    func()
}
