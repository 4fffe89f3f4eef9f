package memory

import (
	"context"
	"math"
	"regexp"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/types"
)

// FragmentStore is the durable backing store for cross-thread Memory
// Fragments (private and shared tiers). Typically gorm-backed with a
// vector column (pgvector) in production; retrieval here still ranks
// in-process by cosine similarity over whatever candidate set the store
// returns, so the store itself only needs a coarse pre-filter (by org,
// user, tier).
type FragmentStore interface {
	CandidatesForUser(ctx context.Context, orgID, userID string) ([]types.MemoryFragment, error)
	CandidatesShared(ctx context.Context, orgID string) ([]types.MemoryFragment, error)
	Save(ctx context.Context, fragment types.MemoryFragment) error
}

// FragmentRetriever implements the top-K cross-thread retrieval described
// in spec.md §4.6.
type FragmentRetriever struct {
	store  FragmentStore
	logger *zap.Logger
}

// NewFragmentRetriever creates a FragmentRetriever.
func NewFragmentRetriever(store FragmentStore, logger *zap.Logger) *FragmentRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FragmentRetriever{store: store, logger: logger}
}

type scored struct {
	fragment types.MemoryFragment
	score    float64
}

// Save persists a new Memory Fragment, passing through to the backing
// FragmentStore.
func (r *FragmentRetriever) Save(ctx context.Context, fragment types.MemoryFragment) error {
	return r.store.Save(ctx, fragment)
}

// Retrieve returns the top K most similar fragments to queryEmbedding,
// drawn from the requesting user's private tier plus, if allowShared is
// true, the org's shared tier. Fragments whose provenance thread equals
// currentThreadID are excluded since they are already present in the
// thread's own turns[].
func (r *FragmentRetriever) Retrieve(ctx context.Context, orgID, userID, currentThreadID string, queryEmbedding []float32, allowShared bool, topK int) ([]types.MemoryFragment, error) {
	private, err := r.store.CandidatesForUser(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}

	candidates := private
	if allowShared {
		shared, err := r.store.CandidatesShared(ctx, orgID)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, shared...)
	}

	var ranked []scored
	for _, f := range candidates {
		if f.Provenance.ThreadID == currentThreadID {
			continue
		}
		ranked = append(ranked, scored{fragment: f, score: cosineSimilarity(queryEmbedding, f.Embedding)})
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if topK > len(ranked) {
		topK = len(ranked)
	}
	out := make([]types.MemoryFragment, topK)
	for i := 0; i < topK; i++ {
		out[i] = ranked[i].fragment
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// piiRe is a conservative, low-recall-by-design filter for the
// obvious categories (emails, phone-like digit runs) a shared-tier
// fragment must not contain. It is not a substitute for a dedicated
// redaction service; it only gates the tier-promotion invariant in
// spec.md §3 ("shared-tier fragments must have passed PII redaction").
var piiRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}|\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`)

// PassesPIIRedaction reports whether text is clear of the obvious PII
// categories gating shared-tier promotion.
func PassesPIIRedaction(text string) bool {
	return !piiRe.MatchString(text)
}

// PromoteToShared applies the component's tier-promotion invariant: it is
// an explicit curated action, never implicit. Promotion additionally
// requires the org to have opted into shared memory (see DESIGN.md Open
// Question decision #3) and the fragment text to pass PII redaction.
func PromoteToShared(fragment types.MemoryFragment, orgAllowsSharedMemory bool) (types.MemoryFragment, bool) {
	if !orgAllowsSharedMemory || !PassesPIIRedaction(fragment.Text) {
		return fragment, false
	}
	fragment.Tier = types.MemoryTierShared
	return fragment, true
}
