package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/types"
)

type fakeFragmentStore struct {
	private []types.MemoryFragment
	shared  []types.MemoryFragment
	saved   []types.MemoryFragment
}

func (f *fakeFragmentStore) CandidatesForUser(ctx context.Context, orgID, userID string) ([]types.MemoryFragment, error) {
	return f.private, nil
}

func (f *fakeFragmentStore) CandidatesShared(ctx context.Context, orgID string) ([]types.MemoryFragment, error) {
	return f.shared, nil
}

func (f *fakeFragmentStore) Save(ctx context.Context, fragment types.MemoryFragment) error {
	f.saved = append(f.saved, fragment)
	return nil
}

func TestFragmentRetriever_RanksBySimilarityDescending(t *testing.T) {
	store := &fakeFragmentStore{private: []types.MemoryFragment{
		{ID: "low", Embedding: []float32{1, 0, 0}, Provenance: types.Provenance{ThreadID: "other"}},
		{ID: "high", Embedding: []float32{0, 1, 0}, Provenance: types.Provenance{ThreadID: "other"}},
	}}
	r := NewFragmentRetriever(store, zap.NewNop())

	results, err := r.Retrieve(context.Background(), "org-1", "user-1", "current-thread", []float32{0, 1, 0}, false, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "high", results[0].ID)
}

func TestFragmentRetriever_ExcludesCurrentThreadFragments(t *testing.T) {
	store := &fakeFragmentStore{private: []types.MemoryFragment{
		{ID: "same-thread", Embedding: []float32{0, 1, 0}, Provenance: types.Provenance{ThreadID: "current-thread"}},
		{ID: "other-thread", Embedding: []float32{0, 1, 0}, Provenance: types.Provenance{ThreadID: "other"}},
	}}
	r := NewFragmentRetriever(store, zap.NewNop())

	results, err := r.Retrieve(context.Background(), "org-1", "user-1", "current-thread", []float32{0, 1, 0}, false, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "other-thread", results[0].ID)
}

func TestFragmentRetriever_SharedOnlyIncludedWhenAllowed(t *testing.T) {
	store := &fakeFragmentStore{
		private: []types.MemoryFragment{{ID: "priv", Embedding: []float32{0, 1, 0}, Provenance: types.Provenance{ThreadID: "x"}}},
		shared:  []types.MemoryFragment{{ID: "shared", Embedding: []float32{0, 1, 0}, Provenance: types.Provenance{ThreadID: "y"}}},
	}
	r := NewFragmentRetriever(store, zap.NewNop())

	noShared, err := r.Retrieve(context.Background(), "org-1", "user-1", "current", []float32{0, 1, 0}, false, 5)
	require.NoError(t, err)
	assert.Len(t, noShared, 1)

	withShared, err := r.Retrieve(context.Background(), "org-1", "user-1", "current", []float32{0, 1, 0}, true, 5)
	require.NoError(t, err)
	assert.Len(t, withShared, 2)
}

func TestFragmentRetriever_TopKCaps(t *testing.T) {
	store := &fakeFragmentStore{private: []types.MemoryFragment{
		{ID: "a", Embedding: []float32{0, 1, 0}},
		{ID: "b", Embedding: []float32{0, 1, 0}},
		{ID: "c", Embedding: []float32{0, 1, 0}},
	}}
	r := NewFragmentRetriever(store, zap.NewNop())
	results, err := r.Retrieve(context.Background(), "org-1", "user-1", "current", []float32{0, 1, 0}, false, 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestFragmentRetriever_Save(t *testing.T) {
	store := &fakeFragmentStore{}
	r := NewFragmentRetriever(store, zap.NewNop())
	require.NoError(t, r.Save(context.Background(), types.MemoryFragment{ID: "new"}))
	require.Len(t, store.saved, 1)
	assert.Equal(t, "new", store.saved[0].ID)
}

func TestPassesPIIRedaction(t *testing.T) {
	assert.True(t, PassesPIIRedaction("I enjoy hiking and reading sci-fi."))
	assert.False(t, PassesPIIRedaction("reach me at ada@example.com"))
	assert.False(t, PassesPIIRedaction("call 555-123-4567"))
}

func TestPromoteToShared(t *testing.T) {
	clean := types.MemoryFragment{Tier: types.MemoryTierPrivate, Text: "likes tea"}

	_, ok := PromoteToShared(clean, false)
	assert.False(t, ok, "promotion must require org opt-in")

	promoted, ok := PromoteToShared(clean, true)
	require.True(t, ok)
	assert.Equal(t, types.MemoryTierShared, promoted.Tier)

	withPII := types.MemoryFragment{Tier: types.MemoryTierPrivate, Text: "email me at a@b.com"}
	_, ok = PromoteToShared(withPII, true)
	assert.False(t, ok, "PII must block promotion even with org opt-in")
}
