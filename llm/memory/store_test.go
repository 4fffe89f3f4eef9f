package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/types"
)

type fakePersistentStore struct {
	mu     sync.Mutex
	saved  map[string]*types.Thread
	loaded map[string]*types.Thread
}

func newFakePersistentStore() *fakePersistentStore {
	return &fakePersistentStore{saved: map[string]*types.Thread{}, loaded: map[string]*types.Thread{}}
}

func (f *fakePersistentStore) LoadThread(ctx context.Context, threadID string) (*types.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.loaded[threadID]; ok {
		return t, nil
	}
	return nil, ErrThreadNotFound
}

func (f *fakePersistentStore) SaveThread(ctx context.Context, thread *types.Thread) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *thread
	f.saved[thread.ID] = &cp
	return nil
}

func TestIndex_Bootstrap_CreatesFreshThreadWhenNotFound(t *testing.T) {
	idx := NewIndex(newFakePersistentStore(), zap.NewNop())
	thread, err := idx.Bootstrap(context.Background(), "org-1", "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "thread-1", thread.ID)
	assert.Equal(t, "org-1", thread.OrgID)
	assert.Empty(t, thread.Turns)
}

func TestIndex_Bootstrap_LoadsExistingThreadFromStore(t *testing.T) {
	store := newFakePersistentStore()
	store.loaded["thread-1"] = &types.Thread{ID: "thread-1", OrgID: "org-1", Turns: []types.Turn{{Sequence: 0, Role: types.RoleUser, Content: "hi"}}, NextSequence: 1}
	idx := NewIndex(store, zap.NewNop())

	thread, err := idx.Bootstrap(context.Background(), "org-1", "thread-1")
	require.NoError(t, err)
	require.Len(t, thread.Turns, 1)
	assert.Equal(t, "hi", thread.Turns[0].Content)
}

func TestIndex_Bootstrap_IsIdempotentOnceTurnsExist(t *testing.T) {
	store := newFakePersistentStore()
	idx := NewIndex(store, zap.NewNop())

	_, err := idx.Bootstrap(context.Background(), "org-1", "thread-1")
	require.NoError(t, err)
	require.NoError(t, idx.Append("thread-1", types.Turn{Role: types.RoleUser, Content: "first"}))

	// Even if the store now has different content, Bootstrap must not
	// re-read it once the in-memory thread already has turns.
	store.loaded["thread-1"] = &types.Thread{ID: "thread-1", Turns: []types.Turn{{Role: types.RoleUser, Content: "should not appear"}}}
	thread, err := idx.Bootstrap(context.Background(), "org-1", "thread-1")
	require.NoError(t, err)
	require.Len(t, thread.Turns, 1)
	assert.Equal(t, "first", thread.Turns[0].Content)
}

func TestIndex_Append_EnforcesUserBeforeAssistantProtocol(t *testing.T) {
	idx := NewIndex(newFakePersistentStore(), zap.NewNop())
	_, err := idx.Bootstrap(context.Background(), "org-1", "thread-1")
	require.NoError(t, err)

	err = idx.Append("thread-1", types.Turn{Role: types.RoleAssistant, Content: "reply"})
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestIndex_Append_AssignsMonotoneSequence(t *testing.T) {
	idx := NewIndex(newFakePersistentStore(), zap.NewNop())
	_, err := idx.Bootstrap(context.Background(), "org-1", "thread-1")
	require.NoError(t, err)

	require.NoError(t, idx.Append("thread-1", types.Turn{Role: types.RoleUser, Content: "q1"}))
	require.NoError(t, idx.Append("thread-1", types.Turn{Role: types.RoleAssistant, Content: "a1", Provider: "openai", Model: "gpt-4o"}))

	thread, ok := idx.Snapshot("thread-1")
	require.True(t, ok)
	require.Len(t, thread.Turns, 2)
	assert.Equal(t, 0, thread.Turns[0].Sequence)
	assert.Equal(t, 1, thread.Turns[1].Sequence)
	assert.Equal(t, "openai", thread.LastProvider)
	assert.Equal(t, "gpt-4o", thread.LastModel)
}

func TestIndex_Persist_WritesThroughToStore(t *testing.T) {
	store := newFakePersistentStore()
	idx := NewIndex(store, zap.NewNop())
	_, err := idx.Bootstrap(context.Background(), "org-1", "thread-1")
	require.NoError(t, err)
	require.NoError(t, idx.Append("thread-1", types.Turn{Role: types.RoleUser, Content: "hello"}))

	require.NoError(t, idx.Persist(context.Background(), "thread-1"))
	store.mu.Lock()
	saved := store.saved["thread-1"]
	store.mu.Unlock()
	require.NotNil(t, saved)
	assert.Len(t, saved.Turns, 1)
}

func TestIndex_WithSummaryAndProfileFact(t *testing.T) {
	idx := NewIndex(newFakePersistentStore(), zap.NewNop())
	_, err := idx.Bootstrap(context.Background(), "org-1", "thread-1")
	require.NoError(t, err)

	idx.WithSummary("thread-1", "condensed so far", nil)
	idx.WithProfileFact("thread-1", "name", "Ada")

	thread, ok := idx.Snapshot("thread-1")
	require.True(t, ok)
	assert.Equal(t, "condensed so far", thread.Summary)
	assert.Equal(t, "Ada", thread.ProfileFacts["name"])
}

func TestIndex_Snapshot_ReturnsIndependentCopy(t *testing.T) {
	idx := NewIndex(newFakePersistentStore(), zap.NewNop())
	_, err := idx.Bootstrap(context.Background(), "org-1", "thread-1")
	require.NoError(t, err)
	require.NoError(t, idx.Append("thread-1", types.Turn{Role: types.RoleUser, Content: "hi"}))

	snap, ok := idx.Snapshot("thread-1")
	require.True(t, ok)
	snap.Turns[0].Content = "mutated"

	live, _ := idx.Snapshot("thread-1")
	assert.Equal(t, "hi", live.Turns[0].Content)
}
