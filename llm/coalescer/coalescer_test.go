package coalescer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/llm"
)

func TestBuildKey_DeterministicAndDistinguishesInputs(t *testing.T) {
	k1 := BuildKey("openai", "gpt-4", "hello", "org-1")
	k2 := BuildKey("openai", "gpt-4", "hello", "org-1")
	assert.Equal(t, k1, k2)

	assert.NotEqual(t, k1, BuildKey("openai", "gpt-4", "hello", "org-2"))
	assert.NotEqual(t, k1, BuildKey("anthropic", "gpt-4", "hello", "org-1"))
}

func TestNormalisePrompt(t *testing.T) {
	assert.Equal(t, "what is the capital of france", NormalisePrompt("  What IS the Capital of France?  "))
	assert.Equal(t, "hello world", NormalisePrompt("Hello   world..."))
}

func chunkProducer(chunks []llm.StreamChunk, delay time.Duration) Producer {
	return func(ctx context.Context) (<-chan llm.StreamChunk, error) {
		ch := make(chan llm.StreamChunk)
		go func() {
			defer close(ch)
			for _, c := range chunks {
				if delay > 0 {
					select {
					case <-time.After(delay):
					case <-ctx.Done():
						return
					}
				}
				select {
				case ch <- c:
				case <-ctx.Done():
					return
				}
			}
		}()
		return ch, nil
	}
}

func drain(t *testing.T, ch <-chan llm.StreamChunk) []llm.StreamChunk {
	t.Helper()
	var out []llm.StreamChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestRun_NotCoalescableBypassesTable(t *testing.T) {
	c := New(DefaultConfig(), zap.NewNop())
	produced := int64(0)
	producer := func(ctx context.Context) (<-chan llm.StreamChunk, error) {
		atomic.AddInt64(&produced, 1)
		ch := make(chan llm.StreamChunk, 1)
		ch <- llm.StreamChunk{Delta: llm.Message{Content: "hi"}}
		close(ch)
		return ch, nil
	}

	ch1, isLeader1, err := c.Run(context.Background(), "k", false, producer)
	require.NoError(t, err)
	assert.True(t, isLeader1)
	drain(t, ch1)

	ch2, isLeader2, err := c.Run(context.Background(), "k", false, producer)
	require.NoError(t, err)
	assert.True(t, isLeader2)
	drain(t, ch2)

	assert.Equal(t, int64(2), produced)
}

func TestRun_SecondCallerCoalescesAndReplaysFromStart(t *testing.T) {
	c := New(DefaultConfig(), zap.NewNop())
	chunks := []llm.StreamChunk{
		{Delta: llm.Message{Content: "a"}},
		{Delta: llm.Message{Content: "b"}},
		{Delta: llm.Message{Content: "c"}},
	}
	producer := chunkProducer(chunks, 15*time.Millisecond)

	leaderCh, isLeader, err := c.Run(context.Background(), "key", true, producer)
	require.NoError(t, err)
	require.True(t, isLeader)

	// give the leader a moment to start producing before the follower joins,
	// so the follower's replay-from-buffer path is actually exercised.
	time.Sleep(20 * time.Millisecond)

	followerCh, isLeader2, err := c.Run(context.Background(), "key", true, producer)
	require.NoError(t, err)
	assert.False(t, isLeader2)

	var wg sync.WaitGroup
	var leaderOut, followerOut []llm.StreamChunk
	wg.Add(2)
	go func() { defer wg.Done(); leaderOut = drain(t, leaderCh) }()
	go func() { defer wg.Done(); followerOut = drain(t, followerCh) }()
	wg.Wait()

	assert.Len(t, leaderOut, 3)
	assert.Len(t, followerOut, 3)
	assert.Equal(t, leaderOut[0].Delta.Content, followerOut[0].Delta.Content)

	snap := c.Snapshot()
	assert.Equal(t, int64(1), snap.GroupsCreated)
	assert.Equal(t, int64(1), snap.RequestsCoalesced)
}

func TestRun_ErrorTerminatesAndNegativeCaches(t *testing.T) {
	cfg := Config{NegativeCacheTTL: 50 * time.Millisecond}
	c := New(cfg, zap.NewNop())

	producer := func(ctx context.Context) (<-chan llm.StreamChunk, error) {
		ch := make(chan llm.StreamChunk, 1)
		ch <- llm.StreamChunk{Err: &llm.Error{Message: "boom"}}
		close(ch)
		return ch, nil
	}

	out, isLeader, err := c.Run(context.Background(), "bad-key", true, producer)
	require.NoError(t, err)
	require.True(t, isLeader)
	chunks := drain(t, out)
	require.Len(t, chunks, 1)
	assert.NotNil(t, chunks[0].Err)

	// entry table cleans up asynchronously after the sole reader detaches.
	require.Eventually(t, func() bool {
		_, _, err := c.Run(context.Background(), "bad-key", true, producer)
		return err == ErrNegativeCached
	}, 200*time.Millisecond, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	out2, _, err := c.Run(context.Background(), "bad-key", true, producer)
	require.NoError(t, err)
	drain(t, out2)
}

func TestRun_EntryEvictedAfterAllReadersDetach(t *testing.T) {
	c := New(DefaultConfig(), zap.NewNop())
	producer := chunkProducer([]llm.StreamChunk{{Delta: llm.Message{Content: "x"}}}, 0)

	ch, _, err := c.Run(context.Background(), "evict-key", true, producer)
	require.NoError(t, err)
	drain(t, ch)

	require.Eventually(t, func() bool {
		c.mu.Lock()
		_, exists := c.entries["evict-key"]
		c.mu.Unlock()
		return !exists
	}, 200*time.Millisecond, 5*time.Millisecond)
}
