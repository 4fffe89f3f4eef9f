package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/types"
)

func makeTurns(n int) []types.Turn {
	turns := make([]types.Turn, n)
	for i := range turns {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		turns[i] = types.Turn{Sequence: i, Role: role, Content: "turn content"}
	}
	return turns
}

func TestSummarizer_CondenseIfNeeded_NoopUnderThreshold(t *testing.T) {
	s := NewSummarizer(nil, zap.NewNop())
	turns := makeTurns(MaxThreadTurns)
	summary, remaining := s.CondenseIfNeeded(context.Background(), "existing", turns)
	assert.Equal(t, "existing", summary)
	assert.Len(t, remaining, MaxThreadTurns)
}

func TestSummarizer_CondenseIfNeeded_UsesLLMWhenConfigured(t *testing.T) {
	called := false
	s := NewSummarizer(func(ctx context.Context, existing string, turns []types.Turn) (string, error) {
		called = true
		return "llm summary", nil
	}, zap.NewNop())

	turns := makeTurns(MaxThreadTurns + 1)
	summary, remaining := s.CondenseIfNeeded(context.Background(), "", turns)
	assert.True(t, called)
	assert.Equal(t, "llm summary", summary)
	assert.Len(t, remaining, MaxThreadTurns+1-CondenseCount)
}

func TestSummarizer_CondenseIfNeeded_FallsBackWhenLLMUnavailable(t *testing.T) {
	s := NewSummarizer(nil, zap.NewNop())
	turns := makeTurns(MaxThreadTurns + 1)
	summary, remaining := s.CondenseIfNeeded(context.Background(), "", turns)
	assert.NotEmpty(t, summary)
	assert.Len(t, remaining, MaxThreadTurns+1-CondenseCount)
}

func TestSummarizer_CondenseIfNeeded_FallsBackOnLLMError(t *testing.T) {
	s := NewSummarizer(func(ctx context.Context, existing string, turns []types.Turn) (string, error) {
		return "", assertErr
	}, zap.NewNop())

	turns := makeTurns(MaxThreadTurns + 1)
	summary, _ := s.CondenseIfNeeded(context.Background(), "", turns)
	assert.NotEmpty(t, summary)
}

var assertErr = &testErr{}

type testErr struct{}

func (e *testErr) Error() string { return "summarisation backend unavailable" }

func TestSummarizer_DegradedConcat_ElidesMiddle(t *testing.T) {
	s := NewSummarizer(nil, zap.NewNop())
	turns := []types.Turn{
		{Role: types.RoleUser, Content: "first message"},
		{Role: types.RoleAssistant, Content: "middle 1"},
		{Role: types.RoleUser, Content: "middle 2"},
		{Role: types.RoleAssistant, Content: "last message"},
	}
	out := s.degradedConcat("", turns)
	assert.Contains(t, out, "first message")
	assert.Contains(t, out, "last message")
	assert.Contains(t, out, "elided")
	assert.NotContains(t, out, "middle 1")
}
