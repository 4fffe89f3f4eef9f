package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentflow/types"
)

func TestBuildPrompt_AssemblesPersonaSummaryFactsFragmentsTurns(t *testing.T) {
	msgs := BuildPrompt(BuildPromptInput{
		Persona:      "You are a helpful assistant.",
		Summary:      "User previously asked about Go.",
		ProfileFacts: map[string]string{"name": "Ada"},
		Turns: []types.Turn{
			{Role: types.RoleUser, Content: "hi"},
			{Role: types.RoleAssistant, Content: "hello"},
		},
		Fragments:           []types.MemoryFragment{{Text: "likes concise answers"}},
		NewUserText:         "what's next",
		ContextWindowTokens: 0,
	})

	require.NotEmpty(t, msgs)
	assert.Equal(t, types.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "helpful assistant")

	var joined strings.Builder
	for _, m := range msgs {
		joined.WriteString(m.Content)
		joined.WriteString("|")
	}
	all := joined.String()
	assert.Contains(t, all, "Go")
	assert.Contains(t, all, "Ada")
	assert.Contains(t, all, "concise answers")
	assert.Equal(t, "what's next", msgs[len(msgs)-1].Content)
	assert.Equal(t, types.RoleUser, msgs[len(msgs)-1].Role)
}

func TestBuildPrompt_EvictsOldestTurnsUnderTightBudget(t *testing.T) {
	var turns []types.Turn
	for i := 0; i < 10; i++ {
		turns = append(turns, types.Turn{Role: types.RoleUser, Content: strings.Repeat("x", 100)})
	}

	msgs := BuildPrompt(BuildPromptInput{
		Turns:               turns,
		NewUserText:         "new question",
		ContextWindowTokens: 200, // 70% of 200 = 140 tokens, too small for all 10 turns
		Estimate:            func(s string) int { return len(s) },
	})

	// Oldest turns should be dropped; the new user turn always survives.
	assert.Less(t, len(msgs), len(turns)+1)
	assert.Equal(t, "new question", msgs[len(msgs)-1].Content)
}

func TestBuildPrompt_NoCapWhenContextWindowUnset(t *testing.T) {
	var turns []types.Turn
	for i := 0; i < 50; i++ {
		turns = append(turns, types.Turn{Role: types.RoleUser, Content: "turn"})
	}
	msgs := BuildPrompt(BuildPromptInput{Turns: turns, NewUserText: "q", ContextWindowTokens: 0})
	assert.Len(t, msgs, 51)
}

func TestEstimateTokensByChars_CJKWeightedDifferently(t *testing.T) {
	latin := EstimateTokensByChars("hello world")
	cjk := EstimateTokensByChars("你好世界你好世界")
	assert.Positive(t, latin)
	assert.Positive(t, cjk)
}
