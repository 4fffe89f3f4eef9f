package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractProfileFacts_Name(t *testing.T) {
	facts := ExtractProfileFacts("Hi, my name is Ada Lovelace.")
	require.NotEmpty(t, facts)
	assert.Equal(t, "name", facts[0].Key)
	assert.Equal(t, "Ada Lovelace", facts[0].Value)
}

func TestExtractProfileFacts_CallMeFallsBackWhenNoNamePhrase(t *testing.T) {
	facts := ExtractProfileFacts("You can call me Max for short.")
	require.NotEmpty(t, facts)
	assert.Equal(t, "name", facts[0].Key)
	assert.Equal(t, "Max for short", facts[0].Value)
}

func TestExtractProfileFacts_WorkingOn(t *testing.T) {
	facts := ExtractProfileFacts("I'm working on a distributed systems paper. Any tips?")
	var got *ProfileFact
	for i := range facts {
		if facts[i].Key == "working_on" {
			got = &facts[i]
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, "a distributed systems paper", got.Value)
}

func TestExtractProfileFacts_Role(t *testing.T) {
	facts := ExtractProfileFacts("I'm a backend engineer.")
	var got *ProfileFact
	for i := range facts {
		if facts[i].Key == "role" {
			got = &facts[i]
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, "backend engineer", got.Value)
}

func TestExtractProfileFacts_NoMatchReturnsEmpty(t *testing.T) {
	facts := ExtractProfileFacts("What's the weather like?")
	assert.Empty(t, facts)
}

func TestExtractProfileFacts_MultipleFactsInOneMessage(t *testing.T) {
	facts := ExtractProfileFacts("My name is Grace. I'm working on a compiler. I'm a researcher.")
	keys := make(map[string]bool)
	for _, f := range facts {
		keys[f.Key] = true
	}
	assert.True(t, keys["name"])
	assert.True(t, keys["working_on"])
	assert.True(t, keys["role"])
}
