package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/agentflow/types"
)

func TestClassify_Greeting(t *testing.T) {
	r := Classify("Hi there, thanks!", nil)
	assert.Equal(t, types.IntentSocialChat, r.Intent)
	assert.Equal(t, "greeting", r.Flags.MatchedRule)
}

func TestClassify_TimeIndicatorRoutesToWebMultisearch(t *testing.T) {
	r := Classify("What happened in the news today?", nil)
	assert.Equal(t, types.IntentQAWebMultisearch, r.Intent)
}

func TestClassify_CodingHelp(t *testing.T) {
	r := Classify("Can you implement this function in Go?\n```go\nfunc foo() {}\n```", nil)
	assert.Equal(t, types.IntentCodingHelp, r.Intent)
}

func TestClassify_EditingWriting(t *testing.T) {
	r := Classify("Please rewrite this paragraph to be shorter.", nil)
	assert.Equal(t, types.IntentEditingWriting, r.Intent)
}

func TestClassify_ReasoningMath(t *testing.T) {
	r := Classify("Prove that the derivative of x^2 is 2x.", nil)
	assert.Equal(t, types.IntentReasoningMath, r.Intent)
}

func TestClassify_QARetrieval(t *testing.T) {
	r := Classify("Why is the sky blue?", nil)
	assert.Equal(t, types.IntentQARetrieval, r.Intent)
}

func TestClassify_DefaultsToAmbiguousOther(t *testing.T) {
	r := Classify("banana", nil)
	assert.Equal(t, types.IntentAmbiguousOther, r.Intent)
	assert.Equal(t, 0.3, r.Confidence)
}

func TestClassify_GreetingExcludedWhenInterrogative(t *testing.T) {
	// Starts like a greeting but is a question, so the greeting rule's
	// "!interrogRe" guard must defer it to the interrogative rule instead.
	r := Classify("hi, what is your name?", nil)
	assert.Equal(t, types.IntentQARetrieval, r.Intent)
}

func TestClassify_ConfidenceIsBounded(t *testing.T) {
	r := Classify("hi", nil)
	assert.GreaterOrEqual(t, r.Confidence, 0.0)
	assert.LessOrEqual(t, r.Confidence, 1.0)
}
