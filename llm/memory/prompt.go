package memory

import (
	"fmt"
	"strings"

	"github.com/BaSui01/agentflow/types"
)

// ContextWindowFraction is the 70% cap on total prompt tokens relative to
// the chosen model's context window (spec.md §4.6).
const ContextWindowFraction = 0.70

// TokenEstimator counts (approximate) tokens for a piece of text. Dispatch
// supplies the provider-aware implementation (tiktoken-go where
// available); BuildPrompt only needs it to decide eviction order, not
// exact billing, so a plain char-based estimator is an acceptable
// fallback for providers tiktoken doesn't cover.
type TokenEstimator func(text string) int

// EstimateTokensByChars is the degraded fallback estimator: roughly one
// token per four characters for Latin scripts, 1.5 for CJK, matching the
// teacher's character-class-aware approximation.
func EstimateTokensByChars(text string) int {
	var cjk, other int
	for _, r := range text {
		if (r >= 0x4E00 && r <= 0x9FFF) || (r >= 0x3040 && r <= 0x30FF) || (r >= 0xAC00 && r <= 0xD7A3) {
			cjk++
		} else {
			other++
		}
	}
	tokens := float64(cjk)/1.5 + float64(other)/4.0
	return int(tokens) + 1
}

// BuildPromptInput bundles everything BuildPrompt needs to assemble one
// request's message list.
type BuildPromptInput struct {
	Persona             string
	Summary             string
	ProfileFacts        map[string]string
	Turns               []types.Turn
	Fragments           []types.MemoryFragment
	NewUserText         string
	ContextWindowTokens int
	Estimate            TokenEstimator
}

// BuildPrompt assembles the message list per spec.md §4.6: system message
// (persona) + optional cached summary + profile facts sentence + retrieved
// cross-thread fragments + turns[] in order + the new user turn. If the
// total exceeds 70% of the model's context window, older turns are
// evicted from the prompt (never from storage) oldest-first until the cap
// holds; the summary is always kept.
func BuildPrompt(in BuildPromptInput) []types.Message {
	estimate := in.Estimate
	if estimate == nil {
		estimate = EstimateTokensByChars
	}

	var fixed []types.Message
	if in.Persona != "" {
		fixed = append(fixed, types.Message{Role: types.RoleSystem, Content: in.Persona})
	}
	if in.Summary != "" {
		fixed = append(fixed, types.Message{Role: types.RoleSystem, Content: "Conversation summary so far: " + in.Summary})
	}
	if sentence := profileFactsSentence(in.ProfileFacts); sentence != "" {
		fixed = append(fixed, types.Message{Role: types.RoleSystem, Content: sentence})
	}
	if sentence := fragmentsSentence(in.Fragments); sentence != "" {
		fixed = append(fixed, types.Message{Role: types.RoleSystem, Content: sentence})
	}

	newTurn := types.Message{Role: types.RoleUser, Content: in.NewUserText}

	turnMessages := make([]types.Message, len(in.Turns))
	for i, t := range in.Turns {
		turnMessages[i] = types.Message{Role: t.Role, Content: t.Content}
	}

	capTokens := int(float64(in.ContextWindowTokens) * ContextWindowFraction)
	if capTokens <= 0 {
		return append(append(fixed, turnMessages...), newTurn)
	}

	fixedTokens := sumTokens(fixed, estimate) + estimate(newTurn.Content)
	budget := capTokens - fixedTokens

	kept := evictOldestUntilFits(turnMessages, budget, estimate)

	out := make([]types.Message, 0, len(fixed)+len(kept)+1)
	out = append(out, fixed...)
	out = append(out, kept...)
	out = append(out, newTurn)
	return out
}

func sumTokens(msgs []types.Message, estimate TokenEstimator) int {
	total := 0
	for _, m := range msgs {
		total += estimate(m.Content)
	}
	return total
}

// evictOldestUntilFits keeps the most recent turns that fit within budget,
// dropping from the oldest end first.
func evictOldestUntilFits(turns []types.Message, budget int, estimate TokenEstimator) []types.Message {
	if budget <= 0 {
		return nil
	}

	total := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		t := estimate(turns[i].Content)
		if total+t > budget {
			break
		}
		total += t
		start = i
	}
	return append([]types.Message(nil), turns[start:]...)
}

func profileFactsSentence(facts map[string]string) string {
	if len(facts) == 0 {
		return ""
	}
	parts := make([]string, 0, len(facts))
	for k, v := range facts {
		parts = append(parts, fmt.Sprintf("%s: %s", k, v))
	}
	return "Known user facts — " + strings.Join(parts, "; ") + "."
}

func fragmentsSentence(fragments []types.MemoryFragment) string {
	if len(fragments) == 0 {
		return ""
	}
	parts := make([]string, 0, len(fragments))
	for _, f := range fragments {
		parts = append(parts, f.Text)
	}
	return "Relevant context from prior conversations — " + strings.Join(parts, " | ")
}
