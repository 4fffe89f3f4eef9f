// Package intent implements the pure intent classification contract:
// classify(utterance, recent_turns) -> (intent, confidence, flags).
package intent

import (
	"regexp"
	"strings"

	"github.com/BaSui01/agentflow/types"
)

// Flags carries side signals the Router may use alongside intent and
// confidence (no caller outside this package reads them, Dispatch
// included, but keeping them distinct from confidence avoids overloading
// one float).
type Flags struct {
	MatchedRule string
}

// Result is the output of Classify.
type Result struct {
	Intent     types.Intent
	Confidence float64
	Flags      Flags
}

var (
	greetingRe    = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|how are you|thanks|thank you)\b`)
	interrogRe    = regexp.MustCompile(`(?i)\?\s*$|^\s*(what|who|where|why|how)\b`)
	timeIndicRe   = regexp.MustCompile(`(?i)\b(today|this week|two days ago|yesterday|latest|recent|breaking)\b`)
	codeVerbRe    = regexp.MustCompile(`(?i)\b(write|implement|debug|refactor|explain)\b`)
	codeContextRe = regexp.MustCompile("(?i)```|\\b(function|class|go|python|javascript|typescript|rust|java|c\\+\\+|sql)\\b")
	editVerbRe    = regexp.MustCompile(`(?i)\b(rewrite|edit|polish|shorten)\b`)
	mathRe        = regexp.MustCompile(`(?i)\b(prove|proof|equation|derivative|integral|calculate)\b|[0-9]\s*[+\-*/^]\s*[0-9]`)
)

// Classify implements spec.md's §4.1 closed-enumeration rules, in the
// stated tie-break order. It is pure and side-effect free.
func Classify(utterance string, recentTurns []types.Turn) Result {
	u := strings.TrimSpace(utterance)
	lower := strings.ToLower(u)

	switch {
	case greetingRe.MatchString(u) && !interrogRe.MatchString(u) && wordCount(u) <= 8:
		return Result{Intent: types.IntentSocialChat, Confidence: confidenceFor(greetingRe, lower), Flags: Flags{MatchedRule: "greeting"}}

	case timeIndicRe.MatchString(u) && hasTopicalNoun(lower):
		return Result{Intent: types.IntentQAWebMultisearch, Confidence: confidenceFor(timeIndicRe, lower), Flags: Flags{MatchedRule: "time_indicator"}}

	case codeVerbRe.MatchString(u) && codeContextRe.MatchString(u):
		return Result{Intent: types.IntentCodingHelp, Confidence: confidenceFor(codeVerbRe, lower), Flags: Flags{MatchedRule: "code_verb"}}

	case editVerbRe.MatchString(u):
		return Result{Intent: types.IntentEditingWriting, Confidence: confidenceFor(editVerbRe, lower), Flags: Flags{MatchedRule: "edit_verb"}}

	case mathRe.MatchString(u):
		return Result{Intent: types.IntentReasoningMath, Confidence: confidenceFor(mathRe, lower), Flags: Flags{MatchedRule: "math"}}

	case interrogRe.MatchString(u) && !timeIndicRe.MatchString(u):
		return Result{Intent: types.IntentQARetrieval, Confidence: confidenceFor(interrogRe, lower), Flags: Flags{MatchedRule: "interrogative"}}

	default:
		return Result{Intent: types.IntentAmbiguousOther, Confidence: 0.3, Flags: Flags{MatchedRule: "default"}}
	}
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// hasTopicalNoun is a light heuristic: the utterance has at least three
// words in total, so a bare indicator such as "today?" (or "news today")
// does not count.
func hasTopicalNoun(lower string) bool {
	words := strings.Fields(lower)
	return len(words) >= 3
}

// confidenceFor is a bounded heuristic: match-density over utterance
// length, used only by the Router to decide whether to try a small model
// first.
func confidenceFor(re *regexp.Regexp, lower string) float64 {
	matches := re.FindAllStringIndex(lower, -1)
	if len(lower) == 0 {
		return 0.5
	}
	matchedChars := 0
	for _, m := range matches {
		matchedChars += m[1] - m[0]
	}
	density := float64(matchedChars) / float64(len(lower))
	confidence := 0.5 + density
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	return confidence
}
