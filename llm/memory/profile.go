package memory

import (
	"regexp"
	"strings"
)

// ProfileFact is one extracted (key, value) self-assertion.
type ProfileFact struct {
	Key   string
	Value string
}

var (
	nameRe    = regexp.MustCompile(`(?i)\bmy name is ([a-z][a-z '-]{0,40})`)
	callMeRe  = regexp.MustCompile(`(?i)\bcall me ([a-z][a-z '-]{0,40})`)
	workingRe = regexp.MustCompile(`(?i)\bi'?m working on ([^.!?\n]{1,120})`)
	roleRe    = regexp.MustCompile(`(?i)\bi'?m an? ([a-z][a-z -]{1,60}?)\s*(?:\.|,|$)`)
)

// ExtractProfileFacts is the "light extractor" from spec.md §4.6: it
// looks for first-person self-assertions in a user turn and returns any
// it finds. Pure and side-effect free; callers decide whether/how to
// merge results into a Thread.
func ExtractProfileFacts(userText string) []ProfileFact {
	var facts []ProfileFact

	if m := nameRe.FindStringSubmatch(userText); m != nil {
		facts = append(facts, ProfileFact{Key: "name", Value: clean(m[1])})
	} else if m := callMeRe.FindStringSubmatch(userText); m != nil {
		facts = append(facts, ProfileFact{Key: "name", Value: clean(m[1])})
	}

	if m := workingRe.FindStringSubmatch(userText); m != nil {
		facts = append(facts, ProfileFact{Key: "working_on", Value: clean(m[1])})
	}

	if m := roleRe.FindStringSubmatch(userText); m != nil {
		facts = append(facts, ProfileFact{Key: "role", Value: clean(m[1])})
	}

	return facts
}

func clean(s string) string {
	return strings.Trim(strings.TrimSpace(s), " .,!")
}
