package memory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/types"
)

// MaxThreadTurns is N: the rolling window size before an overflow triggers
// summarisation of the oldest turns (spec.md §4.6 default).
const MaxThreadTurns = 20

// CondenseCount is k: how many of the oldest turns get folded into the
// summary on each overflow.
const CondenseCount = 8

// SummaryFunc performs the actual LLM call to condense turns into prose.
// Dispatch supplies this bound to the org's cheapest configured model; it
// returns an error if no model is reachable, in which case Summarizer
// falls back to the deterministic concatenation.
type SummaryFunc func(ctx context.Context, existingSummary string, turns []types.Turn) (string, error)

// Summarizer owns the overflow-triggered condensation path.
type Summarizer struct {
	summarize SummaryFunc
	logger    *zap.Logger
}

// NewSummarizer creates a Summarizer. summarize may be nil, in which case
// every call uses the degraded deterministic path.
func NewSummarizer(summarize SummaryFunc, logger *zap.Logger) *Summarizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Summarizer{summarize: summarize, logger: logger}
}

// CondenseIfNeeded checks whether turns exceeds MaxThreadTurns and, if so,
// condenses the oldest CondenseCount turns into an updated summary,
// returning the new summary and the remaining (non-condensed) turns. If
// no condensation is needed it returns existingSummary and turns
// unchanged.
func (s *Summarizer) CondenseIfNeeded(ctx context.Context, existingSummary string, turns []types.Turn) (string, []types.Turn) {
	if len(turns) <= MaxThreadTurns {
		return existingSummary, turns
	}

	k := CondenseCount
	if k > len(turns) {
		k = len(turns)
	}
	toCondense := turns[:k]
	remaining := append([]types.Turn(nil), turns[k:]...)

	summary, err := s.condense(ctx, existingSummary, toCondense)
	if err != nil {
		s.logger.Warn("llm summarisation unavailable, using degraded fallback", zap.Error(err))
		summary = s.degradedConcat(existingSummary, toCondense)
	}

	return summary, remaining
}

func (s *Summarizer) condense(ctx context.Context, existingSummary string, turns []types.Turn) (string, error) {
	if s.summarize == nil {
		return "", fmt.Errorf("memory: no summarisation model configured")
	}
	return s.summarize(ctx, existingSummary, turns)
}

// degradedConcat is the deterministic fallback when no LLM is reachable:
// head and tail of the condensed window are preserved verbatim, the
// middle is elided.
func (s *Summarizer) degradedConcat(existingSummary string, turns []types.Turn) string {
	var b strings.Builder
	if existingSummary != "" {
		b.WriteString(existingSummary)
		b.WriteString("\n")
	}

	if len(turns) == 0 {
		return strings.TrimSpace(b.String())
	}

	head := turns[0]
	b.WriteString(fmt.Sprintf("%s: %s\n", head.Role, truncate(head.Content, 200)))

	if len(turns) > 2 {
		b.WriteString(fmt.Sprintf("[%d turns elided]\n", len(turns)-2))
	}

	if len(turns) > 1 {
		tail := turns[len(turns)-1]
		b.WriteString(fmt.Sprintf("%s: %s\n", tail.Role, truncate(tail.Content, 200)))
	}

	return strings.TrimSpace(b.String())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
