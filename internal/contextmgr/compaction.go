package contextmgr

import "fmt"

// CompactionState is per-bridge scratch state for pre-turn compaction
// decisions. AttemptedThisTurn resets every turn;
// everything else persists across turns.
type CompactionState struct {
	AttemptedThisTurn bool
	CompactionCount   uint32
	LastInputTokens   *uint64
	UsingHeuristic    bool
}

// ResetTurn clears the per-turn flag. Call at the start of every turn.
func (s *CompactionState) ResetTurn() { s.AttemptedThisTurn = false }

// MarkAttempted records that a compaction pass was attempted this turn.
func (s *CompactionState) MarkAttempted() { s.AttemptedThisTurn = true }

// IncrementCount records a successful compaction.
func (s *CompactionState) IncrementCount() { s.CompactionCount++ }

// UpdateTokens records a provider-reported input token count.
func (s *CompactionState) UpdateTokens(inputTokens uint64) {
	s.LastInputTokens = &inputTokens
	s.UsingHeuristic = false
}

// UpdateTokensHeuristic records a char_count/4 estimate when the provider
// did not report usage.
func (s *CompactionState) UpdateTokensHeuristic(charCount int) {
	v := uint64(charCount / 4)
	s.LastInputTokens = &v
	s.UsingHeuristic = true
}

// CompactionCheck is the result of ShouldCompact.
type CompactionCheck struct {
	ShouldCompact  bool
	CurrentTokens  uint64
	MaxTokens      int
	Threshold      float64
	UsingHeuristic bool
	Reason         string
}

// ShouldCompact decides whether to run a compaction pass before the next
// provider call. It never mutates state; the caller records
// attempted_this_turn=true before invoking compaction.
func (m *Manager) ShouldCompact(state CompactionState, model string) CompactionCheck {
	maxTokens := DefaultBudgetConfig(model).MaxContextTokens
	threshold := m.budget.Config.AlertThreshold
	current := uint64(0)
	if state.LastInputTokens != nil {
		current = *state.LastInputTokens
	}

	if state.AttemptedThisTurn {
		return CompactionCheck{false, current, maxTokens, threshold, state.UsingHeuristic, "already attempted this turn"}
	}
	if !m.enabled {
		return CompactionCheck{false, current, maxTokens, threshold, state.UsingHeuristic, "context management disabled"}
	}

	thresholdTokens := uint64(float64(maxTokens) * threshold)
	should := current >= thresholdTokens
	pct := 0
	if maxTokens > 0 {
		pct = int(float64(current) / float64(maxTokens) * 100)
	}
	verb := "below"
	if should {
		verb = "exceeds"
	}
	reason := fmt.Sprintf("token usage %d%% (%d/%d) %s threshold %d%%", pct, current, maxTokens, verb, int(threshold*100))

	return CompactionCheck{should, current, maxTokens, threshold, state.UsingHeuristic, reason}
}

// IsContextExceeded reports whether the last known input token count is at
// or beyond the model's absolute context window.
func (m *Manager) IsContextExceeded(state CompactionState, model string) bool {
	if state.LastInputTokens == nil {
		return false
	}
	maxTokens := DefaultBudgetConfig(model).MaxContextTokens
	return *state.LastInputTokens >= uint64(maxTokens)
}
