package contextmgr

import "github.com/xonecas/symb/internal/message"

// PruneResult reports the outcome of a pruning pass.
type PruneResult struct {
	Pruned       bool
	KeptIndices  []int
	PrunedIndices []int
	PrunedTokens int
}

// pruner removes low-priority history entries to bring utilization down to
// a target, always respecting a tail of protected recent turns.
type pruner struct {
	protectedRecentTurns int
	detailedTracking     bool
	aggressive           bool
}

// prune selects which messages to keep so that their estimated combined
// token count is at or below targetTokens. Candidates are removed starting
// from the oldest non-protected message; when detailedTracking is on,
// tool-result messages are preferred removal candidates over plain text.
func (p *pruner) prune(history message.History, targetTokens int) PruneResult {
	n := len(history)
	if n == 0 {
		return PruneResult{}
	}

	protectedFrom := n - p.protectedRecentTurns
	if protectedFrom < 0 {
		protectedFrom = 0
	}

	tokens := make([]int, n)
	total := 0
	for i, m := range history {
		tokens[i] = estimateMessageTokens(m)
		total += tokens[i]
	}
	if total <= targetTokens {
		return PruneResult{}
	}

	type candidate struct {
		idx        int
		isToolResp bool
	}
	var candidates []candidate
	for i := 0; i < protectedFrom; i++ {
		candidates = append(candidates, candidate{i, isToolResultMessage(history[i])})
	}

	if p.detailedTracking {
		// Tool-result messages are preferred removal candidates: sort them
		// before plain messages while keeping relative chronological order
		// within each group (stable partition, oldest first).
		var toolCands, otherCands []candidate
		for _, c := range candidates {
			if c.isToolResp {
				toolCands = append(toolCands, c)
			} else {
				otherCands = append(otherCands, c)
			}
		}
		candidates = append(toolCands, otherCands...)
	}

	removed := map[int]bool{}
	prunedTokens := 0
	for _, c := range candidates {
		if total-prunedTokens <= targetTokens {
			break
		}
		removed[c.idx] = true
		prunedTokens += tokens[c.idx]
	}

	if len(removed) == 0 {
		return PruneResult{}
	}

	var kept, prunedIdx []int
	for i := 0; i < n; i++ {
		if removed[i] {
			prunedIdx = append(prunedIdx, i)
		} else {
			kept = append(kept, i)
		}
	}

	return PruneResult{
		Pruned:        true,
		KeptIndices:   kept,
		PrunedIndices: prunedIdx,
		PrunedTokens:  prunedTokens,
	}
}

// estimateMessageTokens estimates a whole message, counting tool-result and
// reasoning payloads alongside plain text so pruning a tool-result message
// actually frees its tokens.
func estimateMessageTokens(m message.Message) int {
	n := 0
	for _, b := range m.Content {
		switch b.Type {
		case message.BlockText:
			n += EstimateTokens(b.Text)
		case message.BlockToolResult:
			n += EstimateTokens(b.ToolResultText)
		case message.BlockReasoning:
			n += EstimateTokens(b.ReasoningText)
		}
	}
	return n
}

func isToolResultMessage(m message.Message) bool {
	for _, b := range m.Content {
		if b.Type == message.BlockToolResult {
			return true
		}
	}
	return false
}
