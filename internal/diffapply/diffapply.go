// Package diffapply implements a three-tier fuzzy unified-diff applier:
// exact, normalized, and character-similarity fuzzy matching, tried in
// that order for each hunk.
package diffapply

import (
	"fmt"
	"strings"
)

// Hunk is one contiguous unified-diff region.
type Hunk struct {
	OldLines      []string
	NewLines      []string
	ContextAnchor string
	IsNewFile     bool
}

// ResultKind discriminates an ApplyResult's payload.
type ResultKind int

const (
	Success ResultKind = iota
	PartialSuccess
	NoMatch
	MultipleMatches
)

// FailedHunk records one hunk that could not be applied.
type FailedHunk struct {
	Index   int
	Message string
}

// ApplyResult is the outcome of applying a set of hunks to one file's
// content.
type ApplyResult struct {
	Kind       ResultKind
	NewContent string

	// UnifiedDiff is a human-readable before/after diff of the whole file,
	// computed with gotextdiff once NewContent is known; callers (the
	// coder sub-agent's post-processing appendix, event logging) use it
	// instead of re-deriving one from the applied hunks.
	UnifiedDiff string

	Applied []int
	Failed  []FailedHunk

	// NoMatch / MultipleMatches
	HunkIndex  int
	Suggestion string
	Count      int
}

const (
	fuzzyThreshold   = 0.85
	similarityEpsilon = 0.02
)

// ApplyHunks applies hunks in order to content, trying exact, then
// normalized, then fuzzy matching for each. Once any hunk succeeds,
// subsequent failures are collected into PartialSuccess; before the first
// success a failure is returned directly as NoMatch/MultipleMatches.
func ApplyHunks(content string, hunks []Hunk) ApplyResult {
	current := content
	var applied []int
	var failed []FailedHunk

	for idx, hunk := range hunks {
		if hunk.IsNewFile {
			current = strings.Join(hunk.NewLines, "\n")
			applied = append(applied, idx)
			continue
		}

		result, err := applySingleHunk(current, hunk)
		if err == nil {
			current = result
			applied = append(applied, idx)
			continue
		}

		if hunkErr, ok := err.(*hunkApplyError); ok {
			if len(applied) == 0 {
				switch hunkErr.kind {
				case errNoMatch:
					return ApplyResult{Kind: NoMatch, HunkIndex: idx, Suggestion: hunkErr.message}
				case errMultipleMatches:
					return ApplyResult{Kind: MultipleMatches, HunkIndex: idx, Count: hunkErr.count}
				}
			}
			failed = append(failed, FailedHunk{Index: idx, Message: hunkErr.message})
			continue
		}
		failed = append(failed, FailedHunk{Index: idx, Message: err.Error()})
	}

	if len(failed) == 0 {
		return ApplyResult{Kind: Success, NewContent: current, Applied: applied}
	}
	return ApplyResult{Kind: PartialSuccess, NewContent: current, Applied: applied, Failed: failed}
}

type errKind int

const (
	errNoMatch errKind = iota
	errMultipleMatches
)

type hunkApplyError struct {
	kind    errKind
	message string
	count   int
}

func (e *hunkApplyError) Error() string { return e.message }

func applySingleHunk(content string, hunk Hunk) (string, error) {
	if result, ok := tryExact(content, hunk); ok {
		return result, nil
	}
	if result, ok := tryNormalized(content, hunk); ok {
		return result, nil
	}
	return tryFuzzy(content, hunk, fuzzyThreshold)
}

func tryExact(content string, hunk Hunk) (string, bool) {
	oldText := strings.Join(hunk.OldLines, "\n")
	newText := strings.Join(hunk.NewLines, "\n")

	count := strings.Count(content, oldText)
	if count != 1 {
		return "", false
	}
	return strings.Replace(content, oldText, newText, 1), true
}

func tryNormalized(content string, hunk Hunk) (string, bool) {
	normalizedOld := normalizeLines(hunk.OldLines)
	normalizedNew := normalizeLines(hunk.NewLines)

	contentLines := strings.Split(content, "\n")
	windowLen := len(normalizedOld)
	if windowLen == 0 || len(contentLines) < windowLen {
		return "", false
	}

	var matches []int
	for i := 0; i+windowLen <= len(contentLines); i++ {
		if linesEqual(normalizeLines(contentLines[i:i+windowLen]), normalizedOld) {
			matches = append(matches, i)
		}
	}
	if len(matches) != 1 {
		return "", false
	}

	matchIdx := matches[0]
	indent := indentOf(contentLines[matchIdx])

	var result []string
	result = append(result, contentLines[:matchIdx]...)
	for _, line := range normalizedNew {
		if line == "" {
			result = append(result, "")
		} else {
			result = append(result, indent+line)
		}
	}
	result = append(result, contentLines[matchIdx+windowLen:]...)
	return strings.Join(result, "\n"), true
}

func tryFuzzy(content string, hunk Hunk, threshold float64) (string, error) {
	if len(hunk.OldLines) == 0 {
		return "", &hunkApplyError{kind: errNoMatch, message: "empty context, nothing to match"}
	}

	contentLines := strings.Split(content, "\n")
	windowLen := len(hunk.OldLines)
	if len(contentLines) < windowLen {
		return "", &hunkApplyError{kind: errNoMatch, message: noMatchSuggestion(0, threshold, hunk)}
	}

	oldText := strings.Join(hunk.OldLines, "\n")

	type candidate struct {
		idx        int
		similarity float64
	}
	var candidates []candidate
	best := 0.0

	for i := 0; i+windowLen <= len(contentLines); i++ {
		windowText := strings.Join(contentLines[i:i+windowLen], "\n")
		similarity := charSimilarity(oldText, windowText)
		if similarity > best {
			best = similarity
		}
		if similarity >= threshold {
			candidates = append(candidates, candidate{i, similarity})
		}
	}

	switch len(candidates) {
	case 0:
		return "", &hunkApplyError{kind: errNoMatch, message: noMatchSuggestion(best, threshold, hunk)}
	case 1:
		return applyReplacementAt(contentLines, candidates[0].idx, windowLen, hunk.NewLines), nil
	default:
		// Sort descending by similarity (simple insertion sort; candidate
		// lists are small — windows over one hunk's worth of lines).
		for i := 1; i < len(candidates); i++ {
			for j := i; j > 0 && candidates[j].similarity > candidates[j-1].similarity; j-- {
				candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
			}
		}
		bestSim := candidates[0].similarity
		secondSim := candidates[1].similarity
		if bestSim-secondSim > similarityEpsilon {
			return applyReplacementAt(contentLines, candidates[0].idx, windowLen, hunk.NewLines), nil
		}
		return "", &hunkApplyError{kind: errMultipleMatches, count: len(candidates),
			message: fmt.Sprintf("found %d matches, need more context", len(candidates))}
	}
}

func noMatchSuggestion(bestSimilarity, threshold float64, hunk Hunk) string {
	preview := hunk.OldLines
	if len(preview) > 5 {
		preview = preview[:5]
	}
	return fmt.Sprintf(
		"could not find context lines (best fuzzy match: %.0f%%, threshold: %.0f%%). Expected to find:\n%s",
		bestSimilarity*100, threshold*100, strings.Join(preview, "\n"),
	)
}

func applyReplacementAt(contentLines []string, matchIdx, oldLen int, newLines []string) string {
	var result []string
	result = append(result, contentLines[:matchIdx]...)

	indent := ""
	if matchIdx < len(contentLines) {
		indent = indentOf(contentLines[matchIdx])
	}

	for _, newLine := range newLines {
		trimmed := strings.TrimLeft(newLine, " \t")
		if trimmed == "" {
			result = append(result, "")
			continue
		}
		newLineIndent := indentOf(newLine)
		if newLineIndent == "" {
			result = append(result, indent+trimmed)
		} else {
			result = append(result, indent+newLineIndent+trimmed)
		}
	}

	result = append(result, contentLines[matchIdx+oldLen:]...)
	return strings.Join(result, "\n")
}

func indentOf(line string) string {
	i := 0
	for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	return line[:i]
}

func normalizeLines(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = strings.TrimSpace(l)
	}
	return out
}

func linesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// charSimilarity computes a character-level similarity ratio in [0, 1] as
// 2*M/T where M is the longest common subsequence length and T is the
// combined length of both strings.
func charSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	aRunes := []rune(a)
	bRunes := []rune(b)
	total := len(aRunes) + len(bRunes)
	if total == 0 {
		return 1.0
	}
	m := lcsLength(aRunes, bRunes)
	return float64(2*m) / float64(total)
}

// lcsLength computes the longest common subsequence length between two
// rune slices using the standard O(n*m) dynamic-programming table, rolled
// to two rows to bound memory for large fuzzy-match windows.
func lcsLength(a, b []rune) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
