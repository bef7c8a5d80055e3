// Package pathcomplete implements fuzzy-ranked filesystem path completion
// for the agentic loop's "@file" and shell-argument completion surfaces.
package pathcomplete

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// EntryType discriminates what kind of filesystem entry a Completion names.
type EntryType int

const (
	EntryFile EntryType = iota
	EntryDirectory
	EntrySymlink
)

// Completion is one ranked candidate.
type Completion struct {
	Name         string
	InsertText   string
	EntryType    EntryType
	Score        int
	MatchIndices []int
	modTime      time.Time
}

// Result is the full response to one completion request.
type Result struct {
	Completions []Completion
	TotalCount  int
}

// Complete resolves partialPath against workingDir, lists the resolved
// search directory, fuzzy-scores entries against the extracted prefix, and
// returns up to limit ranked completions.
func Complete(partialPath, workingDir string, limit int) (Result, error) {
	searchDir, prefix, leadingInsert := resolveInput(partialPath, workingDir)

	entries, err := os.ReadDir(searchDir)
	if err != nil {
		return Result{}, err
	}

	showHidden := strings.HasPrefix(prefix, ".")

	var candidates []Completion
	for _, e := range entries {
		name := e.Name()
		if !showHidden && strings.HasPrefix(name, ".") {
			continue
		}

		score, indices, ok := 0, []int(nil), true
		if prefix != "" {
			score, indices, ok = fuzzyScore(prefix, name)
			if !ok {
				continue
			}
		}

		entryType := EntryFile
		if e.Type()&os.ModeSymlink != 0 {
			entryType = EntrySymlink
		} else if e.IsDir() {
			entryType = EntryDirectory
		}

		displayName := name
		insertText := leadingInsert + name
		if entryType == EntryDirectory {
			displayName += string(filepath.Separator)
			insertText += string(filepath.Separator)
		}

		var modTime time.Time
		if info, err := e.Info(); err == nil {
			modTime = info.ModTime()
		}

		candidates = append(candidates, Completion{
			Name:         displayName,
			InsertText:   insertText,
			EntryType:    entryType,
			Score:        score,
			MatchIndices: indices,
			modTime:      modTime,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		aDir := a.EntryType == EntryDirectory
		bDir := b.EntryType == EntryDirectory
		if aDir != bDir {
			return aDir
		}
		aLower, bLower := strings.ToLower(a.Name), strings.ToLower(b.Name)
		if aLower != bLower {
			return aLower < bLower
		}
		// Final tie-break: most-recently-modified first.
		return a.modTime.After(b.modTime)
	})

	total := len(candidates)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	return Result{Completions: candidates, TotalCount: total}, nil
}

// resolveInput parses partial into (search_dir, prefix, leading_insert).
// leading_insert is the directory
// portion of the original input that must be preserved ahead of the
// completed final segment in InsertText.
func resolveInput(partial, workingDir string) (searchDir, prefix, leadingInsert string) {
	if partial == "" {
		return workingDir, "", ""
	}

	expanded := expandTilde(partial)

	if strings.HasSuffix(expanded, string(filepath.Separator)) || strings.HasSuffix(expanded, "/") {
		dir := resolveDir(expanded, workingDir)
		return dir, "", expanded
	}

	base := filepath.Base(expanded)
	if base == "." || base == ".." {
		dir := resolveDir(filepath.Dir(expanded), workingDir)
		return dir, expanded, ""
	}

	dirPart := filepath.Dir(expanded)
	dir := resolveDir(dirPart, workingDir)

	leading := ""
	if idx := strings.LastIndexAny(partial, "/"); idx >= 0 {
		leading = partial[:idx+1]
	}
	return dir, base, leading
}

func resolveDir(dir, workingDir string) string {
	if dir == "" || dir == "." {
		return workingDir
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(workingDir, dir)
}

func expandTilde(p string) string {
	if p == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// fuzzyScore reports whether every rune of pattern appears in name as a
// (not necessarily contiguous) subsequence, case-insensitively unless
// pattern itself contains an uppercase rune (smart case). Denser, earlier,
// and contiguous matches score higher.
func fuzzyScore(pattern, name string) (int, []int, bool) {
	smartCase := strings.ToLower(pattern) != pattern
	p := pattern
	n := name
	if !smartCase {
		p = strings.ToLower(p)
		n = strings.ToLower(n)
	}

	pr := []rune(p)
	nr := []rune(n)

	indices := make([]int, 0, len(pr))
	score := 0
	ni := 0
	prevMatched := -2
	for _, pc := range pr {
		found := false
		for ; ni < len(nr); ni++ {
			if nr[ni] == pc {
				indices = append(indices, ni)
				if ni == prevMatched+1 {
					score += 5 // contiguous run bonus
				} else {
					score += 1
				}
				if ni == 0 {
					score += 3 // start-of-name bonus
				}
				prevMatched = ni
				ni++
				found = true
				break
			}
		}
		if !found {
			return 0, nil, false
		}
	}

	// Reward shorter overall names for the same match quality.
	score += max(0, 20-len(nr))
	return score, indices, true
}
