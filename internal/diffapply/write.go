package diffapply

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
)

// ApplyFile applies one file's hunks against disk content and writes the
// result back. New-file hunks create parent directories and write the
// joined new lines directly, bypassing the matcher.
func ApplyFile(absPath string, fh FileHunks) (ApplyResult, error) {
	if fh.IsNewFile {
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return ApplyResult{}, fmt.Errorf("create parent directories: %w", err)
		}
		content := ""
		for _, h := range fh.Hunks {
			content += joinLines(h.NewLines)
		}
		if err := os.WriteFile(absPath, []byte(content), 0o600); err != nil {
			return ApplyResult{}, fmt.Errorf("write new file: %w", err)
		}
		return ApplyResult{Kind: Success, NewContent: content, UnifiedDiff: unifiedDiff(absPath, "", content)}, nil
	}

	existing, err := os.ReadFile(absPath)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("read %s: %w", absPath, err)
	}

	result := ApplyHunks(string(existing), fh.Hunks)
	if result.Kind == Success || result.Kind == PartialSuccess {
		if err := os.WriteFile(absPath, []byte(result.NewContent), 0o600); err != nil {
			return result, fmt.Errorf("write %s: %w", absPath, err)
		}
		result.UnifiedDiff = unifiedDiff(absPath, string(existing), result.NewContent)
	}
	return result, nil
}

// unifiedDiff renders a before/after unified diff with gotextdiff's Myers
// implementation, the same diffing groundwork the fuzzy matcher's
// similarity scoring is modeled on.
func unifiedDiff(path, before, after string) string {
	edits := myers.ComputeEdits(span.URIFromPath(path), before, after)
	return fmt.Sprint(gotextdiff.ToUnified(path, path, before, edits))
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
