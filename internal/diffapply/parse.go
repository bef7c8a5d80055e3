package diffapply

import "strings"

// FileHunks groups the hunks destined for one file path, as extracted from
// a coder sub-agent's unified-diff text.
type FileHunks struct {
	Path      string
	IsNewFile bool
	Hunks     []Hunk
}

// ParseUnifiedDiff scans text for "*** Update File: <path>" / "*** Add File:
// <path>" markers followed by "@@ ... @@" hunk bodies, in the conventional
// unified-diff shape the coder sub-agent is prompted to emit. Lines
// beginning with "-" are old content, "+" are new content, and a leading
// space or an empty line is shared context kept in both old and new; any
// other line ends the current hunk.
func ParseUnifiedDiff(text string) []FileHunks {
	lines := strings.Split(text, "\n")
	var files []FileHunks
	var cur *FileHunks
	var hunk *Hunk
	inHunk := false

	flushHunk := func() {
		if hunk != nil && cur != nil {
			cur.Hunks = append(cur.Hunks, *hunk)
		}
		hunk = nil
		inHunk = false
	}
	flushFile := func() {
		flushHunk()
		if cur != nil {
			files = append(files, *cur)
		}
		cur = nil
	}

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "*** Update File:"):
			flushFile()
			path := strings.TrimSpace(strings.TrimPrefix(line, "*** Update File:"))
			cur = &FileHunks{Path: path}
		case strings.HasPrefix(line, "*** Add File:"):
			flushFile()
			path := strings.TrimSpace(strings.TrimPrefix(line, "*** Add File:"))
			cur = &FileHunks{Path: path, IsNewFile: true}
		case strings.HasPrefix(line, "@@"):
			flushHunk()
			hunk = &Hunk{IsNewFile: cur != nil && cur.IsNewFile}
			inHunk = true
		case inHunk && strings.HasPrefix(line, "-"):
			hunk.OldLines = append(hunk.OldLines, strings.TrimPrefix(line, "-"))
		case inHunk && strings.HasPrefix(line, "+"):
			hunk.NewLines = append(hunk.NewLines, strings.TrimPrefix(line, "+"))
		case inHunk && strings.HasPrefix(line, " "):
			ctx := strings.TrimPrefix(line, " ")
			hunk.OldLines = append(hunk.OldLines, ctx)
			hunk.NewLines = append(hunk.NewLines, ctx)
			if hunk.ContextAnchor == "" {
				hunk.ContextAnchor = ctx
			}
		case inHunk && line == "":
			hunk.OldLines = append(hunk.OldLines, "")
			hunk.NewLines = append(hunk.NewLines, "")
		default:
			// Anything else (e.g. "*** End Patch" markers, prose outside a
			// hunk) ends the current hunk without ending the current file.
			flushHunk()
		}
	}
	flushFile()

	return files
}
