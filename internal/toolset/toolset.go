// Package toolset is the tool registry the agentic loop executes tool
// calls against: file operations, shell execution, patch application, and
// plan updates, plus the write-effect bookkeeping the loop and sub-agent
// executor both rely on.
package toolset

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/symb/internal/diffapply"
	"github.com/xonecas/symb/internal/planmgr"
	"github.com/xonecas/symb/internal/shell"
)

// Definition is one tool's name, description, and input schema, in the
// shape the provider adapter translates into its wire format.
type Definition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Result is what a tool call produces.
type Result struct {
	Text    string
	IsError bool
}

// Handler executes one tool call.
type Handler func(ctx context.Context, args json.RawMessage) (Result, error)

// writeEffectTools is the allowlist of tools whose successful execution
// contributes a path to files_modified.
var writeEffectTools = map[string]bool{
	"write_file": true, "create_file": true, "edit_file": true,
	"delete_file": true, "delete_path": true, "rename_file": true,
	"move_file": true, "move_path": true, "copy_path": true,
	"create_directory": true, "apply_patch": true,
}

// IsWriteEffect reports whether name is a write-effect tool.
func IsWriteEffect(name string) bool { return writeEffectTools[name] }

// WriteEffectPath extracts the affected path from a write-effect tool's
// arguments for files_modified bookkeeping. apply_patch instead reads the
// "*** Update File:" / "*** Add File:" marker from its patch body.
func WriteEffectPath(name string, args json.RawMessage) string {
	if name == "apply_patch" {
		var a struct {
			Patch string `json:"patch"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return ""
		}
		for _, fh := range diffapply.ParseUnifiedDiff(a.Patch) {
			return fh.Path
		}
		return ""
	}
	var a struct {
		Path        string `json:"path"`
		To          string `json:"to"`
		Destination string `json:"destination"`
	}
	_ = json.Unmarshal(args, &a)
	switch name {
	case "rename_file", "move_file", "move_path", "copy_path":
		// The destination is the path that ends up modified.
		if a.To != "" {
			return a.To
		}
		return a.Destination
	default:
		return a.Path
	}
}

// Registry holds tool definitions and handlers, plus the workspace root
// file operations are confined to.
type Registry struct {
	workspaceRoot string
	defs          []Definition
	handlers      map[string]Handler
	planManager   *planmgr.Manager
}

// NewRegistry builds the default registry rooted at workspaceRoot.
func NewRegistry(workspaceRoot string, plan *planmgr.Manager) *Registry {
	r := &Registry{
		workspaceRoot: workspaceRoot,
		handlers:      make(map[string]Handler),
		planManager:   plan,
	}
	r.registerFileTools()
	r.registerShellTool()
	r.registerPatchTool()
	r.registerPlanTool()
	return r
}

// Definitions returns every registered tool's definition, in registration order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Filtered returns the subset of definitions whose names are in allowed,
// the sub-agent executor's tool intersection.
func (r *Registry) Filtered(allowed map[string]bool) []Definition {
	var out []Definition
	for _, d := range r.defs {
		if allowed[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// Call executes one tool by name.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	h, ok := r.handlers[name]
	if !ok {
		return Result{Text: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
	return h(ctx, args)
}

func (r *Registry) register(def Definition, h Handler) {
	r.defs = append(r.defs, def)
	r.handlers[def.Name] = h
}

func (r *Registry) resolvePath(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	abs := rel
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(r.workspaceRoot, rel)
	}
	cleaned := filepath.Clean(abs)
	if cleaned != r.workspaceRoot && !isSubdir(cleaned, r.workspaceRoot) {
		return "", fmt.Errorf("path escapes workspace root: %s", rel)
	}
	return cleaned, nil
}

func isSubdir(dir, root string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	return rel != ".." && !filepathHasDotDotPrefix(rel)
}

func filepathHasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}

// --- file tools -------------------------------------------------------

type pathArgs struct {
	Path string `json:"path"`
}

func schema(props string, required ...string) json.RawMessage {
	req, _ := json.Marshal(required)
	return json.RawMessage(fmt.Sprintf(`{"type":"object","properties":{%s},"required":%s}`, props, req))
}

func (r *Registry) registerFileTools() {
	r.register(Definition{
		Name:        "read_file",
		Description: "Read the contents of a file in the workspace.",
		InputSchema: schema(`"path":{"type":"string","description":"Path relative to the workspace root"}`, "path"),
	}, func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var a pathArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		abs, err := r.resolvePath(a.Path)
		if err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		return Result{Text: string(data)}, nil
	})

	type writeArgs struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	r.register(Definition{
		Name:        "write_file",
		Description: "Write (overwrite) a file's full contents, creating it if needed.",
		InputSchema: schema(`"path":{"type":"string"},"content":{"type":"string"}`, "path", "content"),
	}, func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var a writeArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		abs, err := r.resolvePath(a.Path)
		if err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		if err := os.WriteFile(abs, []byte(a.Content), 0o644); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		return Result{Text: fmt.Sprintf("wrote %s", a.Path)}, nil
	})

	r.register(Definition{
		Name:        "create_file",
		Description: "Create a new file with the given contents; fails if the file already exists.",
		InputSchema: schema(`"path":{"type":"string"},"content":{"type":"string"}`, "path", "content"),
	}, func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var a writeArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		abs, err := r.resolvePath(a.Path)
		if err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		if _, err := os.Stat(abs); err == nil {
			return Result{Text: fmt.Sprintf("file already exists: %s", a.Path), IsError: true}, nil
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		if err := os.WriteFile(abs, []byte(a.Content), 0o644); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		return Result{Text: fmt.Sprintf("created %s", a.Path)}, nil
	})

	type editArgs struct {
		Path    string `json:"path"`
		Search  string `json:"search"`
		Replace string `json:"replace"`
	}
	r.register(Definition{
		Name:        "edit_file",
		Description: "Replace one exact occurrence of a search string in a file. The search text must match exactly once; include surrounding lines to disambiguate.",
		InputSchema: schema(`"path":{"type":"string"},"search":{"type":"string"},"replace":{"type":"string"}`, "path", "search", "replace"),
	}, func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var a editArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		if a.Search == "" {
			return Result{Text: "search text is required", IsError: true}, nil
		}
		abs, err := r.resolvePath(a.Path)
		if err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		content := string(data)
		switch n := strings.Count(content, a.Search); n {
		case 0:
			return Result{Text: fmt.Sprintf("search text not found in %s", a.Path), IsError: true}, nil
		case 1:
		default:
			return Result{Text: fmt.Sprintf("search text matches %d locations in %s; add more context", n, a.Path), IsError: true}, nil
		}
		updated := strings.Replace(content, a.Search, a.Replace, 1)
		if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		return Result{Text: fmt.Sprintf("edited %s", a.Path)}, nil
	})

	r.register(Definition{
		Name:        "delete_file",
		Description: "Delete a single file (not a directory).",
		InputSchema: schema(`"path":{"type":"string"}`, "path"),
	}, func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var a pathArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		abs, err := r.resolvePath(a.Path)
		if err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		info, err := os.Stat(abs)
		if err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		if info.IsDir() {
			return Result{Text: fmt.Sprintf("%s is a directory; use delete_path", a.Path), IsError: true}, nil
		}
		if err := os.Remove(abs); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		return Result{Text: fmt.Sprintf("deleted %s", a.Path)}, nil
	})

	r.register(Definition{
		Name:        "create_directory",
		Description: "Create a directory, including any missing parents.",
		InputSchema: schema(`"path":{"type":"string"}`, "path"),
	}, func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var a pathArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		abs, err := r.resolvePath(a.Path)
		if err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		return Result{Text: fmt.Sprintf("created %s", a.Path)}, nil
	})

	r.register(Definition{
		Name:        "delete_path",
		Description: "Delete a file or directory (recursively).",
		InputSchema: schema(`"path":{"type":"string"}`, "path"),
	}, func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var a pathArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		abs, err := r.resolvePath(a.Path)
		if err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		if err := os.RemoveAll(abs); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		return Result{Text: fmt.Sprintf("deleted %s", a.Path)}, nil
	})

	type moveArgs struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	r.register(Definition{
		Name:        "move_path",
		Description: "Move or rename a file or directory.",
		InputSchema: schema(`"from":{"type":"string"},"to":{"type":"string"}`, "from", "to"),
	}, func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var a moveArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		from, err := r.resolvePath(a.From)
		if err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		to, err := r.resolvePath(a.To)
		if err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		if err := os.Rename(from, to); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		return Result{Text: fmt.Sprintf("moved %s -> %s", a.From, a.To)}, nil
	})

	// rename_file and move_file are the single-file variants of move_path:
	// same rename underneath, but the source must be an existing file.
	moveFileHandler := func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var a moveArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		from, err := r.resolvePath(a.From)
		if err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		to, err := r.resolvePath(a.To)
		if err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		info, err := os.Stat(from)
		if err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		if info.IsDir() {
			return Result{Text: fmt.Sprintf("%s is a directory; use move_path", a.From), IsError: true}, nil
		}
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		if err := os.Rename(from, to); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		return Result{Text: fmt.Sprintf("moved %s -> %s", a.From, a.To)}, nil
	}
	r.register(Definition{
		Name:        "rename_file",
		Description: "Rename a file.",
		InputSchema: schema(`"from":{"type":"string"},"to":{"type":"string"}`, "from", "to"),
	}, moveFileHandler)
	r.register(Definition{
		Name:        "move_file",
		Description: "Move a file to a new location.",
		InputSchema: schema(`"from":{"type":"string"},"to":{"type":"string"}`, "from", "to"),
	}, moveFileHandler)

	r.register(Definition{
		Name:        "copy_path",
		Description: "Copy a file or directory (recursively) to a new location.",
		InputSchema: schema(`"from":{"type":"string"},"to":{"type":"string"}`, "from", "to"),
	}, func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var a moveArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		from, err := r.resolvePath(a.From)
		if err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		to, err := r.resolvePath(a.To)
		if err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		if err := copyTree(from, to); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		return Result{Text: fmt.Sprintf("copied %s -> %s", a.From, a.To)}, nil
	})

	r.register(Definition{
		Name:        "list_directory",
		Description: "List the entries of a directory in the workspace.",
		InputSchema: schema(`"path":{"type":"string","description":"Path relative to the workspace root; empty lists the root"}`),
	}, func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var a pathArgs
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &a); err != nil {
				return Result{Text: err.Error(), IsError: true}, nil
			}
		}
		abs := r.workspaceRoot
		if a.Path != "" {
			var err error
			abs, err = r.resolvePath(a.Path)
			if err != nil {
				return Result{Text: err.Error(), IsError: true}, nil
			}
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		names := make([]string, len(entries))
		for i, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names[i] = name
		}
		encoded, _ := json.Marshal(map[string][]string{"entries": names})
		return Result{Text: string(encoded)}, nil
	})
}

// copyTree copies a file, or a directory and everything under it, from src
// to dst, creating dst's parents as needed.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, data, info.Mode().Perm())
	}

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// --- shell tool ---------------------------------------------------------

const (
	maxShellOutputChars = 30000
	maxShellTimeoutSec  = 600
)

func (r *Registry) registerShellTool() {
	sh := shell.New(r.workspaceRoot, shell.DefaultBlockFuncs())

	type shellArgs struct {
		Command string `json:"command"`
		Cmd     string `json:"cmd"` // accepted alias, rewritten to command
		Timeout int    `json:"timeout,omitempty"`
	}
	r.register(Definition{
		Name:        "run_pty_cmd",
		Description: "Execute a shell command in a persistent in-process interpreter anchored to the workspace root.",
		InputSchema: schema(`"command":{"type":"string"},"timeout":{"type":"integer","description":"seconds, default 60"}`, "command"),
	}, func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var a shellArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		if a.Command == "" {
			a.Command = a.Cmd
		}
		timeout := 60
		if a.Timeout > 0 && a.Timeout < maxShellTimeoutSec {
			timeout = a.Timeout
		}
		cctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()

		stdout, stderr, execErr := sh.Exec(cctx, a.Command)
		exitCode := shell.ExitCode(execErr)

		output := stdout
		if stderr != "" {
			output += stderr
		}
		if cctx.Err() != nil {
			output += "[timed out]\n"
		}
		if exitCode != 0 {
			output += fmt.Sprintf("[exit code: %d]\n", exitCode)
		}
		if output == "" {
			output = "(no output)\n"
		}
		if len([]rune(output)) > maxShellOutputChars {
			output = truncateMiddle(output, maxShellOutputChars)
		}
		return Result{Text: output, IsError: exitCode != 0}, nil
	})
}

func truncateMiddle(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	half := maxChars / 2
	return string(runes[:half]) + "\n\n... [truncated] ...\n\n" + string(runes[len(runes)-half:])
}

// --- apply_patch --------------------------------------------------------

func (r *Registry) registerPatchTool() {
	type patchArgs struct {
		Patch string `json:"patch"`
	}
	r.register(Definition{
		Name:        "apply_patch",
		Description: "Apply a unified-diff patch (one or more '*** Update File:'/'*** Add File:' sections) to workspace files.",
		InputSchema: schema(`"patch":{"type":"string"}`, "patch"),
	}, func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var a patchArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		files := diffapply.ParseUnifiedDiff(a.Patch)
		if len(files) == 0 {
			return Result{Text: "no file sections found in patch", IsError: true}, nil
		}

		var applied, failed []string
		for _, fh := range files {
			abs, err := r.resolvePath(fh.Path)
			if err != nil {
				failed = append(failed, fmt.Sprintf("%s: %v", fh.Path, err))
				continue
			}
			res, err := diffapply.ApplyFile(abs, fh)
			if err != nil {
				failed = append(failed, fmt.Sprintf("%s: %v", fh.Path, err))
				continue
			}
			switch res.Kind {
			case diffapply.Success:
				applied = append(applied, fh.Path)
			case diffapply.PartialSuccess:
				applied = append(applied, fh.Path)
				failed = append(failed, fmt.Sprintf("%s: %d hunk(s) failed", fh.Path, len(res.Failed)))
			case diffapply.NoMatch:
				failed = append(failed, fmt.Sprintf("%s: no match for hunk %d: %s", fh.Path, res.HunkIndex, res.Suggestion))
			case diffapply.MultipleMatches:
				failed = append(failed, fmt.Sprintf("%s: %d ambiguous matches for hunk %d", fh.Path, res.Count, res.HunkIndex))
			}
		}

		isErr := len(applied) == 0 && len(failed) > 0
		text := formatPatchSummary(applied, failed)
		return Result{Text: text, IsError: isErr}, nil
	})
}

func formatPatchSummary(applied, failed []string) string {
	out := ""
	if len(applied) > 0 {
		out += "Files changed:\n"
		for _, f := range applied {
			out += "  " + f + "\n"
		}
	}
	if len(failed) > 0 {
		out += "Files failed:\n"
		for _, f := range failed {
			out += "  " + f + "\n"
		}
	}
	if out == "" {
		out = "no changes applied\n"
	}
	return out
}

// --- update_plan ---------------------------------------------------------

func (r *Registry) registerPlanTool() {
	type stepArg struct {
		Description string `json:"description"`
		Status      string `json:"status"`
	}
	type updateArgs struct {
		Explanation string    `json:"explanation"`
		Steps       []stepArg `json:"steps"`
	}
	r.register(Definition{
		Name:        "update_plan",
		Description: "Replace the current task plan with a new ordered list of steps.",
		InputSchema: schema(`"explanation":{"type":"string"},"steps":{"type":"array","items":{"type":"object","properties":{"description":{"type":"string"},"status":{"type":"string","enum":["pending","in_progress","completed"]}}}}`, "steps"),
	}, func(ctx context.Context, raw json.RawMessage) (Result, error) {
		if r.planManager == nil {
			return Result{Text: "plan manager not configured", IsError: true}, nil
		}
		var a updateArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		steps := make([]planmgr.Step, len(a.Steps))
		for i, s := range a.Steps {
			steps[i] = planmgr.Step{Description: s.Description, Status: planmgr.StepStatus(s.Status)}
		}
		plan, err := r.planManager.UpdatePlan(planmgr.UpdateArgs{Explanation: a.Explanation, Steps: steps})
		if err != nil {
			return Result{Text: err.Error(), IsError: true}, nil
		}
		log.Debug().Uint64("version", plan.Version).Int("total", plan.Summary.Total).Msg("plan updated")
		return Result{Text: fmt.Sprintf("plan updated (v%d): %d/%d steps complete", plan.Version, plan.Summary.Completed, plan.Summary.Total)}, nil
	})
}
