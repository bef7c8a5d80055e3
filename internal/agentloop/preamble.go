package agentloop

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AgentMode selects the system preamble and HITL behavior for a turn.
type AgentMode string

const (
	ModeDefault     AgentMode = "default"
	ModeAutoApprove AgentMode = "auto-approve"
	ModePlanning    AgentMode = "planning"
)

const basePreamble = `You are an interactive coding assistant operating against a real workspace. You may read and write files, run shell commands, and call tools to accomplish the user's request. Work in small verifiable steps and report what changed.`

const planningAddendum = `You are in planning mode: prefer using update_plan to lay out your approach before making changes, and keep it current as steps complete.`

// BuildPreamble assembles the system preamble for one turn: the base
// instructions, the current agent mode's addendum, the workspace path,
// and the contents of an AGENTS.md memory file if present.
func BuildPreamble(mode AgentMode, workspace string) string {
	parts := []string{basePreamble}
	if mode == ModePlanning {
		parts = append(parts, planningAddendum)
	}
	if workspace != "" {
		parts = append(parts, fmt.Sprintf("Current workspace: %s", workspace))
	}
	if mem := loadMemoryFile(workspace); mem != "" {
		parts = append(parts, "Project instructions:\n"+mem)
	}
	return strings.Join(parts, "\n\n")
}

// loadMemoryFile reads AGENTS.md from the workspace root, if present.
func loadMemoryFile(workspace string) string {
	if workspace == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(workspace, "AGENTS.md"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
