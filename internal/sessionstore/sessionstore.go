// Package sessionstore persists one agentic-loop session to disk as a
// forward-compatible JSON snapshot, with small companion files carrying
// side-state keyed by the session file path.
package sessionstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/symb/internal/message"
)

// Metadata describes the session's immutable-ish launch context.
type Metadata struct {
	WorkspaceLabel  string `json:"workspace_label"`
	WorkspacePath   string `json:"workspace_path"`
	Model           string `json:"model"`
	Provider        string `json:"provider"`
	Theme           string `json:"theme,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

// Entry is one role-tagged persisted message.
type Entry struct {
	Role        string `json:"role"` // user, assistant, system, tool
	Content     string `json:"content"`
	ToolCallID  string `json:"tool_call_id,omitempty"`
	ToolName    string `json:"tool_name,omitempty"`
	TokensUsed  *int   `json:"tokens_used,omitempty"`
}

// Snapshot is the full forward-compatible on-disk representation. New
// optional fields must follow the same omitempty/pointer convention so
// older readers degrade gracefully and older files deserialize cleanly
// into newer code.
type Snapshot struct {
	SessionID   string    `json:"session_id"`
	Metadata    Metadata  `json:"metadata"`
	Entries     []Entry   `json:"entries"`
	Transcript  []string  `json:"transcript"`
	ToolsUsed   []string  `json:"tools_used"`
	TotalTokens *int      `json:"total_tokens,omitempty"`
	AgentMode   string    `json:"agent_mode,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Archive is a handle over one session file. save() may be called
// repeatedly; finalize() consumes the handle.
type Archive struct {
	path     string
	snapshot Snapshot
	toolSet  map[string]struct{}
	finalized bool
}

// New creates a fresh archive for a newly started session. path is the
// full file path the snapshot will be written to.
func New(path, sessionID string, meta Metadata) *Archive {
	now := time.Now()
	return &Archive{
		path: path,
		snapshot: Snapshot{
			SessionID: sessionID,
			Metadata:  meta,
			CreatedAt: now,
			UpdatedAt: now,
		},
		toolSet: make(map[string]struct{}),
	}
}

// AppendEntry records one message and, for tool entries, tracks the tool
// name in the distinct-tools-used set.
func (a *Archive) AppendEntry(e Entry) {
	a.snapshot.Entries = append(a.snapshot.Entries, e)
	if e.Role == "tool" && e.ToolName != "" {
		if _, seen := a.toolSet[e.ToolName]; !seen {
			a.toolSet[e.ToolName] = struct{}{}
			a.snapshot.ToolsUsed = append(a.snapshot.ToolsUsed, e.ToolName)
		}
	}
}

// AppendTranscriptLine appends one human-readable summary line.
func (a *Archive) AppendTranscriptLine(line string) {
	a.snapshot.Transcript = append(a.snapshot.Transcript, line)
}

// SetTotalTokens records the session's cumulative token usage.
func (a *Archive) SetTotalTokens(n int) {
	a.snapshot.TotalTokens = &n
}

// SetAgentMode records the current agent mode for restoration.
func (a *Archive) SetAgentMode(mode string) {
	a.snapshot.AgentMode = mode
}

// save writes a complete snapshot without ending the session. Idempotent:
// calling it repeatedly overwrites the same file via an atomic rename so a
// crash mid-write never corrupts the prior snapshot.
func (a *Archive) save() error {
	a.snapshot.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(a.snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session snapshot: %w", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		return fmt.Errorf("commit session snapshot: %w", err)
	}
	return nil
}

// Save persists the current state. May be called after every message.
func (a *Archive) Save() error {
	if a.finalized {
		return fmt.Errorf("sessionstore: archive already finalized")
	}
	if err := a.save(); err != nil {
		log.Warn().Err(err).Str("path", a.path).Msg("failed to save session")
		return err
	}
	return nil
}

// Finalize is equivalent to Save but consumes the archive so it can no
// longer be updated.
func (a *Archive) Finalize() error {
	if a.finalized {
		return fmt.Errorf("sessionstore: archive already finalized")
	}
	err := a.save()
	a.finalized = true
	return err
}

// SidecarPath returns the companion path storing the linked scratch-session id.
func SidecarPath(sessionPath string) string { return sessionPath + ".sidecar" }

// ModePath returns the companion path storing the agent mode string.
func ModePath(sessionPath string) string { return sessionPath + ".mode" }

// WriteSidecar stores the linked scratch-session id alongside the session file.
func WriteSidecar(sessionPath, scratchSessionID string) error {
	return os.WriteFile(SidecarPath(sessionPath), []byte(scratchSessionID), 0o600)
}

// ReadSidecar reads back the linked scratch-session id, if any.
func ReadSidecar(sessionPath string) (string, bool) {
	data, err := os.ReadFile(SidecarPath(sessionPath))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// WriteMode stores the agent mode string alongside the session file.
func WriteMode(sessionPath, mode string) error {
	return os.WriteFile(ModePath(sessionPath), []byte(mode), 0o600)
}

// ReadMode reads back the agent mode string, if any.
func ReadMode(sessionPath string) (string, bool) {
	data, err := os.ReadFile(ModePath(sessionPath))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Load reads a session snapshot back from disk.
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read session snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal session snapshot: %w", err)
	}
	return s, nil
}

// Restore maps persisted entries back into conversation history's
// block-structured form. system entries are dropped (they shape the
// preamble, not the replayed history); tool entries are dropped (their
// effect is already embedded in subsequent assistant text); user and
// assistant entries become single-text-block messages.
func Restore(s Snapshot) message.History {
	var hist message.History
	for _, e := range s.Entries {
		switch e.Role {
		case "user":
			hist = append(hist, message.NewUserText(e.Content))
		case "assistant":
			hist = append(hist, message.NewAssistantText(e.Content))
		default:
			// system, tool: not replayed into history.
		}
	}
	return hist
}

// Summary is a listing-friendly preview of one archived session.
type Summary struct {
	SessionID    string
	UpdatedAt    time.Time
	FirstPrompt  string
	FirstReply   string
	Status       string
	Title        string
}

// stripContextTags removes the XML context scaffolding the loop injects
// into the first user turn (<context>, <cwd>, <session_id>) so listings
// show only what the user actually typed.
func stripContextTags(s string) string {
	for _, tag := range []string{"context", "cwd", "session_id"} {
		s = stripTag(s, tag)
	}
	return strings.TrimSpace(s)
}

func stripTag(s, tag string) string {
	open := "<" + tag + ">"
	closeTag := "</" + tag + ">"
	for {
		start := strings.Index(s, open)
		if start < 0 {
			return s
		}
		end := strings.Index(s[start:], closeTag)
		if end < 0 {
			return s
		}
		s = s[:start] + s[start+end+len(closeTag):]
	}
}

// Preview builds a listing Summary from a loaded snapshot.
func Preview(s Snapshot) Summary {
	sum := Summary{SessionID: s.SessionID, UpdatedAt: s.UpdatedAt}
	for _, e := range s.Entries {
		if e.Role == "user" && sum.FirstPrompt == "" {
			sum.FirstPrompt = truncatePreview(stripContextTags(e.Content), 80)
		}
		if e.Role == "assistant" && sum.FirstReply == "" {
			sum.FirstReply = truncatePreview(e.Content, 80)
		}
		if sum.FirstPrompt != "" && sum.FirstReply != "" {
			break
		}
	}
	return sum
}

func truncatePreview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
