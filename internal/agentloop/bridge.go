// Package agentloop implements the top-level agentic turn orchestrator:
// it streams model output, reassembles tool calls, gates execution
// through a loop detector and an approval policy, executes tools, and
// repeats until a turn produces no further tool calls.
package agentloop

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/symb/internal/contextmgr"
	"github.com/xonecas/symb/internal/event"
	"github.com/xonecas/symb/internal/historyconv"
	"github.com/xonecas/symb/internal/message"
	"github.com/xonecas/symb/internal/planmgr"
	"github.com/xonecas/symb/internal/policy"
	"github.com/xonecas/symb/internal/providerapi"
	"github.com/xonecas/symb/internal/sessionstore"
	"github.com/xonecas/symb/internal/streamreassemble"
	"github.com/xonecas/symb/internal/toolset"
)

// SubAgentOutcome is what a SubAgentRunner reports back to the loop.
type SubAgentOutcome struct {
	Success       bool
	Response      string
	FilesModified []string
}

// SubAgentRunner dispatches a run_sub_agent tool call to the sub-agent
// executor, outside this package to avoid an import cycle.
type SubAgentRunner func(ctx context.Context, defID, task, contextSummary string, depth int) (SubAgentOutcome, error)

// Config wires one Bridge's collaborators.
type Config struct {
	Provider providerapi.Provider
	Model    string

	Tools       *toolset.Registry
	ContextMgr  *contextmgr.Manager
	PlanMgr     *planmgr.Manager
	ToolPolicy  *policy.ToolPolicy
	LoopDetect  *policy.LoopDetector
	Approvals   *policy.PendingApprovals
	Bus         *event.Bus
	Archive     *sessionstore.Archive
	SubAgent    SubAgentRunner // nil disables run_sub_agent

	Workspace     string
	AgentMode     AgentMode
	MaxIterations int // default 60
	Depth         int // 0 for the root bridge
}

// Bridge owns one session's conversation history and turn state. It is
// mutated only from the turn-processing goroutine; approval responses
// arrive through the Approvals tracker's own small critical section.
type Bridge struct {
	cfg Config

	History         message.History
	compactionState contextmgr.CompactionState
	lastUsage       usageInfo

	// FilesModified records paths touched by successful write-effect tool
	// calls this session, deduplicated in insertion order.
	FilesModified []string
	filesSeen     map[string]bool

	// abortRequested is set by a deny_and_abort HITL response; the loop
	// checks it at the top of each iteration. ProcessTurn clears it.
	abortRequested bool
}

// New constructs a Bridge. cfg.MaxIterations defaults to 60 when zero.
func New(cfg Config) *Bridge {
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 60
	}
	if cfg.AgentMode == "" {
		cfg.AgentMode = ModeDefault
	}
	return &Bridge{cfg: cfg, filesSeen: make(map[string]bool)}
}

func (b *Bridge) publish(e event.Event) {
	if b.cfg.Bus != nil {
		b.cfg.Bus.Publish(e)
	}
}

func newTurnID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// ProcessTurn runs one user turn to completion: it appends userText to
// history, then iterates provider calls and tool executions until a turn
// produces no tool calls, the iteration cap forces a closing summary, the
// context is exceeded past recovery, or ctx is cancelled.
func (b *Bridge) ProcessTurn(ctx context.Context, userText string) (string, error) {
	turnID := newTurnID()
	start := time.Now()
	b.abortRequested = false
	b.publish(event.Started(turnID))

	preamble := BuildPreamble(b.cfg.AgentMode, b.cfg.Workspace)

	b.History = append(b.History, message.NewUserText(userText))
	b.saveUserTurn(userText)

	b.compactionState.ResetTurn()
	if b.cfg.ContextMgr != nil {
		b.cfg.ContextMgr.UpdateFromMessages(b.History)
		if check := b.cfg.ContextMgr.ShouldCompact(b.compactionState, b.cfg.Model); check.ShouldCompact {
			b.compactionState.MarkAttempted()
			b.compact()
		}
		enforcement := b.cfg.ContextMgr.EnforceContextWindow(b.History)
		if enforcement.PrunedInfo != nil {
			b.History = enforcement.Messages
			b.publish(event.Event{Kind: event.KindContextPruned, TurnID: turnID})
		} else if enforcement.WarningInfo != nil {
			b.publish(event.Event{Kind: event.KindContextWarning, TurnID: turnID})
		}
		if b.cfg.ContextMgr.IsContextExceeded(b.compactionState, b.cfg.Model) {
			err := fmt.Errorf("context exceeded")
			b.publish(event.Event{Kind: event.KindError, TurnID: turnID, Err: err})
			return "", err
		}
	}

	response, err := b.runIterations(ctx, turnID, preamble)
	if err != nil {
		b.publish(event.Event{Kind: event.KindError, TurnID: turnID, Err: err})
		return response, err
	}

	b.publish(event.Completed(response, b.lastUsage.InputTokens, b.lastUsage.OutputTokens, time.Since(start)))
	return response, nil
}

// compact runs the pre-turn compaction pass. The core engine models this
// as an aggressive prune rather than a second LLM-driven summarization
// call — see DESIGN.md "compaction routine" for the rationale.
func (b *Bridge) compact() {
	if b.cfg.ContextMgr == nil {
		return
	}
	enforcement := b.cfg.ContextMgr.EnforceContextWindow(b.History)
	if enforcement.PrunedInfo != nil {
		b.History = enforcement.Messages
		b.compactionState.IncrementCount()
	}
}

func (b *Bridge) saveUserTurn(text string) {
	if b.cfg.Archive == nil {
		return
	}
	b.cfg.Archive.AppendEntry(sessionstore.Entry{Role: "user", Content: text})
	_ = b.cfg.Archive.Save()
}

func (b *Bridge) saveAssistantTurn(text string, tokens *int) {
	if b.cfg.Archive == nil {
		return
	}
	b.cfg.Archive.AppendEntry(sessionstore.Entry{Role: "assistant", Content: text, TokensUsed: tokens})
	_ = b.cfg.Archive.Save()
}

func (b *Bridge) saveToolTurn(name, content, callID string) {
	if b.cfg.Archive == nil {
		return
	}
	b.cfg.Archive.AppendEntry(sessionstore.Entry{Role: "tool", Content: content, ToolName: name, ToolCallID: callID})
	_ = b.cfg.Archive.Save()
}

// runIterations is the per-turn inner loop.
func (b *Bridge) runIterations(ctx context.Context, turnID, preamble string) (string, error) {
	includeReasoning := b.cfg.Provider != nil && b.cfg.Provider.SupportsReasoningReplay(b.cfg.Model)

	for iter := 0; iter < b.cfg.MaxIterations; iter++ {
		if b.abortRequested {
			return lastAssistantText(b.History), nil
		}
		if err := ctx.Err(); err != nil {
			return lastAssistantText(b.History), err
		}

		content, usage, err := b.streamOnce(ctx, turnID, preamble, includeReasoning, b.allToolDefs())
		if err != nil {
			return "", err
		}
		b.recordUsage(usage)

		content = message.ReorderReasoningFirst(content)
		asst := message.Message{Role: message.RoleAssistant, Content: content}
		b.History = append(b.History, asst)
		tokens := usage.OutputTokens
		b.saveAssistantTurn(asst.Text(), &tokens)

		if !asst.HasToolCalls() {
			return asst.Text(), nil
		}

		results, aborted := b.executeToolCalls(ctx, asst.ToolCalls())
		b.History = append(b.History, historyconv.ToolResultMessage(results))
		for _, r := range results {
			b.saveToolTurn("", r.ToolResultText, r.ToolResultID)
		}
		if aborted {
			b.abortRequested = true
		}
	}

	if b.abortRequested {
		return lastAssistantText(b.History), nil
	}
	// Iteration cap reached: one final tool-less call to force a summary.
	content, usage, err := b.streamOnce(ctx, turnID, preamble, includeReasoning, nil)
	if err != nil {
		return lastAssistantText(b.History), nil // final-call failure is non-fatal
	}
	b.recordUsage(usage)
	content = message.ReorderReasoningFirst(content)
	asst := message.Message{Role: message.RoleAssistant, Content: content}
	b.History = append(b.History, asst)
	b.saveAssistantTurn(asst.Text(), nil)
	return asst.Text(), nil
}

// recordUsage feeds provider-reported token usage into the compaction
// state, falling back to the char_count/4 heuristic over the current
// history when the stream carried no usage chunk.
func (b *Bridge) recordUsage(usage usageInfo) {
	if usage.InputTokens > 0 {
		b.lastUsage = usage
		b.compactionState.UpdateTokens(uint64(usage.InputTokens))
		return
	}
	b.lastUsage.OutputTokens = usage.OutputTokens
	chars := 0
	for _, m := range b.History {
		for _, blk := range m.Content {
			chars += len(blk.Text) + len(blk.ReasoningText) + len(blk.ToolResultText)
		}
	}
	b.compactionState.UpdateTokensHeuristic(chars)
	b.lastUsage.InputTokens = chars / 4
}

func lastAssistantText(h message.History) string {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Role == message.RoleAssistant {
			return h[i].Text()
		}
	}
	return ""
}

type usageInfo struct {
	InputTokens, OutputTokens int
}

// streamOnce issues one provider call and reassembles its streamed output,
// retrying once if the provider returns a totally empty response.
func (b *Bridge) streamOnce(ctx context.Context, turnID, preamble string, includeReasoning bool, tools []providerapi.ToolDefinition) ([]message.Block, usageInfo, error) {
	req := providerapi.Request{
		Preamble:    preamble,
		ChatHistory: historyconv.ToChatHistory(b.History, includeReasoning),
		Tools:       tools,
		MaxTokens:   4096,
	}
	if b.cfg.Provider != nil && b.cfg.Provider.SupportsTemperature(b.cfg.Model) {
		t := 1.0
		req.Temperature = &t
	}

	const maxEmptyRetries = 1
	for attempt := 0; attempt <= maxEmptyRetries; attempt++ {
		ch, err := b.cfg.Provider.Stream(ctx, req)
		if err != nil {
			return nil, usageInfo{}, fmt.Errorf("provider stream: %w", err)
		}

		r := streamreassemble.New()
		var streamErr error
		for c := range ch {
			res := r.Feed(c)
			if res.TextDelta != "" {
				b.publish(event.Event{Kind: event.KindTextDelta, TurnID: turnID, Text: res.TextDelta})
			}
			if res.Err != nil {
				streamErr = res.Err
			}
		}
		if streamErr != nil {
			return nil, usageInfo{}, fmt.Errorf("provider stream error: %w", streamErr)
		}

		content, in, out, _ := r.Finish()
		if len(content) == 0 && attempt < maxEmptyRetries {
			log.Warn().Int("attempt", attempt+1).Msg("empty response from provider, retrying")
			continue
		}
		return content, usageInfo{InputTokens: in, OutputTokens: out}, nil
	}
	return nil, usageInfo{}, fmt.Errorf("empty response from provider")
}

func (b *Bridge) allToolDefs() []providerapi.ToolDefinition {
	if b.cfg.Tools == nil {
		return nil
	}
	defs := b.cfg.Tools.Definitions()
	out := make([]providerapi.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = providerapi.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.InputSchema}
	}
	if b.cfg.SubAgent != nil {
		out = append(out, providerapi.ToolDefinition{
			Name:        "run_sub_agent",
			Description: "Delegate a bounded sub-task to a specialized sub-agent (e.g. the coder agent).",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"agent":{"type":"string"},"task":{"type":"string"},"context":{"type":"string"}},"required":["agent","task"]}`),
		})
	}
	return out
}

// executeToolCalls runs each call in declaration order through loop
// detection, policy, HITL approval, and execution, returning the
// ToolResult blocks for the next user-role message.
func (b *Bridge) executeToolCalls(ctx context.Context, calls []message.Block) (results []message.Block, aborted bool) {
	for _, call := range calls {
		if aborted {
			results = append(results, errorResult(call, "turn aborted; call not executed"))
			continue
		}

		args := string(call.ToolCallArguments)
		requestID := newTurnID()

		if b.cfg.LoopDetect != nil {
			switch b.cfg.LoopDetect.Check(call.ToolCallName, args) {
			case policy.Block:
				results = append(results, errorResult(call, "repeated call detected; refusing"))
				continue
			case policy.Warn:
				log.Warn().Str("tool", call.ToolCallName).Msg("loop detector: repeated tool call")
			}
		}

		decision := policy.Allow
		if b.cfg.ToolPolicy != nil {
			decision = b.cfg.ToolPolicy.Decide(call.ToolCallName)
		}
		if decision == policy.Deny {
			results = append(results, errorResult(call, "denied by policy"))
			continue
		}

		// Register the responder before emitting the request event so a
		// subscriber resolving immediately never races the registration.
		needApproval := decision == policy.Ask && b.cfg.AgentMode != ModeAutoApprove
		var responder policy.Responder
		if needApproval && b.cfg.Approvals != nil {
			responder = b.cfg.Approvals.Register(requestID)
		}
		b.publish(event.Event{Kind: event.KindToolRequest, RequestID: requestID, ToolName: call.ToolCallName, ToolArgs: args})

		if needApproval {
			choice, ok := b.awaitApproval(ctx, requestID, responder)
			if !ok {
				results = append(results, errorResult(call, "approval cancelled"))
				continue
			}
			switch choice {
			case policy.AlwaysAllow:
				if b.cfg.ToolPolicy != nil {
					b.cfg.ToolPolicy.UpgradeToAllow(call.ToolCallName)
				}
			case policy.Deny2:
				results = append(results, errorResult(call, "denied by user"))
				continue
			case policy.DenyAndAbort:
				results = append(results, errorResult(call, "denied by user"))
				aborted = true
				continue
			}
		}

		resultText, isErr := b.invokeTool(ctx, call.ToolCallName, call.ToolCallArguments)

		if !isErr && toolset.IsWriteEffect(call.ToolCallName) {
			if p := toolset.WriteEffectPath(call.ToolCallName, call.ToolCallArguments); p != "" && !b.filesSeen[p] {
				b.filesSeen[p] = true
				b.FilesModified = append(b.FilesModified, p)
			}
		}
		if b.cfg.ContextMgr != nil {
			resultText = b.cfg.ContextMgr.TruncateToolResponse(resultText, call.ToolCallName).Content
		}

		b.publish(event.Event{Kind: event.KindToolResult, RequestID: requestID, ToolName: call.ToolCallName, ToolOK: !isErr, ToolText: resultText})

		results = append(results, message.Block{
			Type: message.BlockToolResult, ToolResultID: call.ToolCallID, ToolResultCallID: call.ToolCallCallID,
			ToolResultText: resultText, ToolResultIsErr: isErr,
		})
	}
	return results, aborted
}

func (b *Bridge) awaitApproval(ctx context.Context, requestID string, responder policy.Responder) (policy.ApprovalChoice, bool) {
	if responder == nil {
		return policy.AllowOnce, true
	}
	select {
	case choice := <-responder:
		return choice, true
	case <-ctx.Done():
		b.cfg.Approvals.Forget(requestID)
		return "", false
	}
}

// invokeTool dispatches to the sub-agent runner for run_sub_agent, or the
// tool registry otherwise.
func (b *Bridge) invokeTool(ctx context.Context, name string, args json.RawMessage) (text string, isErr bool) {
	if name == "run_sub_agent" {
		return b.invokeSubAgent(ctx, args)
	}
	if b.cfg.Tools == nil {
		return "unknown tool: " + name, true
	}
	res, err := b.cfg.Tools.Call(ctx, name, args)
	if err != nil {
		return err.Error(), true
	}
	return res.Text, res.IsError
}

func (b *Bridge) invokeSubAgent(ctx context.Context, args json.RawMessage) (string, bool) {
	var a struct {
		Agent   string `json:"agent"`
		Task    string `json:"task"`
		Context string `json:"context"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return err.Error(), true
	}
	if b.cfg.SubAgent == nil {
		return "sub-agents are not enabled", true
	}
	b.publish(event.Event{Kind: event.KindSubAgentStarted, ToolName: a.Agent})
	outcome, err := b.cfg.SubAgent(ctx, a.Agent, a.Task, a.Context, b.cfg.Depth+1)
	if err != nil {
		b.publish(event.Event{Kind: event.KindSubAgentError, Err: err})
		return fmt.Sprintf("sub-agent error: %v", err), true
	}
	b.publish(event.Event{Kind: event.KindSubAgentCompleted, ToolOK: outcome.Success})
	return outcome.Response, !outcome.Success
}

func errorResult(call message.Block, text string) message.Block {
	return message.Block{Type: message.BlockToolResult, ToolResultID: call.ToolCallID, ToolResultCallID: call.ToolCallCallID, ToolResultText: text, ToolResultIsErr: true}
}
