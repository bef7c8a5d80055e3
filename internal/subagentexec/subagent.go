// Package subagentexec implements the bounded recursive sub-agent
// executor: a narrower-tool-set variant of the agentic loop with its own
// iteration cap, overall timeout, and idle timeout, plus unified-diff
// post-processing for the coder sub-agent.
package subagentexec

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/symb/internal/diffapply"
	"github.com/xonecas/symb/internal/event"
	"github.com/xonecas/symb/internal/historyconv"
	"github.com/xonecas/symb/internal/message"
	"github.com/xonecas/symb/internal/providerapi"
	"github.com/xonecas/symb/internal/streamreassemble"
	"github.com/xonecas/symb/internal/toolset"
)

// MaxAgentDepth bounds sub-agent-of-sub-agent recursion.
const MaxAgentDepth = 3

// DefaultMaxIterations is used when a Definition doesn't set one.
const DefaultMaxIterations = 5

// MaxAllowedIterations is the upper bound a Definition may request.
const MaxAllowedIterations = 20

// Definition describes one sub-agent's identity, prompt, and bounds.
type Definition struct {
	ID              string
	Name            string
	SystemPrompt    string
	AllowedTools    []string
	MaxIterations   int
	TimeoutSecs     int // 0 disables the overall timeout
	IdleTimeoutSecs int // 0 disables the idle timeout
}

// coderAgentID special-cases unified-diff post-processing on the final
// text.
const coderAgentID = "coder"

// Context carries the caller's framing for the sub-agent's run.
type Context struct {
	OriginalRequest     string
	ConversationSummary string
	Variables           map[string]string
	Depth               int
}

// Result is what one sub-agent run reports to its caller.
type Result struct {
	Success       bool
	Response      string
	FilesModified []string
	DurationMS    int64
}

// Executor runs sub-agent invocations against a shared provider and tool
// registry.
type Executor struct {
	Provider providerapi.Provider
	Model    string
	Tools    *toolset.Registry
	Bus      *event.Bus
	Workspace string
}

func (e *Executor) publish(ev event.Event) {
	if e.Bus != nil {
		e.Bus.Publish(ev)
	}
}

// Run executes def against task, enforcing the overall timeout as an outer
// bound and returning a failed Result (never an error) on timeout or max
// depth.
func (e *Executor) Run(ctx context.Context, def Definition, sctx Context, requestID string) (Result, error) {
	start := time.Now()

	if sctx.Depth >= MaxAgentDepth {
		e.publish(event.Event{Kind: event.KindSubAgentError, RequestID: requestID})
		return Result{Success: false, Response: fmt.Sprintf("Error: max sub-agent depth reached: %d >= %d", sctx.Depth, MaxAgentDepth)}, nil
	}

	e.publish(event.Event{Kind: event.KindSubAgentStarted, RequestID: requestID, ToolName: def.Name})

	runCtx := ctx
	var cancel context.CancelFunc
	if def.TimeoutSecs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(def.TimeoutSecs)*time.Second)
		defer cancel()
	}

	resultCh := make(chan Result, 1)
	go func() {
		resultCh <- e.runLoop(runCtx, def, sctx, requestID)
	}()

	select {
	case res := <-resultCh:
		res.DurationMS = time.Since(start).Milliseconds()
		if res.Success {
			e.publish(event.Event{Kind: event.KindSubAgentCompleted, RequestID: requestID, ToolOK: true})
		} else {
			e.publish(event.Event{Kind: event.KindSubAgentError, RequestID: requestID})
		}
		return res, nil
	case <-runCtx.Done():
		res := Result{Success: false, Response: "Error: sub-agent timed out", DurationMS: time.Since(start).Milliseconds()}
		e.publish(event.Event{Kind: event.KindSubAgentError, RequestID: requestID, Err: runCtx.Err()})
		return res, nil
	}
}

// runLoop is the inner per-iteration loop.
func (e *Executor) runLoop(ctx context.Context, def Definition, sctx Context, requestID string) Result {
	maxIter := def.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	if maxIter > MaxAllowedIterations {
		maxIter = MaxAllowedIterations
	}

	allowed := make(map[string]bool, len(def.AllowedTools))
	for _, t := range def.AllowedTools {
		allowed[t] = true
	}

	var history message.History
	history = append(history, message.NewUserText(buildTaskPrompt(sctx)))

	includeReasoning := e.Provider != nil && e.Provider.SupportsReasoningReplay(e.Model)
	filesModified := newDedupList()

	lastActivity := time.Now()
	idleTimeout := time.Duration(def.IdleTimeoutSecs) * time.Second

	for iter := 0; iter < maxIter; iter++ {
		tools := e.filteredToolDefs(allowed)
		content, err := e.streamWithIdleTimeout(ctx, def.SystemPrompt, history, includeReasoning, tools, idleTimeout, &lastActivity)
		if err != nil {
			return Result{Success: false, Response: fmt.Sprintf("Error: %v", err)}
		}

		content = message.ReorderReasoningFirst(content)
		asst := message.Message{Role: message.RoleAssistant, Content: content}
		history = append(history, asst)

		if !asst.HasToolCalls() {
			return e.finish(def, asst.Text(), filesModified.items)
		}

		results := e.executeCalls(ctx, asst.ToolCalls(), requestID, filesModified)
		history = append(history, historyconv.ToolResultMessage(results))
		lastActivity = time.Now()
	}

	// Iteration cap: one final tool-less call to force a summary.
	content, err := e.streamWithIdleTimeout(ctx, def.SystemPrompt, history, includeReasoning, nil, idleTimeout, &lastActivity)
	if err != nil {
		return e.finish(def, lastAssistantText(history), filesModified.items)
	}
	content = message.ReorderReasoningFirst(content)
	asst := message.Message{Role: message.RoleAssistant, Content: content}
	history = append(history, asst)
	return e.finish(def, asst.Text(), filesModified.items)
}

func lastAssistantText(h message.History) string {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Role == message.RoleAssistant {
			return h[i].Text()
		}
	}
	return ""
}

func buildTaskPrompt(sctx Context) string {
	var sb strings.Builder
	sb.WriteString(sctx.OriginalRequest)
	if sctx.ConversationSummary != "" {
		sb.WriteString("\n\nContext:\n")
		sb.WriteString(sctx.ConversationSummary)
	}
	return sb.String()
}

func (e *Executor) filteredToolDefs(allowed map[string]bool) []providerapi.ToolDefinition {
	if e.Tools == nil {
		return nil
	}
	defs := e.Tools.Filtered(allowed)
	out := make([]providerapi.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = providerapi.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.InputSchema}
	}
	return out
}

// streamWithIdleTimeout races the next streamed chunk against an idle
// timer reset on every chunk and every tool completion (the caller resets
// lastActivity after executeCalls); the timer's remaining duration is
// recomputed before each chunk read.
func (e *Executor) streamWithIdleTimeout(ctx context.Context, systemPrompt string, history message.History, includeReasoning bool, tools []providerapi.ToolDefinition, idleTimeout time.Duration, lastActivity *time.Time) ([]message.Block, error) {
	req := providerapi.Request{
		Preamble:    systemPrompt,
		ChatHistory: historyconv.ToChatHistory(history, includeReasoning),
		Tools:       tools,
		MaxTokens:   4096,
	}
	if e.Provider != nil && e.Provider.SupportsTemperature(e.Model) {
		t := 1.0
		req.Temperature = &t
	}

	ch, err := e.Provider.Stream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("provider stream: %w", err)
	}

	r := streamreassemble.New()
	for {
		var timer *time.Timer
		var timerCh <-chan time.Time
		if idleTimeout > 0 {
			remaining := idleTimeout - time.Since(*lastActivity)
			if remaining <= 0 {
				remaining = time.Millisecond
			}
			timer = time.NewTimer(remaining)
			timerCh = timer.C
		}

		select {
		case c, ok := <-ch:
			if timer != nil {
				timer.Stop()
			}
			if !ok {
				content, _, _, _ := r.Finish()
				return content, nil
			}
			*lastActivity = time.Now()
			res := r.Feed(c)
			if res.Err != nil {
				return nil, res.Err
			}
		case <-timerCh:
			return nil, fmt.Errorf("Sub-agent idle timeout: no activity for %s", idleTimeout)
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		}
	}
}

func (e *Executor) executeCalls(ctx context.Context, calls []message.Block, requestID string, filesModified *dedupList) []message.Block {
	var results []message.Block
	for _, call := range calls {
		e.publish(event.Event{Kind: event.KindSubAgentToolReq, RequestID: requestID, ToolName: call.ToolCallName, ToolArgs: string(call.ToolCallArguments)})

		var text string
		var isErr bool
		if e.Tools == nil {
			text, isErr = "no tool registry configured", true
		} else {
			res, err := e.Tools.Call(ctx, call.ToolCallName, call.ToolCallArguments)
			if err != nil {
				text, isErr = err.Error(), true
			} else {
				text, isErr = res.Text, res.IsError
			}
		}

		if !isErr && toolset.IsWriteEffect(call.ToolCallName) {
			if p := toolset.WriteEffectPath(call.ToolCallName, call.ToolCallArguments); p != "" {
				filesModified.add(p)
			}
		}

		e.publish(event.Event{Kind: event.KindSubAgentToolResult, RequestID: requestID, ToolName: call.ToolCallName, ToolOK: !isErr, ToolText: text})
		results = append(results, message.Block{
			Type: message.BlockToolResult, ToolResultID: call.ToolCallID, ToolResultCallID: call.ToolCallCallID,
			ToolResultText: text, ToolResultIsErr: isErr,
		})
	}
	return results
}

// finish builds the final Result, running coder post-processing when
// def.ID is "coder".
func (e *Executor) finish(def Definition, text string, filesModified []string) Result {
	if def.ID != coderAgentID {
		return Result{Success: true, Response: text, FilesModified: filesModified}
	}
	return e.postProcessCoder(text, filesModified)
}

// postProcessCoder parses the coder sub-agent's final text as unified-diff
// hunks and applies them to workspace files, appending a summary appendix
// of what changed and what failed.
func (e *Executor) postProcessCoder(text string, filesModified []string) Result {
	sections := diffapply.ParseUnifiedDiff(text)
	if len(sections) == 0 {
		return Result{Success: true, Response: text, FilesModified: filesModified}
	}

	applied := newDedupList()
	for _, p := range filesModified {
		applied.add(p)
	}
	var failed []string
	var diffs []string

	for _, fh := range sections {
		abs := fh.Path
		if e.Workspace != "" && !filepath.IsAbs(abs) {
			abs = filepath.Join(e.Workspace, fh.Path)
		}
		res, err := diffapply.ApplyFile(abs, fh)
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", fh.Path, err))
			continue
		}
		switch res.Kind {
		case diffapply.Success:
			applied.add(fh.Path)
			if res.UnifiedDiff != "" {
				diffs = append(diffs, res.UnifiedDiff)
			}
		case diffapply.PartialSuccess:
			applied.add(fh.Path)
			failed = append(failed, fmt.Sprintf("%s: %d hunk(s) failed", fh.Path, len(res.Failed)))
			if res.UnifiedDiff != "" {
				diffs = append(diffs, res.UnifiedDiff)
			}
		case diffapply.NoMatch:
			failed = append(failed, fmt.Sprintf("%s: no match for hunk %d (%s)", fh.Path, res.HunkIndex, res.Suggestion))
		case diffapply.MultipleMatches:
			failed = append(failed, fmt.Sprintf("%s: %d ambiguous matches for hunk %d", fh.Path, res.Count, res.HunkIndex))
		}
	}

	var appendix strings.Builder
	appendix.WriteString(text)
	appendix.WriteString("\n\n---\n")
	if len(applied.items) > 0 {
		appendix.WriteString("Files changed:\n")
		for _, f := range applied.items {
			appendix.WriteString("  " + f + "\n")
		}
	}
	if len(failed) > 0 {
		appendix.WriteString("Files failed:\n")
		for _, f := range failed {
			appendix.WriteString("  " + f + "\n")
		}
	}
	for _, d := range diffs {
		appendix.WriteString("\n")
		appendix.WriteString(d)
	}

	log.Debug().Int("applied", len(applied.items)).Int("failed", len(failed)).Msg("coder sub-agent diff post-processing")
	return Result{Success: len(failed) == 0, Response: appendix.String(), FilesModified: applied.items}
}

// dedupList preserves insertion order while rejecting duplicates.
type dedupList struct {
	items []string
	seen  map[string]bool
}

func newDedupList() *dedupList { return &dedupList{seen: make(map[string]bool)} }

func (d *dedupList) add(path string) {
	if path == "" || d.seen[path] {
		return
	}
	d.seen[path] = true
	d.items = append(d.items, path)
}
