package agentloop

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/xonecas/symb/internal/contextmgr"
	"github.com/xonecas/symb/internal/event"
	"github.com/xonecas/symb/internal/message"
	"github.com/xonecas/symb/internal/planmgr"
	"github.com/xonecas/symb/internal/policy"
	"github.com/xonecas/symb/internal/providerapi"
	"github.com/xonecas/symb/internal/toolset"
)

// scriptedProvider replays one chunk sequence per Stream call, in order,
// repeating the last sequence once exhausted.
type scriptedProvider struct {
	sequences [][]providerapi.Chunk
	calls     int
}

func (p *scriptedProvider) Stream(ctx context.Context, req providerapi.Request) (<-chan providerapi.Chunk, error) {
	idx := p.calls
	p.calls++
	var chunks []providerapi.Chunk
	switch {
	case idx < len(p.sequences):
		chunks = p.sequences[idx]
	case len(p.sequences) > 0:
		chunks = p.sequences[len(p.sequences)-1]
	}
	ch := make(chan providerapi.Chunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Completion(ctx context.Context, req providerapi.Request) (*providerapi.Response, error) {
	return &providerapi.Response{}, nil
}
func (p *scriptedProvider) SupportsTemperature(model string) bool     { return true }
func (p *scriptedProvider) SupportsReasoningReplay(model string) bool { return false }

func textChunk(s string) providerapi.Chunk { return providerapi.Chunk{Kind: providerapi.ChunkText, Text: s} }

// TestSingleTurnNoTool: a turn with no tool calls ends after one
// completion, with exactly one Started and one Completed event.
func TestSingleTurnNoTool(t *testing.T) {
	prov := &scriptedProvider{sequences: [][]providerapi.Chunk{{textChunk("hi")}}}
	var events []event.Event
	bus := event.NewBus()
	sub := bus.Subscribe(16)

	b := New(Config{Provider: prov, Model: "mock", Bus: bus})
	resp, err := b.ProcessTurn(context.Background(), "hello")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if resp != "hi" {
		t.Errorf("expected %q, got %q", "hi", resp)
	}
	if len(b.History) != 2 {
		t.Fatalf("expected 2 history messages, got %d", len(b.History))
	}
	if b.History[0].Role != message.RoleUser || b.History[1].Role != message.RoleAssistant {
		t.Errorf("unexpected roles: %v %v", b.History[0].Role, b.History[1].Role)
	}

drain:
	for {
		select {
		case e := <-sub:
			events = append(events, e)
		default:
			break drain
		}
	}
	var started, completed int
	for _, e := range events {
		if e.Kind == event.KindStarted {
			started++
		}
		if e.Kind == event.KindCompleted {
			completed++
		}
	}
	if started != 1 || completed != 1 {
		t.Errorf("expected exactly one Started and one Completed, got %d/%d", started, completed)
	}
}

// TestToolUseEcho: one tool call, one result, then a closing text turn.
func TestToolUseEcho(t *testing.T) {
	dir := t.TempDir()
	reg := toolset.NewRegistry(dir, planmgr.NewManager())

	toolCallArgs, _ := json.Marshal(map[string]string{"path": "."})
	prov := &scriptedProvider{sequences: [][]providerapi.Chunk{
		{
			{Kind: providerapi.ChunkToolCall, ToolCallID: "tc1", ToolCallName: "list_directory", ToolCallArgs: toolCallArgs},
		},
		{textChunk("Contains a and b")},
	}}

	b := New(Config{Provider: prov, Model: "mock", Tools: reg, ToolPolicy: policy.NewToolPolicy(policy.Allow), LoopDetect: policy.NewLoopDetector()})
	resp, err := b.ProcessTurn(context.Background(), "list /tmp")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if resp != "Contains a and b" {
		t.Errorf("unexpected response: %q", resp)
	}

	if len(b.History) != 4 {
		t.Fatalf("expected 4 history messages (user, assistant-tool-call, user-tool-result, assistant-text), got %d", len(b.History))
	}
	if !b.History[1].HasToolCalls() {
		t.Error("expected assistant message 1 to carry the tool call")
	}
	// ToolCall in turn k must be answered by a ToolResult in turn k+1,
	// matched by id.
	resultMsgIdx, _, ok := message.FindToolResult(b.History, "tc1", "", 0)
	if !ok || resultMsgIdx != 2 {
		t.Errorf("expected matching ToolResult at message 2, got idx=%d ok=%v", resultMsgIdx, ok)
	}
}

// TestStreamingToolCallReassembly: arguments streamed as a shell plus
// delta fragments reassemble into one JSON object.
func TestStreamingToolCallReassembly(t *testing.T) {
	dir := t.TempDir()
	reg := toolset.NewRegistry(dir, planmgr.NewManager())

	prov := &scriptedProvider{sequences: [][]providerapi.Chunk{
		{
			{Kind: providerapi.ChunkToolCall, ToolCallID: "tc1", ToolCallName: "edit_file", ToolCallArgs: nil},
			{Kind: providerapi.ChunkToolCallDelta, ToolCallID: "tc1", ToolCallDelta: providerapi.ToolCallDeltaContent{Delta: `{"pa`}},
			{Kind: providerapi.ChunkToolCallDelta, ToolCallID: "tc1", ToolCallDelta: providerapi.ToolCallDeltaContent{Delta: `th":"x"`}},
			{Kind: providerapi.ChunkToolCallDelta, ToolCallID: "tc1", ToolCallDelta: providerapi.ToolCallDeltaContent{Delta: `}`}},
		},
		{textChunk("done")},
	}}

	b := New(Config{Provider: prov, Model: "mock", Tools: reg, ToolPolicy: policy.NewToolPolicy(policy.Allow), LoopDetect: policy.NewLoopDetector()})
	if _, err := b.ProcessTurn(context.Background(), "edit x"); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	calls := b.History[1].ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one reassembled tool call, got %d", len(calls))
	}
	if string(calls[0].ToolCallArguments) != `{"path":"x"}` {
		t.Errorf("unexpected reassembled arguments: %s", calls[0].ToolCallArguments)
	}
}

// TestLoopDetectorBlocksRepeatedCalls exercises the block verdict path.
func TestLoopDetectorBlocksRepeatedCalls(t *testing.T) {
	dir := t.TempDir()
	reg := toolset.NewRegistry(dir, planmgr.NewManager())

	args, _ := json.Marshal(map[string]string{"path": "."})
	repeated := providerapi.Chunk{Kind: providerapi.ChunkToolCall, ToolCallID: "tc", ToolCallName: "list_directory", ToolCallArgs: args}
	seq := make([][]providerapi.Chunk, 0, 7)
	for i := 0; i < 6; i++ {
		seq = append(seq, []providerapi.Chunk{repeated})
	}
	seq = append(seq, []providerapi.Chunk{textChunk("ok")})

	b := New(Config{Provider: &scriptedProvider{sequences: seq}, Model: "mock", Tools: reg, ToolPolicy: policy.NewToolPolicy(policy.Allow), LoopDetect: policy.NewLoopDetector(), MaxIterations: 10})
	if _, err := b.ProcessTurn(context.Background(), "go"); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	var blocked bool
	for _, m := range b.History {
		if m.Role != message.RoleUser {
			continue
		}
		for _, blk := range m.Content {
			if blk.Type == message.BlockToolResult && blk.ToolResultIsErr && blk.ToolResultText == "repeated call detected; refusing" {
				blocked = true
			}
		}
	}
	if !blocked {
		t.Error("expected at least one blocked tool result from the loop detector")
	}
}

// TestApprovalAlwaysAllowUpgradesPolicy exercises the HITL "always_allow"
// path.
func TestApprovalAlwaysAllowUpgradesPolicy(t *testing.T) {
	dir := t.TempDir()
	reg := toolset.NewRegistry(dir, planmgr.NewManager())
	args, _ := json.Marshal(map[string]string{"path": "x", "content": "y"})

	prov := &scriptedProvider{sequences: [][]providerapi.Chunk{
		{{Kind: providerapi.ChunkToolCall, ToolCallID: "tc1", ToolCallName: "write_file", ToolCallArgs: args}},
		{{Kind: providerapi.ChunkToolCall, ToolCallID: "tc2", ToolCallName: "write_file", ToolCallArgs: args}},
		{textChunk("ok")},
	}}
	tp := policy.NewToolPolicy(policy.Allow)
	tp.Set("write_file", policy.Ask)
	approvals := policy.NewPendingApprovals()

	b := New(Config{Provider: prov, Model: "mock", Tools: reg, ToolPolicy: tp, LoopDetect: policy.NewLoopDetector(), Approvals: approvals})

	bus := event.NewBus()
	b.cfg.Bus = bus
	sub := bus.Subscribe(16)

	done := make(chan struct{})
	var resp string
	var err error
	go func() {
		resp, err = b.ProcessTurn(context.Background(), "write twice")
		close(done)
	}()

	// Resolve the first approval request with always_allow; the second
	// call then sees the upgraded policy and requests no approval.
	resolved := 0
	for resolved < 1 {
		select {
		case e := <-sub:
			if e.Kind == event.KindToolRequest {
				approvals.Resolve(e.RequestID, policy.AlwaysAllow)
				resolved++
			}
		case <-done:
			t.Fatal("turn finished before any approval was requested")
		}
	}
	<-done
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if resp != "ok" {
		t.Errorf("unexpected response: %q", resp)
	}
	if tp.Decide("write_file") != policy.Allow {
		t.Error("expected write_file policy to be upgraded to Allow")
	}
}

// TestDenyAndAbortSkipsRemainingCalls: a deny_and_abort response answers
// the denied call with an error result, skips the rest of that turn's
// batch with synthetic results, and ends the turn at the next iteration
// boundary.
func TestDenyAndAbortSkipsRemainingCalls(t *testing.T) {
	dir := t.TempDir()
	reg := toolset.NewRegistry(dir, planmgr.NewManager())
	args, _ := json.Marshal(map[string]string{"path": "x", "content": "y"})

	prov := &scriptedProvider{sequences: [][]providerapi.Chunk{
		{
			{Kind: providerapi.ChunkToolCall, ToolCallID: "tc1", ToolCallName: "write_file", ToolCallArgs: args},
			{Kind: providerapi.ChunkToolCall, ToolCallID: "tc2", ToolCallName: "write_file", ToolCallArgs: args},
		},
		{textChunk("never reached")},
	}}
	tp := policy.NewToolPolicy(policy.Allow)
	tp.Set("write_file", policy.Ask)
	approvals := policy.NewPendingApprovals()

	bus := event.NewBus()
	sub := bus.Subscribe(16)
	b := New(Config{Provider: prov, Model: "mock", Tools: reg, ToolPolicy: tp, LoopDetect: policy.NewLoopDetector(), Approvals: approvals, Bus: bus})

	done := make(chan struct{})
	go func() {
		_, _ = b.ProcessTurn(context.Background(), "write twice")
		close(done)
	}()

wait:
	for {
		select {
		case e := <-sub:
			if e.Kind == event.KindToolRequest {
				approvals.Resolve(e.RequestID, policy.DenyAndAbort)
			}
		case <-done:
			break wait
		}
	}

	if len(b.History) != 3 {
		t.Fatalf("expected 3 history messages (user, assistant, tool results), got %d", len(b.History))
	}
	results := b.History[2].Content
	if len(results) != 2 {
		t.Fatalf("every tool call needs a result, got %d", len(results))
	}
	if !results[0].ToolResultIsErr || results[0].ToolResultText != "denied by user" {
		t.Errorf("unexpected first result: %+v", results[0])
	}
	if !results[1].ToolResultIsErr || results[1].ToolResultText != "turn aborted; call not executed" {
		t.Errorf("unexpected second result: %+v", results[1])
	}
	if _, _, ok := message.FindToolResult(b.History, "tc2", "", 0); !ok {
		t.Error("the skipped call must still have a matching tool result")
	}
}

// TestContextWarningEmittedOnLargeHistory: an oversized user turn must
// drive the token accounting and surface a context warning event.
func TestContextWarningEmittedOnLargeHistory(t *testing.T) {
	prov := &scriptedProvider{sequences: [][]providerapi.Chunk{{textChunk("ok")}}}

	bus := event.NewBus()
	sub := bus.Subscribe(16)
	// The default budget for an unknown model is a 128k window; ~400k
	// characters estimate past the warning threshold but stay prunable
	// only behind the protected tail, so a warning is emitted instead.
	cm := contextmgr.NewManagerEnabled("mock")
	b := New(Config{Provider: prov, Model: "mock", ContextMgr: cm, Bus: bus})
	b.History = append(b.History, message.NewUserText(strings.Repeat("a", 400_000)))

	if _, err := b.ProcessTurn(context.Background(), "hello"); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	var warned bool
drain:
	for {
		select {
		case e := <-sub:
			if e.Kind == event.KindContextWarning || e.Kind == event.KindContextPruned {
				warned = true
			}
		default:
			break drain
		}
	}
	if !warned {
		t.Error("expected a context warning or prune event once accounting is fed from history")
	}
}

// TestPolicyDenyProducesSyntheticResult: a deny policy synthesizes an
// error result without executing the tool.
func TestPolicyDenyProducesSyntheticResult(t *testing.T) {
	dir := t.TempDir()
	reg := toolset.NewRegistry(dir, planmgr.NewManager())
	args, _ := json.Marshal(map[string]string{"path": "x"})

	prov := &scriptedProvider{sequences: [][]providerapi.Chunk{
		{{Kind: providerapi.ChunkToolCall, ToolCallID: "tc1", ToolCallName: "delete_path", ToolCallArgs: args}},
		{textChunk("ok")},
	}}
	tp := policy.NewToolPolicy(policy.Allow)
	tp.Set("delete_path", policy.Deny)

	b := New(Config{Provider: prov, Model: "mock", Tools: reg, ToolPolicy: tp, LoopDetect: policy.NewLoopDetector()})
	if _, err := b.ProcessTurn(context.Background(), "delete x"); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	_, blkIdx, ok := message.FindToolResult(b.History, "tc1", "", 0)
	if !ok {
		t.Fatal("expected a tool result for the denied call")
	}
	msgIdx, _, _ := message.FindToolResult(b.History, "tc1", "", 0)
	result := b.History[msgIdx].Content[blkIdx]
	if !result.ToolResultIsErr || result.ToolResultText != "denied by policy" {
		t.Errorf("unexpected denial result: %+v", result)
	}
}
