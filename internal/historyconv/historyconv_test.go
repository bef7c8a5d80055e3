package historyconv

import (
	"encoding/json"
	"testing"

	"github.com/xonecas/symb/internal/message"
)

func sampleHistory() message.History {
	args, _ := json.Marshal(map[string]string{"path": "x"})
	return message.History{
		message.NewUserText("hello"),
		{Role: message.RoleAssistant, Content: []message.Block{
			{Type: message.BlockReasoning, ReasoningText: "pondering", ReasoningID: "r1", ReasoningSignature: "sig"},
			{Type: message.BlockText, Text: "reading the file"},
			{Type: message.BlockToolCall, ToolCallID: "tc1", ToolCallCallID: "call_1", ToolCallName: "read_file", ToolCallArguments: args},
		}},
		{Role: message.RoleUser, Content: []message.Block{
			{Type: message.BlockToolResult, ToolResultID: "tc1", ToolResultCallID: "call_1", ToolResultText: "contents", ToolResultIsErr: false},
		}},
	}
}

func TestToChatHistoryWithReasoning(t *testing.T) {
	out := ToChatHistory(sampleHistory(), true)
	if len(out) != 3 {
		t.Fatalf("expected 3 chat messages, got %d", len(out))
	}

	if out[0].Role != "user" || out[0].Text != "hello" {
		t.Errorf("unexpected first message: %+v", out[0])
	}

	asst := out[1]
	if asst.Reasoning != "pondering" || asst.ReasoningID != "r1" || asst.ReasoningSignature != "sig" {
		t.Errorf("reasoning not carried: %+v", asst)
	}
	if asst.Text != "reading the file" {
		t.Errorf("unexpected assistant text: %q", asst.Text)
	}
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "tc1" || asst.ToolCalls[0].Name != "read_file" {
		t.Errorf("tool call not carried: %+v", asst.ToolCalls)
	}
	if asst.ToolCalls[0].CallID != "call_1" {
		t.Errorf("call_id not carried: %+v", asst.ToolCalls[0])
	}

	results := out[2].ToolResults
	if len(results) != 1 || results[0].ID != "tc1" || results[0].Text != "contents" || results[0].IsErr {
		t.Errorf("tool result not carried: %+v", results)
	}
}

func TestToChatHistoryDropsReasoningWhenUnsupported(t *testing.T) {
	out := ToChatHistory(sampleHistory(), false)
	asst := out[1]
	if asst.Reasoning != "" || asst.ReasoningID != "" || asst.ReasoningSignature != "" {
		t.Errorf("reasoning must be dropped from the wire shape: %+v", asst)
	}
	if asst.Text != "reading the file" {
		t.Error("dropping reasoning must not affect text")
	}
}

func TestToolResultMessage(t *testing.T) {
	blocks := []message.Block{
		{Type: message.BlockToolResult, ToolResultID: "tc1", ToolResultText: "ok"},
		{Type: message.BlockToolResult, ToolResultID: "tc2", ToolResultText: "fail", ToolResultIsErr: true},
	}
	m := ToolResultMessage(blocks)
	if m.Role != message.RoleUser {
		t.Errorf("tool results travel as a user-role message, got %v", m.Role)
	}
	if len(m.Content) != 2 || m.Content[0].ToolResultID != "tc1" || m.Content[1].ToolResultID != "tc2" {
		t.Errorf("blocks must be carried in call order: %+v", m.Content)
	}
}
