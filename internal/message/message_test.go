package message

import "testing"

func TestReorderReasoningFirst(t *testing.T) {
	content := []Block{
		{Type: BlockText, Text: "answer"},
		{Type: BlockReasoning, ReasoningText: "thinking"},
		{Type: BlockToolCall, ToolCallID: "tc1", ToolCallName: "ls"},
	}

	out := ReorderReasoningFirst(content)
	if len(out) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(out))
	}
	if out[0].Type != BlockReasoning {
		t.Errorf("reasoning must come first, got %v", out[0].Type)
	}
	if out[1].Type != BlockText || out[2].Type != BlockToolCall {
		t.Errorf("non-reasoning relative order must be preserved: %v %v", out[1].Type, out[2].Type)
	}
	if !ReasoningFirst(out) {
		t.Error("reordered content must satisfy ReasoningFirst")
	}
}

func TestReasoningFirst(t *testing.T) {
	tests := []struct {
		name    string
		content []Block
		want    bool
	}{
		{"empty", nil, true},
		{"no reasoning", []Block{{Type: BlockText}}, true},
		{"reasoning leads", []Block{{Type: BlockReasoning}, {Type: BlockText}}, true},
		{"reasoning trails", []Block{{Type: BlockText}, {Type: BlockReasoning}}, false},
		{"reasoning sandwiched", []Block{{Type: BlockReasoning}, {Type: BlockText}, {Type: BlockReasoning}}, false},
	}
	for _, tt := range tests {
		if got := ReasoningFirst(tt.content); got != tt.want {
			t.Errorf("%s: ReasoningFirst = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMessageAccessors(t *testing.T) {
	m := Message{Role: RoleAssistant, Content: []Block{
		{Type: BlockText, Text: "part one "},
		{Type: BlockToolCall, ToolCallID: "tc1", ToolCallName: "ls"},
		{Type: BlockText, Text: "part two"},
		{Type: BlockToolCall, ToolCallID: "tc2", ToolCallName: "cat"},
	}}

	if got := m.Text(); got != "part one part two" {
		t.Errorf("Text() = %q", got)
	}
	calls := m.ToolCalls()
	if len(calls) != 2 || calls[0].ToolCallID != "tc1" || calls[1].ToolCallID != "tc2" {
		t.Errorf("unexpected tool calls: %+v", calls)
	}
	if !m.HasToolCalls() {
		t.Error("HasToolCalls should be true")
	}
	if NewUserText("hi").HasToolCalls() {
		t.Error("a text-only message has no tool calls")
	}
}

func TestFindToolResult(t *testing.T) {
	h := History{
		NewUserText("start"),
		{Role: RoleAssistant, Content: []Block{{Type: BlockToolCall, ToolCallID: "tc1", ToolCallCallID: "call_9"}}},
		{Role: RoleUser, Content: []Block{
			{Type: BlockToolResult, ToolResultID: "tc1", ToolResultText: "ok"},
		}},
	}

	msgIdx, blkIdx, ok := FindToolResult(h, "tc1", "", 0)
	if !ok || msgIdx != 2 || blkIdx != 0 {
		t.Errorf("FindToolResult by id: msg=%d blk=%d ok=%v", msgIdx, blkIdx, ok)
	}

	// Fallback match by call_id when the primary id differs.
	h[2].Content[0] = Block{Type: BlockToolResult, ToolResultID: "other", ToolResultCallID: "call_9"}
	msgIdx, _, ok = FindToolResult(h, "tc1", "call_9", 0)
	if !ok || msgIdx != 2 {
		t.Errorf("FindToolResult by call_id fallback: msg=%d ok=%v", msgIdx, ok)
	}

	if _, _, ok := FindToolResult(h, "missing", "", 0); ok {
		t.Error("expected no match for an unknown id")
	}
}
