// Package streamreassemble implements the single-slot tool-call-argument
// reassembler shared by the agentic loop and the
// sub-agent executor: a provider may stream a tool call
// as one complete chunk, or as a shell with empty arguments followed by N
// delta fragments terminated by stream end.
package streamreassemble

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/xonecas/symb/internal/message"
	"github.com/xonecas/symb/internal/providerapi"
)

// pendingCall is the one reassembly slot: a tool call whose arguments are
// still arriving as ToolCallDelta fragments.
type pendingCall struct {
	id     string
	callID string
	name   string
	args   strings.Builder
}

// Reassembler accumulates one streamed completion's text, reasoning, usage,
// and tool calls into ordered message.Block values.
type Reassembler struct {
	text      strings.Builder
	reasoning strings.Builder
	reasoningID        string
	reasoningSignature string

	pending *pendingCall
	calls   []message.Block

	inputTokens  int
	outputTokens int
	totalTokens  int
}

// New returns an empty Reassembler.
func New() *Reassembler { return &Reassembler{} }

// FeedResult is what Feed reports back to the caller for this chunk.
type FeedResult struct {
	TextDelta string // non-empty when the chunk carried forwardable text
	Err       error  // set when the chunk was a ChunkError
}

// Feed processes one streamed chunk, flushing the pending slot as needed.
func (r *Reassembler) Feed(c providerapi.Chunk) FeedResult {
	switch c.Kind {
	case providerapi.ChunkText:
		r.text.WriteString(c.Text)
		return FeedResult{TextDelta: c.Text}

	case providerapi.ChunkReasoning:
		r.reasoning.WriteString(c.Reasoning)
		if c.ReasoningID != "" {
			r.reasoningID = c.ReasoningID
		}
		if c.ReasoningSignature != "" {
			r.reasoningSignature = c.ReasoningSignature
		}

	case providerapi.ChunkReasoningDelta:
		r.reasoning.WriteString(c.Reasoning)
		if c.ReasoningID != "" && r.reasoningID == "" {
			r.reasoningID = c.ReasoningID
		}

	case providerapi.ChunkToolCall:
		r.flushPending()
		if len(c.ToolCallArgs) == 0 {
			// Shell with empty args: open a new reassembly slot.
			r.pending = &pendingCall{id: c.ToolCallID, callID: c.ToolCallCallID, name: c.ToolCallName}
			return FeedResult{}
		}
		r.calls = append(r.calls, message.Block{
			Type:              message.BlockToolCall,
			ToolCallID:        c.ToolCallID,
			ToolCallCallID:    c.ToolCallCallID,
			ToolCallName:      c.ToolCallName,
			ToolCallArguments: c.ToolCallArgs,
		})

	case providerapi.ChunkToolCallDelta:
		if r.pending == nil {
			r.pending = &pendingCall{id: c.ToolCallID, callID: c.ToolCallCallID}
		}
		if r.pending.id == "" {
			r.pending.id = c.ToolCallID
		}
		if r.pending.callID == "" {
			r.pending.callID = c.ToolCallCallID
		}
		if c.ToolCallDelta.Finished {
			r.flushPending()
		} else {
			r.pending.args.WriteString(c.ToolCallDelta.Delta)
		}

	case providerapi.ChunkUsage:
		if c.InputTokens > r.inputTokens {
			r.inputTokens = c.InputTokens
		}
		if c.OutputTokens > r.outputTokens {
			r.outputTokens = c.OutputTokens
		}
		if c.TotalTokens > r.totalTokens {
			r.totalTokens = c.TotalTokens
		}

	case providerapi.ChunkError:
		return FeedResult{Err: c.Err}
	}
	return FeedResult{}
}

// flushPending closes out the in-flight reassembly slot, if any, parsing
// its accumulated argument fragments as JSON with a lenient repair step —
// empty or malformed input becomes "{}".
func (r *Reassembler) flushPending() {
	if r.pending == nil {
		return
	}
	p := r.pending
	r.pending = nil
	r.calls = append(r.calls, message.Block{
		Type:              message.BlockToolCall,
		ToolCallID:        p.id,
		ToolCallCallID:    p.callID,
		ToolCallName:      p.name,
		ToolCallArguments: repairJSON(p.args.String()),
	})
}

// repairJSON validates s as a JSON object; on failure it tries closing any
// unbalanced braces/brackets before giving up and returning "{}".
func repairJSON(s string) json.RawMessage {
	s = strings.TrimSpace(s)
	if s == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}

	var buf bytes.Buffer
	depthCurly, depthSquare := 0, 0
	inString := false
	escaped := false
	for _, ch := range s {
		buf.WriteRune(ch)
		if inString {
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depthCurly++
		case '}':
			depthCurly--
		case '[':
			depthSquare++
		case ']':
			depthSquare--
		}
	}
	if inString {
		buf.WriteByte('"')
	}
	for ; depthSquare > 0; depthSquare-- {
		buf.WriteByte(']')
	}
	for ; depthCurly > 0; depthCurly-- {
		buf.WriteByte('}')
	}
	repaired := buf.String()
	if json.Valid([]byte(repaired)) {
		return json.RawMessage(repaired)
	}
	return json.RawMessage("{}")
}

// Finish flushes any pending slot and returns the assembled content
// blocks with reasoning first (when present), then text, then tool
// calls, plus accumulated usage.
func (r *Reassembler) Finish() (content []message.Block, inputTokens, outputTokens, totalTokens int) {
	r.flushPending()

	if r.reasoning.Len() > 0 {
		content = append(content, message.Block{
			Type:               message.BlockReasoning,
			ReasoningText:      r.reasoning.String(),
			ReasoningID:        r.reasoningID,
			ReasoningSignature: r.reasoningSignature,
		})
	}
	if r.text.Len() > 0 {
		content = append(content, message.Block{Type: message.BlockText, Text: r.text.String()})
	}
	content = append(content, r.calls...)

	return content, r.inputTokens, r.outputTokens, r.totalTokens
}

// IsEmpty reports whether the stream produced no text, reasoning, or tool
// calls at all, counting a still-open reassembly slot as content.
func (r *Reassembler) IsEmpty() bool {
	return r.text.Len() == 0 && r.reasoning.Len() == 0 && len(r.calls) == 0 && r.pending == nil
}
