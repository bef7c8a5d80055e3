// Package historyconv translates between the loop's block-structured
// message.History and the provider adapter's decoupled ChatMessage wire
// shape, so provider adapters never import internal/message
// directly.
package historyconv

import (
	"github.com/xonecas/symb/internal/message"
	"github.com/xonecas/symb/internal/providerapi"
)

// ToChatHistory converts history into the provider request shape. When
// includeReasoning is false (the model's capability table says it doesn't
// accept replayed reasoning), Reasoning blocks are dropped from the wire
// message but remain in the caller's message.History for the session
// record.
func ToChatHistory(history message.History, includeReasoning bool) []providerapi.ChatMessage {
	out := make([]providerapi.ChatMessage, 0, len(history))
	for _, m := range history {
		cm := providerapi.ChatMessage{Role: string(m.Role)}
		for _, b := range m.Content {
			switch b.Type {
			case message.BlockText:
				cm.Text += b.Text
			case message.BlockReasoning:
				if includeReasoning {
					cm.Reasoning += b.ReasoningText
					if cm.ReasoningID == "" {
						cm.ReasoningID = b.ReasoningID
					}
					if cm.ReasoningSignature == "" {
						cm.ReasoningSignature = b.ReasoningSignature
					}
				}
			case message.BlockToolCall:
				cm.ToolCalls = append(cm.ToolCalls, providerapi.ToolCallReq{
					ID: b.ToolCallID, CallID: b.ToolCallCallID, Name: b.ToolCallName,
					Arguments: b.ToolCallArguments,
				})
			case message.BlockToolResult:
				cm.ToolResults = append(cm.ToolResults, providerapi.ToolResultMsg{
					ID: b.ToolResultID, CallID: b.ToolResultCallID, Text: b.ToolResultText, IsErr: b.ToolResultIsErr,
				})
			}
		}
		out = append(out, cm)
	}
	return out
}

// ToolResultMessage builds the user-role message carrying one turn's tool
// results, in call order.
func ToolResultMessage(results []message.Block) message.Message {
	return message.Message{Role: message.RoleUser, Content: results}
}
