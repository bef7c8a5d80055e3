// Package provideradapter implements providerapi.Provider against real
// model backends. AnthropicProvider is the reference implementation,
// wired against the official Anthropic Go SDK rather than a hand-rolled
// HTTP client.
package provideradapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/symb/internal/providerapi"
)

const defaultMaxTokens int64 = 4096

// thinkingBlock is the JSON shape stashed in ChatMessage.Reasoning /
// ToolCallReq.Signature round trips so a later turn can replay the exact
// thinking block Anthropic requires ahead of tool_use/text blocks on
// models with extended thinking enabled.
type thinkingBlock struct {
	Signature string `json:"signature"`
	Thinking  string `json:"thinking"`
}

// AnthropicProvider wraps the real anthropic-sdk-go client.
type AnthropicProvider struct {
	sdk       anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicProvider builds a provider bound to apiKey and, optionally, a
// non-default baseURL (empty uses the SDK's default). httpClient may be nil.
func NewAnthropicProvider(apiKey, baseURL, model string, httpClient *http.Client) *AnthropicProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(apiKey)),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(baseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	m := strings.TrimSpace(model)
	if m == "" {
		m = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	return &AnthropicProvider{
		sdk:       anthropic.NewClient(opts...),
		model:     m,
		maxTokens: defaultMaxTokens,
	}
}

func (p *AnthropicProvider) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return p.model
}

// SupportsTemperature reports true for every Claude model; Anthropic
// accepts temperature unconditionally.
func (p *AnthropicProvider) SupportsTemperature(model string) bool { return true }

// SupportsReasoningReplay reports whether extended thinking is available
// for model, which gates whether the loop must echo thinking blocks back
// in ChatHistory on the next turn.
func (p *AnthropicProvider) SupportsReasoningReplay(model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	if idx := strings.LastIndex(m, "/"); idx != -1 {
		m = m[idx+1:]
	}
	supports := []string{"claude-sonnet-4", "claude-haiku-4", "claude-opus-4"}
	for _, s := range supports {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}

func (p *AnthropicProvider) buildParams(req providerapi.Request) (anthropic.MessageNewParams, error) {
	sys, msgs, err := adaptMessages(req.ChatHistory, req.Preamble)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	tools, err := adaptTools(req.Tools)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := p.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.pickModel("")),
		Messages:  msgs,
		System:    sys,
		Tools:     tools,
		MaxTokens: maxTokens,
	}
	if req.Temperature != nil && p.SupportsTemperature(string(params.Model)) {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if p.SupportsReasoningReplay(string(params.Model)) {
		const thinkingBudget int64 = 1024
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(thinkingBudget)
		if params.MaxTokens <= thinkingBudget {
			params.MaxTokens = thinkingBudget + 1024
		}
	}
	if len(req.AdditionalParams) > 0 {
		params.SetExtraFields(req.AdditionalParams)
	}
	return params, nil
}

// Completion performs a one-shot, non-streaming call.
func (p *AnthropicProvider) Completion(ctx context.Context, req providerapi.Request) (*providerapi.Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.sdk.Messages.New(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("model", string(params.Model)).Msg("anthropic completion failed")
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}

	out := &providerapi.Response{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
	var sb strings.Builder
	var thinking []thinkingBlock
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case anthropic.ThinkingBlock:
			thinking = append(thinking, thinkingBlock{Signature: v.Signature, Thinking: v.Thinking})
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, toolCallFromBlock(v))
		}
	}
	out.Text = sb.String()
	if len(thinking) > 0 {
		if encoded, err := json.Marshal(thinking); err == nil {
			out.Reasoning = string(encoded)
		}
	}
	return out, nil
}

// Stream performs a streaming call, emitting providerapi.Chunk values as
// the SDK's event stream is consumed. The channel is closed after a
// ChunkError or normal completion.
func (p *AnthropicProvider) Stream(ctx context.Context, req providerapi.Request) (<-chan providerapi.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan providerapi.Chunk, 16)
	go func() {
		defer close(out)

		stream := p.sdk.Messages.NewStreaming(ctx, params)
		defer func() { _ = stream.Close() }()

		toolNames := map[int64]string{}
		toolIDs := map[int64]string{}
		thinkingOpen := map[int64]bool{}

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				switch block := ev.ContentBlock.AsAny().(type) {
				case anthropic.ThinkingBlock:
					thinkingOpen[ev.Index] = true
					if block.Thinking != "" {
						out <- providerapi.Chunk{Kind: providerapi.ChunkReasoningDelta, Reasoning: block.Thinking}
					}
				case anthropic.ToolUseBlock:
					id := strings.TrimSpace(block.ID)
					if id == "" {
						id = fmt.Sprintf("call-%d", ev.Index)
					}
					toolNames[ev.Index] = block.Name
					toolIDs[ev.Index] = id
					out <- providerapi.Chunk{
						Kind:         providerapi.ChunkToolCall,
						ToolCallID:   id,
						ToolCallName: block.Name,
						ToolCallArgs: json.RawMessage("{}"),
					}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" {
						out <- providerapi.Chunk{Kind: providerapi.ChunkText, Text: delta.Text}
					}
				case anthropic.InputJSONDelta:
					out <- providerapi.Chunk{
						Kind:           providerapi.ChunkToolCallDelta,
						ToolCallID:     toolIDs[ev.Index],
						ToolCallCallID: toolIDs[ev.Index],
						ToolCallDelta:  providerapi.ToolCallDeltaContent{Delta: delta.PartialJSON},
					}
				case anthropic.ThinkingDelta:
					if delta.Thinking != "" {
						out <- providerapi.Chunk{Kind: providerapi.ChunkReasoningDelta, Reasoning: delta.Thinking}
					}
				case anthropic.SignatureDelta:
					if delta.Signature != "" {
						out <- providerapi.Chunk{Kind: providerapi.ChunkReasoning, ReasoningSignature: delta.Signature}
					}
				}
			case anthropic.ContentBlockStopEvent:
				if toolIDs[ev.Index] != "" {
					out <- providerapi.Chunk{
						Kind:           providerapi.ChunkToolCallDelta,
						ToolCallID:     toolIDs[ev.Index],
						ToolCallCallID: toolIDs[ev.Index],
						ToolCallDelta:  providerapi.ToolCallDeltaContent{Finished: true},
					}
				}
			case anthropic.MessageDeltaEvent:
				out <- providerapi.Chunk{
					Kind:         providerapi.ChunkUsage,
					OutputTokens: int(ev.Usage.OutputTokens),
				}
			}
		}

		if err := stream.Err(); err != nil {
			log.Error().Err(err).Str("model", string(params.Model)).Msg("anthropic stream failed")
			out <- providerapi.Chunk{Kind: providerapi.ChunkError, Err: fmt.Errorf("anthropic stream: %w", err)}
		}
	}()
	return out, nil
}

func toolCallFromBlock(v anthropic.ToolUseBlock) providerapi.ToolCallReq {
	id := strings.TrimSpace(v.ID)
	if id == "" {
		id = "call-1"
	}
	args := v.Input
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return providerapi.ToolCallReq{ID: id, CallID: id, Name: v.Name, Arguments: args}
}

func adaptTools(tools []providerapi.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("anthropic provider: tool name required")
		}

		var raw map[string]any
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &raw); err != nil {
				return nil, fmt.Errorf("anthropic provider: tool %s: invalid schema: %w", name, err)
			}
		}

		schema := anthropic.ToolInputSchemaParam{Type: constant.ValueOf[constant.Object]()}
		if props, ok := raw["properties"]; ok {
			schema.Properties = props
			delete(raw, "properties")
		}
		if req, ok := raw["required"]; ok {
			delete(raw, "required")
			if arr, ok := req.([]any); ok {
				for _, item := range arr {
					if s, ok := item.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
		}
		delete(raw, "type")
		if len(raw) > 0 {
			schema.ExtraFields = raw
		}

		param := anthropic.ToolParam{Name: name, InputSchema: schema}
		if desc := strings.TrimSpace(t.Description); desc != "" {
			param.Description = anthropic.String(desc)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, nil
}

func adaptMessages(history []providerapi.ChatMessage, preamble string) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	var system []anthropic.TextBlockParam
	if strings.TrimSpace(preamble) != "" {
		system = append(system, anthropic.TextBlockParam{Text: preamble})
	}

	out := make([]anthropic.MessageParam, 0, len(history))
	for _, m := range history {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		switch role {
		case "user":
			blocks := []anthropic.ContentBlockParamUnion{}
			for _, tr := range m.ToolResults {
				id := strings.TrimSpace(tr.CallID)
				if id == "" {
					id = tr.ID
				}
				blocks = append(blocks, anthropic.NewToolResultBlock(id, tr.Text, tr.IsErr))
			}
			if strings.TrimSpace(m.Text) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Text))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		case "assistant":
			blocks := []anthropic.ContentBlockParamUnion{}
			if m.ReasoningSignature != "" || m.Reasoning != "" {
				var saved []thinkingBlock
				if err := json.Unmarshal([]byte(m.Reasoning), &saved); err == nil {
					for _, tb := range saved {
						blocks = append(blocks, anthropic.NewThinkingBlock(tb.Signature, tb.Thinking))
					}
				} else {
					// Plain streamed thinking text with its detached signature.
					blocks = append(blocks, anthropic.NewThinkingBlock(m.ReasoningSignature, m.Reasoning))
				}
			}
			if strings.TrimSpace(m.Text) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Text))
			}
			for i, tc := range m.ToolCalls {
				id := strings.TrimSpace(tc.CallID)
				if id == "" {
					id = tc.ID
				}
				if id == "" {
					id = fmt.Sprintf("call-%d", i+1)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(id, decodeArgs(tc.Arguments), tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			return nil, nil, fmt.Errorf("anthropic provider: unsupported role %q", m.Role)
		}
	}
	return system, out, nil
}

func decodeArgs(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	return map[string]any{}
}
