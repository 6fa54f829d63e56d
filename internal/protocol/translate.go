package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// NewMessageID returns a fresh Anthropic-shaped message id.
func NewMessageID() string { return newID("msg") }

// NewRequestID returns a fresh request id for error envelopes.
func NewRequestID() string { return newID("req") }

func newID(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("protocol: reading random bytes: %v", err))
	}
	return prefix + "_" + hex.EncodeToString(b)
}

// ToChatRequest converts an Anthropic Messages request into the OpenAI
// chat-completions shape. Mixed content blocks are split: text is
// concatenated into the message body, tool_use blocks become tool_calls, and
// tool_result blocks become separate role:tool messages. Image blocks are
// dropped because the chat-completions backend is text-only.
func ToChatRequest(req *MessagesRequest) *ChatRequest {
	out := &ChatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}

	if req.System != "" {
		out.Messages = append(out.Messages, ChatMessage{Role: "system", Content: string(req.System)})
	}

	for _, msg := range req.Messages {
		if msg.Content.Blocks == nil {
			out.Messages = append(out.Messages, ChatMessage{Role: msg.Role, Content: msg.Content.Text})
			continue
		}

		var text strings.Builder
		var calls []ToolCall
		var results []ChatMessage
		for _, blk := range msg.Content.Blocks {
			switch blk.Type {
			case "text":
				text.WriteString(blk.Text)
			case "tool_use":
				input := blk.Input
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				calls = append(calls, ToolCall{
					ID:       blk.ID,
					Type:     "function",
					Function: FunctionCall{Name: blk.Name, Arguments: string(input)},
				})
			case "tool_result":
				results = append(results, ChatMessage{
					Role:       "tool",
					Content:    blk.ResultText(),
					ToolCallID: blk.ToolUseID,
				})
			case "image":
				log.Warn().Str("model", req.Model).Msg("dropping image block: backend is text-only")
			}
		}
		if text.Len() > 0 || len(calls) > 0 {
			out.Messages = append(out.Messages, ChatMessage{Role: msg.Role, Content: text.String(), ToolCalls: calls})
		}
		out.Messages = append(out.Messages, results...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, ChatTool{
			Type: "function",
			Function: FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case "auto":
			out.ToolChoice = "auto"
		case "none":
			out.ToolChoice = "none"
		case "any":
			out.ToolChoice = "required"
		case "tool":
			out.ToolChoice = map[string]interface{}{
				"type":     "function",
				"function": map[string]string{"name": req.ToolChoice.Name},
			}
		}
	}

	return out
}

// ToMessagesResponse converts a chat completion into an Anthropic Message.
// The id is freshly generated because llama-server completion ids are not
// Anthropic-shaped.
func ToMessagesResponse(resp *ChatResponse) (*MessagesResponse, error) {
	out := &MessagesResponse{
		ID:      NewMessageID(),
		Type:    "message",
		Role:    "assistant",
		Model:   resp.Model,
		Content: []ContentBlock{},
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	reason := "end_turn"
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message.Content != "" {
			out.Content = append(out.Content, ContentBlock{Type: "text", Text: choice.Message.Content})
		}
		for _, tc := range choice.Message.ToolCalls {
			args := tc.Function.Arguments
			if args == "" {
				args = "{}"
			}
			if !json.Valid([]byte(args)) {
				return nil, fmt.Errorf("tool call %s: arguments are not valid JSON", tc.Function.Name)
			}
			out.Content = append(out.Content, ContentBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: json.RawMessage(args),
			})
		}
		reason = StopReason(choice.FinishReason)
		if len(choice.Message.ToolCalls) > 0 {
			reason = "tool_use"
		}
	}
	out.StopReason = &reason

	return out, nil
}

// StopReason maps an OpenAI finish_reason onto the Anthropic vocabulary.
func StopReason(finish string) string {
	switch finish {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// CountInputTokens estimates the prompt size of a Messages request at four
// characters per token, rounding up.
func CountInputTokens(req *MessagesRequest) int {
	chars := len(req.System)
	for _, msg := range req.Messages {
		if msg.Content.Blocks == nil {
			chars += len(msg.Content.Text)
			continue
		}
		for _, blk := range msg.Content.Blocks {
			switch blk.Type {
			case "text":
				chars += len(blk.Text)
			case "tool_use":
				chars += len(blk.Input)
			case "tool_result":
				chars += len(blk.ResultText())
			}
		}
	}
	return (chars + 3) / 4
}
