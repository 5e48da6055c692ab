package session

import (
	"encoding/json"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/kiln-ai/kiln/pkg/types"
)

// interruptedOutput stands in for tool calls that never finished, so the
// model always sees a well-formed call/result trajectory.
const interruptedOutput = "[Tool execution was interrupted]"

// materialize converts persisted messages into the sequence sent to the
// model adapter.
func materialize(messages []types.MessageWithParts) []*schema.Message {
	var out []*schema.Message

	for _, msg := range messages {
		switch info := msg.Info.(type) {
		case *types.UserMessage:
			if m := materializeUser(msg.Parts); m != nil {
				out = append(out, m)
			}
		case *types.AssistantMessage:
			out = append(out, materializeAssistant(info, msg.Parts)...)
		}
	}
	return out
}

func materializeUser(parts []types.Part) *schema.Message {
	var texts []string
	var media []schema.ChatMessagePart

	for _, part := range parts {
		switch p := part.(type) {
		case *types.TextPart:
			if p.Ignored {
				continue
			}
			texts = append(texts, p.Text)
		case *types.FilePart:
			if strings.HasPrefix(p.Mime, "text/plain") {
				continue
			}
			media = append(media, schema.ChatMessagePart{
				Type: schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{
					URL: p.URL,
				},
			})
		}
	}

	if len(texts) == 0 && len(media) == 0 {
		return nil
	}

	m := &schema.Message{Role: schema.User, Content: strings.Join(texts, "\n")}
	if len(media) > 0 {
		if m.Content != "" {
			media = append([]schema.ChatMessagePart{{
				Type: schema.ChatMessagePartTypeText,
				Text: m.Content,
			}}, media...)
			m.Content = ""
		}
		m.MultiContent = media
	}
	return m
}

func materializeAssistant(info *types.AssistantMessage, parts []types.Part) []*schema.Message {
	errored := info.Error != nil && info.Error.Name != types.ErrNameAborted

	var texts []string
	var reasoning []string
	var toolCalls []schema.ToolCall
	var toolResults []*schema.Message

	for _, part := range parts {
		switch p := part.(type) {
		case *types.TextPart:
			if p.Ignored || errored {
				continue
			}
			texts = append(texts, p.Text)
		case *types.ReasoningPart:
			reasoning = append(reasoning, p.Text)
		case *types.ToolPart:
			if errored {
				continue
			}
			input, output := toolExchange(p)
			toolCalls = append(toolCalls, schema.ToolCall{
				ID: p.CallID,
				Function: schema.FunctionCall{
					Name:      p.Tool,
					Arguments: input,
				},
			})
			toolResults = append(toolResults, &schema.Message{
				Role:       schema.Tool,
				ToolCallID: p.CallID,
				Content:    output,
			})
		}
	}

	// A failed step contributes nothing unless it produced reasoning.
	if errored && len(reasoning) == 0 {
		return nil
	}

	assistant := &schema.Message{
		Role:             schema.Assistant,
		Content:          strings.Join(texts, "\n"),
		ReasoningContent: strings.Join(reasoning, "\n"),
		ToolCalls:        toolCalls,
	}
	if assistant.Content == "" && assistant.ReasoningContent == "" && len(toolCalls) == 0 {
		return nil
	}

	out := []*schema.Message{assistant}
	out = append(out, toolResults...)
	return out
}

// toolExchange renders a tool part as its call arguments and result text.
// Unfinished calls replay as interrupted.
func toolExchange(p *types.ToolPart) (args, output string) {
	switch state := p.State.(type) {
	case types.ToolStateCompleted:
		args = encodeArgs(state.Input)
		output = state.Output
	case types.ToolStateError:
		args = encodeArgs(state.Input)
		output = "Error: " + state.Error
	case types.ToolStateRunning:
		args = encodeArgs(state.Input)
		output = interruptedOutput
	case types.ToolStatePending:
		args = encodeArgs(state.Input)
		output = interruptedOutput
	default:
		args = "{}"
		output = interruptedOutput
	}
	return args, output
}

func encodeArgs(input map[string]any) string {
	if input == nil {
		return "{}"
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(data)
}
