package provider

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/kiln-ai/kiln/pkg/types"
)

// relay converts an eino chunk stream into the typed event stream. It owns
// the reader and closes it on return.
func relay(ctx context.Context, reader *schema.StreamReader[*schema.Message]) <-chan StreamEvent {
	out := make(chan StreamEvent)

	go func() {
		defer close(out)
		defer reader.Close()

		var (
			text          string
			textOpen      bool
			reasoning     string
			reasoningOpen bool
			usage         types.TokenUsage
			finish        string
			calls         []*callState
			callsByKey    = map[string]*callState{}
		)

		emit := func(e StreamEvent) bool {
			select {
			case out <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}

		closeBlocks := func() bool {
			if reasoningOpen {
				reasoningOpen = false
				if !emit(ReasoningEnd{Text: reasoning}) {
					return false
				}
			}
			if textOpen {
				textOpen = false
				if !emit(TextEnd{Text: text}) {
					return false
				}
			}
			for _, call := range calls {
				if call.finalized {
					continue
				}
				call.finalized = true
				if !emit(ToolCall{ToolCallID: call.id, ToolName: call.name, Args: call.args}) {
					return false
				}
			}
			return true
		}

		for {
			select {
			case <-ctx.Done():
				emitNonBlocking(out, StreamError{Cause: ctx.Err()})
				return
			default:
			}

			msg, err := reader.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				closeBlocks()
				emit(StreamError{Cause: err})
				return
			}

			if msg.ReasoningContent != "" {
				delta := chunkDelta(reasoning, msg.ReasoningContent)
				if delta != "" {
					if !reasoningOpen {
						reasoningOpen = true
						if !emit(ReasoningStart{}) {
							return
						}
					}
					reasoning += delta
					if !emit(ReasoningDelta{Delta: delta}) {
						return
					}
				}
			}

			if msg.Content != "" {
				delta := chunkDelta(text, msg.Content)
				if delta != "" {
					if !textOpen {
						textOpen = true
						if !emit(TextStart{}) {
							return
						}
					}
					text += delta
					if !emit(TextDelta{Delta: delta}) {
						return
					}
				}
			}

			for _, tc := range msg.ToolCalls {
				key := callKey(tc, len(calls))
				call, ok := callsByKey[key]
				if !ok {
					call = &callState{id: tc.ID, name: tc.Function.Name}
					if call.id == "" {
						call.id = key
					}
					callsByKey[key] = call
					calls = append(calls, call)
					if !emit(ToolCallStart{ToolCallID: call.id, ToolName: call.name}) {
						return
					}
				}
				if tc.ID != "" {
					call.id = tc.ID
				}
				if tc.Function.Name != "" {
					call.name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					call.args += tc.Function.Arguments
					if !emit(ToolCallDelta{ToolCallID: call.id, ArgsDelta: tc.Function.Arguments}) {
						return
					}
				}
			}

			if msg.ResponseMeta != nil {
				if msg.ResponseMeta.Usage != nil {
					usage.Input = msg.ResponseMeta.Usage.PromptTokens
					usage.Output = msg.ResponseMeta.Usage.CompletionTokens
				}
				if msg.ResponseMeta.FinishReason != "" {
					finish = msg.ResponseMeta.FinishReason
				}
			}
		}

		if !closeBlocks() {
			return
		}
		reason := mapFinishReason(finish)
		if finish == "" {
			if len(calls) > 0 {
				reason = types.FinishToolCalls
			} else {
				reason = types.FinishStop
			}
		}
		emit(StepFinish{Reason: reason, Usage: usage})
	}()

	return out
}

type callState struct {
	id        string
	name      string
	args      string
	finalized bool
}

// callKey identifies a tool-call block across chunks. Providers that stream
// arguments identify the block by index; others repeat the call ID.
func callKey(tc schema.ToolCall, ordinal int) string {
	if tc.Index != nil {
		return fmt.Sprintf("idx:%d", *tc.Index)
	}
	if tc.ID != "" {
		return tc.ID
	}
	return fmt.Sprintf("ord:%d", ordinal)
}

// chunkDelta returns the new suffix when a provider sends cumulative
// content, or the chunk itself when it sends true deltas. A chunk that only
// restates already-accumulated content yields nothing.
func chunkDelta(accumulated, chunk string) string {
	if strings.HasPrefix(chunk, accumulated) {
		return chunk[len(accumulated):]
	}
	if strings.HasPrefix(accumulated, chunk) {
		return ""
	}
	return chunk
}

func emitNonBlocking(out chan<- StreamEvent, e StreamEvent) {
	select {
	case out <- e:
	default:
	}
}

// mapFinishReason normalizes provider finish labels.
func mapFinishReason(reason string) types.FinishReason {
	switch reason {
	case "stop", "end_turn", "stop_sequence":
		return types.FinishStop
	case "length", "max_tokens":
		return types.FinishLength
	case "tool_calls", "tool_use", "function_call":
		return types.FinishToolCalls
	case "content_filter":
		return types.FinishContentFilter
	case "error":
		return types.FinishError
	default:
		return types.FinishUnknown
	}
}
