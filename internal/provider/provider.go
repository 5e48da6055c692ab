// Package provider adapts eino chat models to the typed event stream the
// stream processor consumes.
package provider

import (
	"context"

	"github.com/cloudwego/eino/schema"

	"github.com/kiln-ai/kiln/pkg/types"
)

// Request is one model invocation.
type Request struct {
	System      []string
	Messages    []*schema.Message
	Tools       []*schema.ToolInfo
	MaxTokens   int
	Temperature *float64
}

// LanguageModel streams typed events for one request. The returned channel
// is closed when the stream ends; cancelling ctx terminates it promptly.
type LanguageModel interface {
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// StreamEvent is the union of events a model stream produces. Events for
// distinct blocks may interleave; within one block they are ordered.
type StreamEvent interface {
	streamEvent()
}

// TextStart opens a text block.
type TextStart struct{}

// TextDelta appends to the open text block.
type TextDelta struct {
	Delta string
}

// TextEnd closes the text block with its final content.
type TextEnd struct {
	Text     string
	Metadata map[string]any
}

// ReasoningStart opens a thinking block.
type ReasoningStart struct{}

// ReasoningDelta appends to the open thinking block.
type ReasoningDelta struct {
	Delta string
}

// ReasoningEnd closes the thinking block.
type ReasoningEnd struct {
	Text     string
	Metadata map[string]any
}

// ToolCallStart announces a tool invocation before its input is complete.
type ToolCallStart struct {
	ToolCallID string
	ToolName   string
}

// ToolCallDelta carries an input fragment for an announced tool call.
type ToolCallDelta struct {
	ToolCallID string
	ArgsDelta  string
}

// ToolCall carries the finalized input for a tool invocation.
type ToolCall struct {
	ToolCallID string
	ToolName   string
	Args       string
}

// StepFinish terminates one model step.
type StepFinish struct {
	Reason   types.FinishReason
	Usage    types.TokenUsage
	Metadata map[string]any
}

// StreamError reports a failure; no further events follow.
type StreamError struct {
	Cause error
}

func (TextStart) streamEvent()      {}
func (TextDelta) streamEvent()      {}
func (TextEnd) streamEvent()        {}
func (ReasoningStart) streamEvent() {}
func (ReasoningDelta) streamEvent() {}
func (ReasoningEnd) streamEvent()   {}
func (ToolCallStart) streamEvent()  {}
func (ToolCallDelta) streamEvent()  {}
func (ToolCall) streamEvent()       {}
func (StepFinish) streamEvent()     {}
func (StreamError) streamEvent()    {}

// Provider exposes a family of models behind one credential.
type Provider interface {
	// ID returns the provider identifier.
	ID() string

	// Name returns the human-readable provider name.
	Name() string

	// Models returns the catalog of available models.
	Models() []types.Model

	// Model returns a LanguageModel for one catalog entry.
	Model(ctx context.Context, modelID string) (LanguageModel, error)
}
