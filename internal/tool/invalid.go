package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// InvalidID is the sentinel tool substituted when the model names a tool
// that does not exist. Its input carries the offending name and the reason.
const InvalidID = "invalid"

type invalidTool struct{}

// NewInvalid creates the sentinel tool.
func NewInvalid() Tool {
	return invalidTool{}
}

func (invalidTool) ID() string { return InvalidID }

func (invalidTool) Description() string {
	return "Placeholder for tool calls that could not be dispatched. Do not call directly."
}

func (invalidTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"tool": {"type": "string", "description": "The tool name that failed to resolve"},
			"error": {"type": "string", "description": "Why the call could not be dispatched"}
		},
		"required": ["tool", "error"]
	}`)
}

func (invalidTool) Execute(ctx context.Context, input map[string]any, call *Context) (*Result, error) {
	name, _ := input["tool"].(string)
	reason, _ := input["error"].(string)
	if reason == "" {
		reason = "unknown tool"
	}
	return nil, fmt.Errorf("tool %q: %s", name, reason)
}
