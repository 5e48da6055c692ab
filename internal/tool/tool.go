// Package tool defines the tool ABI and the registry the turn engine draws
// from.
package tool

import (
	"context"
	"encoding/json"

	"github.com/cloudwego/eino/schema"

	"github.com/kiln-ai/kiln/internal/question"
	"github.com/kiln-ai/kiln/pkg/types"
)

// Tool is one model-invocable capability.
type Tool interface {
	// ID returns the tool identifier.
	ID() string

	// Description returns the tool description shown to the model.
	Description() string

	// Parameters returns the JSON Schema for tool input.
	Parameters() json.RawMessage

	// Execute runs the tool. ctx is derived from the session's abort signal;
	// a cancelled ctx must be honored promptly.
	Execute(ctx context.Context, input map[string]any, call *Context) (*Result, error)
}

// ModelFilter optionally restricts a tool to certain models. Advisory only.
type ModelFilter interface {
	SupportsModel(modelID string) bool
}

// AskRequest is a permission check issued from inside a tool.
type AskRequest struct {
	Permission string
	Patterns   []string
	Always     []string
	Metadata   map[string]any
}

// Context is the per-call environment handed to Execute.
type Context struct {
	SessionID string
	MessageID string
	CallID    string
	Agent     string

	// Metadata patches the in-progress tool part's title and metadata.
	Metadata func(title string, metadata map[string]any)

	// Ask delegates to the permission arbiter. Returns nil on allow, an
	// error on deny or rejection.
	Ask func(ctx context.Context, req AskRequest) error

	// Question poses multiple-choice questions to the operator.
	Question func(ctx context.Context, questions []question.Info) ([][]string, error)

	// Messages returns the session's current message list for tools that
	// need conversational context.
	Messages func(ctx context.Context) ([]types.MessageWithParts, error)
}

// SetMetadata is a nil-safe wrapper around the Metadata callback.
func (c *Context) SetMetadata(title string, metadata map[string]any) {
	if c.Metadata != nil {
		c.Metadata(title, metadata)
	}
}

// Result is the output of one tool execution. Attachments become file parts
// on the same assistant message.
type Result struct {
	Title       string         `json:"title"`
	Output      string         `json:"output"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

// Attachment is a file produced by a tool.
type Attachment struct {
	Filename string `json:"filename,omitempty"`
	Mime     string `json:"mime"`
	URL      string `json:"url"`
}

// Info converts a tool's schema to the adapter's tool description.
func Info(t Tool) *schema.ToolInfo {
	return &schema.ToolInfo{
		Name:        t.ID(),
		Desc:        t.Description(),
		ParamsOneOf: schema.NewParamsOneOfByParams(schemaParams(t.Parameters())),
	}
}

// schemaParams converts a JSON Schema object to eino parameter infos. Only
// the flat property forms tools actually use are mapped.
func schemaParams(raw json.RawMessage) map[string]*schema.ParameterInfo {
	var parsed struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
			Items       *struct {
				Type string `json:"type"`
			} `json:"items"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil
	}

	required := make(map[string]bool, len(parsed.Required))
	for _, name := range parsed.Required {
		required[name] = true
	}

	params := make(map[string]*schema.ParameterInfo, len(parsed.Properties))
	for name, prop := range parsed.Properties {
		info := &schema.ParameterInfo{
			Type:     schemaType(prop.Type),
			Desc:     prop.Description,
			Required: required[name],
		}
		if prop.Type == "array" && prop.Items != nil {
			info.ElemInfo = &schema.ParameterInfo{Type: schemaType(prop.Items.Type)}
		}
		params[name] = info
	}
	return params
}

func schemaType(t string) schema.DataType {
	switch t {
	case "integer":
		return schema.Integer
	case "number":
		return schema.Number
	case "boolean":
		return schema.Boolean
	case "array":
		return schema.Array
	case "object":
		return schema.Object
	default:
		return schema.String
	}
}
