package types

import (
	"encoding/json"
	"fmt"
)

// Message is either a UserMessage or an AssistantMessage, discriminated by
// the "role" field on the wire.
type Message interface {
	MessageRole() string
	MessageID() string
	MessageSessionID() string
}

// UserMessage is one operator turn.
type UserMessage struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionID"`
	Role      string          `json:"role"` // always "user"
	Time      UserTime        `json:"time"`
	Agent     string          `json:"agent"`
	Model     ModelRef        `json:"model"`
	System    string          `json:"system,omitempty"`
	Tools     map[string]bool `json:"tools,omitempty"`
	Variant   string          `json:"variant,omitempty"`
}

func (m *UserMessage) MessageRole() string      { return "user" }
func (m *UserMessage) MessageID() string        { return m.ID }
func (m *UserMessage) MessageSessionID() string { return m.SessionID }

// UserTime contains timestamps for a user message.
type UserTime struct {
	Created int64 `json:"created"`
}

// AssistantMessage is one model step produced in response to a user message.
// Finish is set exactly when the step's stream has terminated.
type AssistantMessage struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"sessionID"`
	Role       string        `json:"role"` // always "assistant"
	Time       AssistantTime `json:"time"`
	ParentID   string        `json:"parentID"`
	ModelID    string        `json:"modelID"`
	ProviderID string        `json:"providerID"`
	Mode       string        `json:"mode,omitempty"`
	Agent      string        `json:"agent"`
	Path       MessagePath   `json:"path"`
	Cost       float64       `json:"cost"`
	Tokens     TokenUsage    `json:"tokens"`
	Finish     FinishReason  `json:"finish,omitempty"`
	Error      *SessionError `json:"error,omitempty"`
	Summary    bool          `json:"summary,omitempty"`
	Variant    string        `json:"variant,omitempty"`
}

func (m *AssistantMessage) MessageRole() string      { return "assistant" }
func (m *AssistantMessage) MessageID() string        { return m.ID }
func (m *AssistantMessage) MessageSessionID() string { return m.SessionID }

// AssistantTime contains timestamps for an assistant message. Completed is
// set when the message is finalized, normally or with an error.
type AssistantTime struct {
	Created   int64  `json:"created"`
	Completed *int64 `json:"completed,omitempty"`
}

// MessagePath records where the step ran.
type MessagePath struct {
	Cwd  string `json:"cwd"`
	Root string `json:"root"`
}

// FinishReason is the terminal label on an assistant message.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool-calls"
	FinishContentFilter FinishReason = "content-filter"
	FinishError         FinishReason = "error"
	FinishAbort         FinishReason = "abort"
	FinishUnknown       FinishReason = "unknown"
)

// ModelRef references a specific model from a provider.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// TokenUsage contains token counts for a message.
type TokenUsage struct {
	Input     int        `json:"input"`
	Output    int        `json:"output"`
	Reasoning int        `json:"reasoning"`
	Cache     CacheUsage `json:"cache"`
}

// CacheUsage contains prompt-cache read/write counts.
type CacheUsage struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// Add accumulates usage from one step into the running total.
func (t *TokenUsage) Add(u TokenUsage) {
	t.Input += u.Input
	t.Output += u.Output
	t.Reasoning += u.Reasoning
	t.Cache.Read += u.Cache.Read
	t.Cache.Write += u.Cache.Write
}

// MessageWithParts pairs a message with its parts for API responses.
type MessageWithParts struct {
	Info  Message `json:"info"`
	Parts []Part  `json:"parts"`
}

// UnmarshalMessage decodes a message by its role discriminator.
func UnmarshalMessage(data []byte) (Message, error) {
	var probe struct {
		Role string `json:"role"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	switch probe.Role {
	case "user":
		var m UserMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case "assistant":
		var m AssistantMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown message role %q", probe.Role)
	}
}
