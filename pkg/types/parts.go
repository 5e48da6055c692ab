package types

import (
	"encoding/json"
	"fmt"
)

// Part is the smallest persisted unit of message content, discriminated by
// the "type" field on the wire.
type Part interface {
	PartType() string
	PartID() string
	PartMessageID() string
	PartSessionID() string
}

// PartTime contains timing information for a part.
type PartTime struct {
	Start int64  `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

// TextPart is model or user text. Synthetic parts are inserted by the core
// to steer the loop; ignored parts do not feed back into later model calls.
type TextPart struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	MessageID string         `json:"messageID"`
	Type      string         `json:"type"` // always "text"
	Text      string         `json:"text"`
	Synthetic bool           `json:"synthetic,omitempty"`
	Ignored   bool           `json:"ignored,omitempty"`
	Time      *PartTime      `json:"time,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (p *TextPart) PartType() string      { return "text" }
func (p *TextPart) PartID() string        { return p.ID }
func (p *TextPart) PartMessageID() string { return p.MessageID }
func (p *TextPart) PartSessionID() string { return p.SessionID }

// ReasoningPart is an extended-thinking block.
type ReasoningPart struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	MessageID string         `json:"messageID"`
	Type      string         `json:"type"` // always "reasoning"
	Text      string         `json:"text"`
	Time      PartTime       `json:"time"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (p *ReasoningPart) PartType() string      { return "reasoning" }
func (p *ReasoningPart) PartID() string        { return p.ID }
func (p *ReasoningPart) PartMessageID() string { return p.MessageID }
func (p *ReasoningPart) PartSessionID() string { return p.SessionID }

// FilePart is an attachment on a user message or tool output.
type FilePart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "file"
	Mime      string `json:"mime"`
	Filename  string `json:"filename,omitempty"`
	URL       string `json:"url"`
}

func (p *FilePart) PartType() string      { return "file" }
func (p *FilePart) PartID() string        { return p.ID }
func (p *FilePart) PartMessageID() string { return p.MessageID }
func (p *FilePart) PartSessionID() string { return p.SessionID }

// ToolPart is one tool invocation and its result.
type ToolPart struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionID"`
	MessageID string    `json:"messageID"`
	Type      string    `json:"type"` // always "tool"
	CallID    string    `json:"callID"`
	Tool      string    `json:"tool"`
	State     ToolState `json:"state"`
}

func (p *ToolPart) PartType() string      { return "tool" }
func (p *ToolPart) PartID() string        { return p.ID }
func (p *ToolPart) PartMessageID() string { return p.MessageID }
func (p *ToolPart) PartSessionID() string { return p.SessionID }

// ToolStatus names the states of the tool state machine. The only legal
// transitions are pending -> running -> completed|error.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// ToolState is the state variant of a tool part, discriminated by "status".
type ToolState interface {
	Status() ToolStatus
}

// ToolStatePending accumulates raw tool-call input as it streams in.
type ToolStatePending struct {
	Raw   string         `json:"raw,omitempty"`
	Input map[string]any `json:"input,omitempty"` // best-effort partial parse
}

func (ToolStatePending) Status() ToolStatus { return ToolPending }

// ToolStateRunning means the input is final and execute is in progress.
type ToolStateRunning struct {
	Input    map[string]any `json:"input"`
	Title    string         `json:"title,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Time     PartTime       `json:"time"`
}

func (ToolStateRunning) Status() ToolStatus { return ToolRunning }

// ToolStateCompleted is terminal success.
type ToolStateCompleted struct {
	Input    map[string]any `json:"input"`
	Output   string         `json:"output"`
	Title    string         `json:"title,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Time     PartTime       `json:"time"`
}

func (ToolStateCompleted) Status() ToolStatus { return ToolCompleted }

// ToolStateError is terminal failure.
type ToolStateError struct {
	Input    map[string]any `json:"input,omitempty"`
	Error    string         `json:"error"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Time     PartTime       `json:"time"`
}

func (ToolStateError) Status() ToolStatus { return ToolError }

// toolStateEnvelope tags a state with its status for the wire.
type toolStateEnvelope struct {
	Status ToolStatus `json:"status"`
}

// MarshalJSON writes the tool part with a status-tagged state object.
func (p ToolPart) MarshalJSON() ([]byte, error) {
	state, err := marshalToolState(p.State)
	if err != nil {
		return nil, err
	}
	type alias ToolPart
	aux := struct {
		alias
		State json.RawMessage `json:"state"`
	}{alias: alias(p), State: state}
	return json.Marshal(aux)
}

// UnmarshalJSON decodes the status-tagged state object.
func (p *ToolPart) UnmarshalJSON(data []byte) error {
	type alias ToolPart
	aux := struct {
		*alias
		State json.RawMessage `json:"state"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.State) == 0 {
		p.State = ToolStatePending{}
		return nil
	}
	state, err := unmarshalToolState(aux.State)
	if err != nil {
		return err
	}
	p.State = state
	return nil
}

func marshalToolState(s ToolState) (json.RawMessage, error) {
	if s == nil {
		s = ToolStatePending{}
	}
	body, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	// Merge the status tag into the state object.
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	m["status"] = string(s.Status())
	return json.Marshal(m)
}

func unmarshalToolState(data []byte) (ToolState, error) {
	var env toolStateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Status {
	case ToolPending:
		var s ToolStatePending
		return s, json.Unmarshal(data, &s)
	case ToolRunning:
		var s ToolStateRunning
		return s, json.Unmarshal(data, &s)
	case ToolCompleted:
		var s ToolStateCompleted
		return s, json.Unmarshal(data, &s)
	case ToolError:
		var s ToolStateError
		return s, json.Unmarshal(data, &s)
	default:
		return nil, fmt.Errorf("unknown tool state %q", env.Status)
	}
}

// UnmarshalPart decodes a part by its type discriminator.
func UnmarshalPart(data []byte) (Part, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	switch probe.Type {
	case "text":
		var p TextPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "reasoning":
		var p ReasoningPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "file":
		var p FilePart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "tool":
		var p ToolPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("unknown part type %q", probe.Type)
	}
}
