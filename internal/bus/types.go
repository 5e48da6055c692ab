package bus

import "github.com/kiln-ai/kiln/pkg/types"

// SessionCreatedData is the payload for session.created.
type SessionCreatedData struct {
	Info *types.Session `json:"info"`
}

// SessionUpdatedData is the payload for session.updated.
type SessionUpdatedData struct {
	Info *types.Session `json:"info"`
}

// SessionDeletedData is the payload for session.deleted.
type SessionDeletedData struct {
	Info *types.Session `json:"info"`
}

// SessionErrorData is the payload for session.error.
type SessionErrorData struct {
	SessionID string              `json:"sessionID,omitempty"`
	Error     *types.SessionError `json:"error,omitempty"`
}

// MessageUpdatedData is the payload for message.updated.
type MessageUpdatedData struct {
	Info types.Message `json:"info"`
}

// MessageRemovedData is the payload for message.removed.
type MessageRemovedData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
}

// MessagePartUpdatedData is the payload for message.part.updated. Delta is
// set for streaming text updates.
type MessagePartUpdatedData struct {
	Part  types.Part `json:"part"`
	Delta string     `json:"delta,omitempty"`
}

// MessagePartRemovedData is the payload for message.part.removed.
type MessagePartRemovedData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	PartID    string `json:"partID"`
}

// PermissionAskedData is the payload for permission.asked.
type PermissionAskedData struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionID"`
	Permission string         `json:"permission"`
	Patterns   []string       `json:"patterns"`
	Tool       string         `json:"tool,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// PermissionRepliedData is the payload for permission.replied.
type PermissionRepliedData struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Reply     string `json:"reply"` // "once" | "always" | "reject"
}

// QuestionAskedData is the payload for question.asked.
type QuestionAskedData struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
}

// QuestionAnsweredData is the payload for question.answered.
type QuestionAnsweredData struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionID"`
	Answers   [][]string `json:"answers,omitempty"`
	Rejected  bool       `json:"rejected,omitempty"`
}

// ConfigUpdatedData is the payload for config.updated.
type ConfigUpdatedData struct {
	File string `json:"file,omitempty"`
}

// AuthUpdatedData is the payload for auth.updated.
type AuthUpdatedData struct {
	ProviderID string `json:"providerID"`
}
