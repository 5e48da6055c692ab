package types

// PromptInput is the body of POST /session/:id/message. NoReply persists the
// user message without triggering a turn.
type PromptInput struct {
	Parts     []PromptPart    `json:"parts"`
	Model     *ModelRef       `json:"model,omitempty"`
	Agent     string          `json:"agent,omitempty"`
	System    string          `json:"system,omitempty"`
	Tools     map[string]bool `json:"tools,omitempty"`
	Variant   string          `json:"variant,omitempty"`
	NoReply   bool            `json:"noReply,omitempty"`
	MessageID string          `json:"messageID,omitempty"`
}

// PromptPart is one input fragment, text or file.
type PromptPart struct {
	Type string `json:"type"` // "text" | "file"
	Text string `json:"text,omitempty"`
	Mime string `json:"mime,omitempty"`
	URL  string `json:"url,omitempty"`
}
