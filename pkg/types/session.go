// Package types provides the core data types for the kiln server.
package types

// Session represents one conversation with the model. A session is either a
// root or a child spawned for a sub-agent turn; children reference their
// parent. Deleting a session cascades to its messages and parts.
type Session struct {
	ID         string           `json:"id"`
	Title      string           `json:"title"`
	ParentID   string           `json:"parentID,omitempty"`
	Permission []PermissionRule `json:"permission,omitempty"`
	Time       SessionTime      `json:"time"`
}

// SessionTime contains timestamps for a session, unix milliseconds.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// PermissionAction is the outcome of a permission rule.
type PermissionAction string

const (
	ActionAllow PermissionAction = "allow"
	ActionDeny  PermissionAction = "deny"
	ActionAsk   PermissionAction = "ask"
)

// PermissionRule maps a permission name and glob pattern to an action.
// Rules are evaluated in order and the last match wins.
type PermissionRule struct {
	Permission string           `json:"permission"`
	Pattern    string           `json:"pattern"`
	Action     PermissionAction `json:"action"`
}
