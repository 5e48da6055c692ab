// Package permission provides the permission arbiter gating tool execution.
package permission

import (
	"fmt"

	"github.com/kiln-ai/kiln/pkg/types"
)

// Request is one pending question to the operator, gating one tool call.
type Request struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionID"`
	Permission string         `json:"permission"`
	Patterns   []string       `json:"patterns"`
	Always     []string       `json:"always,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	Time       int64          `json:"time"`
}

// ReplyKind is the operator's answer to a request.
type ReplyKind string

const (
	ReplyOnce   ReplyKind = "once"
	ReplyAlways ReplyKind = "always"
	ReplyReject ReplyKind = "reject"
)

// DeniedError is returned when a deny rule matches a pattern. It carries the
// rules that matched.
type DeniedError struct {
	Permission string                 `json:"permission"`
	Pattern    string                 `json:"pattern"`
	Rules      []types.PermissionRule `json:"rules"`
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission %q denied for %q", e.Permission, e.Pattern)
}

// RejectedError is returned when the operator rejects a request, or when a
// peer rejection cascades to it.
type RejectedError struct {
	SessionID string `json:"sessionID"`
}

func (e *RejectedError) Error() string {
	return "permission rejected by user"
}

// CorrectedError is a rejection that carries operator guidance for the model.
type CorrectedError struct {
	Message string `json:"message"`
}

func (e *CorrectedError) Error() string {
	return e.Message
}

// Evaluate resolves a (permission, value) pair against a ruleset. The last
// matching rule wins; with no match the implicit action is ask. The matched
// rules are returned for diagnostics.
func Evaluate(rules []types.PermissionRule, permission, value string) (types.PermissionAction, []types.PermissionRule) {
	action := types.ActionAsk
	var matched []types.PermissionRule
	for _, rule := range rules {
		if rule.Permission != permission && rule.Permission != "*" {
			continue
		}
		if !Match(rule.Pattern, value) {
			continue
		}
		matched = append(matched, rule)
		action = rule.Action
	}
	return action, matched
}
