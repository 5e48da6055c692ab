package types

import "fmt"

// SessionError is the serializable error attached to assistant messages and
// returned by the HTTP edge. Format: {"name": "...", "data": {...}}.
type SessionError struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data"`
}

func (e *SessionError) Error() string {
	if msg, ok := e.Data["message"].(string); ok {
		return fmt.Sprintf("%s: %s", e.Name, msg)
	}
	return e.Name
}

// Error names, stable across the wire.
const (
	ErrNameUnknown       = "UnknownError"
	ErrNameNotFound      = "NotFoundError"
	ErrNameModelNotFound = "ModelNotFoundError"
	ErrNameProviderAuth  = "ProviderAuthError"
	ErrNameOverflow      = "ContextOverflowError"
	ErrNameAPI           = "APIError"
	ErrNameAborted       = "AbortedError"
	ErrNameOutputLength  = "MessageOutputLengthError"
)

// NewUnknownError wraps anything else, stringified.
func NewUnknownError(message string) *SessionError {
	return &SessionError{
		Name: ErrNameUnknown,
		Data: map[string]any{"message": message},
	}
}

// NewNotFoundError reports a missing entity.
func NewNotFoundError(message string) *SessionError {
	return &SessionError{
		Name: ErrNameNotFound,
		Data: map[string]any{"message": message},
	}
}

// NewModelNotFoundError reports an unknown (providerID, modelID) pair with
// up to five closest model IDs of the same provider.
func NewModelNotFoundError(providerID, modelID string, suggestions []string) *SessionError {
	return &SessionError{
		Name: ErrNameModelNotFound,
		Data: map[string]any{
			"providerID":  providerID,
			"modelID":     modelID,
			"suggestions": suggestions,
		},
	}
}

// NewProviderAuthError reports a missing or invalid API key.
func NewProviderAuthError(providerID, message string) *SessionError {
	return &SessionError{
		Name: ErrNameProviderAuth,
		Data: map[string]any{"providerID": providerID, "message": message},
	}
}

// NewContextOverflowError reports a prompt exceeding the context window.
func NewContextOverflowError(message string) *SessionError {
	return &SessionError{
		Name: ErrNameOverflow,
		Data: map[string]any{"message": message},
	}
}

// NewAPIError reports an upstream HTTP failure.
func NewAPIError(statusCode int, isRetryable bool, responseBody string) *SessionError {
	data := map[string]any{
		"statusCode":  statusCode,
		"isRetryable": isRetryable,
	}
	if responseBody != "" {
		data["responseBody"] = responseBody
	}
	return &SessionError{Name: ErrNameAPI, Data: data}
}

// NewAbortedError marks cancellation; not an error to the user.
func NewAbortedError() *SessionError {
	return &SessionError{Name: ErrNameAborted, Data: map[string]any{}}
}

// NewOutputLengthError reports the model hitting its output cap mid-stream.
func NewOutputLengthError() *SessionError {
	return &SessionError{Name: ErrNameOutputLength, Data: map[string]any{}}
}
