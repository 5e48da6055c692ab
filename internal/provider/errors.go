package provider

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/kiln-ai/kiln/pkg/types"
)

// Overflow phrasings vary per provider; these cover the majors.
var overflowPatterns = []string{
	"prompt is too long",
	"context_length_exceeded",
	"exceeds the maximum",
	"context window",
	"input is too long",
}

var authPatterns = []string{
	"api key",
	"x-api-key",
	"authentication",
	"unauthorized",
	"invalid_api_key",
}

var statusPattern = regexp.MustCompile(`(?i)status(?: code)?[:\s]+(\d{3})`)

// Translate maps an adapter failure to a stable session error.
func Translate(err error, providerID string) *types.SessionError {
	if err == nil {
		return nil
	}

	var sessionErr *types.SessionError
	if errors.As(err, &sessionErr) {
		return sessionErr
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewAbortedError()
	}

	msg := err.Error()
	lowered := strings.ToLower(msg)

	for _, pattern := range overflowPatterns {
		if strings.Contains(lowered, pattern) {
			return types.NewContextOverflowError(msg)
		}
	}

	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		status, _ := strconv.Atoi(m[1])
		switch status {
		case 401, 403:
			return types.NewProviderAuthError(providerID, msg)
		default:
			retryable := status == 408 || status == 429 || status >= 500
			return types.NewAPIError(status, retryable, msg)
		}
	}

	for _, pattern := range authPatterns {
		if strings.Contains(lowered, pattern) {
			return types.NewProviderAuthError(providerID, msg)
		}
	}

	return types.NewUnknownError(msg)
}
