package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kiln-ai/kiln/internal/storage"
	"github.com/kiln-ai/kiln/pkg/types"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeTrue writes the bare `true` several routes respond with.
func writeTrue(w http.ResponseWriter, status int) {
	writeJSON(w, status, true)
}

// writeError maps an error to the wire shape {name, data}. NotFound is 404,
// ModelNotFound 400, everything else 500.
func writeError(w http.ResponseWriter, err error) {
	sessionErr := toSessionError(err)

	status := http.StatusInternalServerError
	switch sessionErr.Name {
	case types.ErrNameNotFound:
		status = http.StatusNotFound
	case types.ErrNameModelNotFound:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, sessionErr)
}

func toSessionError(err error) *types.SessionError {
	var sessionErr *types.SessionError
	if errors.As(err, &sessionErr) {
		return sessionErr
	}
	if errors.Is(err, storage.ErrNotFound) {
		return types.NewNotFoundError(err.Error())
	}
	return types.NewUnknownError(err.Error())
}

// writeBadRequest reports a malformed request body or parameter.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, types.NewUnknownError(message))
}
