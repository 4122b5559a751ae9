// Package httputil holds the JSON error envelope shared by the API and dashboard handlers.
package httputil

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/nadmax/creatorq/internal/task"
)

// ErrorResponse is the body of every non-2xx JSON response. Kind uses the task
// error taxonomy when the failure maps onto it.
type ErrorResponse struct {
	Error string         `json:"error"`
	Kind  task.ErrorKind `json:"kind,omitempty"`
}

func WriteJSONError(w http.ResponseWriter, message string, status int) {
	writeError(w, status, ErrorResponse{Error: message})
}

func WriteKindError(w http.ResponseWriter, kind task.ErrorKind, message string, status int) {
	writeError(w, status, ErrorResponse{Error: message, Kind: kind})
}

func writeError(w http.ResponseWriter, status int, body ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("failed to encode error response: %v", err)
	}
}
