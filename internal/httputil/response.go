package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/banshee-data/vpsclient/internal/monitoring"
)

// ErrorBody is the JSON shape of every error the debug surface returns.
type ErrorBody struct {
	Error string `json:"error"`
}

// WriteJSON writes data as a JSON body with the given status. The status is
// sent before encoding, so an unencodable payload is only logged.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		monitoring.Logf("failed to encode json response: %v", err)
	}
}

// WriteJSONError writes msg as an ErrorBody.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorBody{Error: msg})
}

// MethodNotAllowed writes a 405 Method Not Allowed response.
func MethodNotAllowed(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// Conflict writes a 409 for a request the current state refuses, such as a
// trigger while a session is active.
func Conflict(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusConflict, msg)
}
