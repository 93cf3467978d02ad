package api

import (
	"encoding/json"
	"net/http"

	"github.com/hookbridge/hookbridge/internal/registry"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeValidationError renders every field failure of a rejected webhook
// registration as 422.
func writeValidationError(w http.ResponseWriter, verr *registry.ValidationError) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
		"error":  "validation failed",
		"fields": verr.Fields,
	})
}
