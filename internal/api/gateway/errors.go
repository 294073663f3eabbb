package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/hartou/ireti-pos-light-ce-sub001/internal/models"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondErrorWithCode sends the engine's structured error envelope.
func respondErrorWithCode(w http.ResponseWriter, status int, code, message, requestID string) {
	respondJSON(w, status, models.APIError{
		Error:     message,
		Code:      code,
		Message:   message,
		RequestID: requestID,
	})
}
