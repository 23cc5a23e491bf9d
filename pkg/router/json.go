package router

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes v as the JSON body of the response with the given status.
func WriteJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}
