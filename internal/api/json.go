package api

import (
	"encoding/json"
	"errors"
	"net/http"
)

// RequestError is the JSON error shape returned by every endpoint.
type RequestError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

func (e RequestError) Error() string { return e.Message }

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, RequestError{Status: status, Message: err.Error()})
}

// WriteError is the exported variant used by server middleware.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
