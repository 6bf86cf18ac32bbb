package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"agentmarket/core/errors"
)

func withBody(r *http.Request, body []byte) context.Context {
	return context.WithValue(r.Context(), ctxBodyKey{}, body)
}

func bodyFrom(r *http.Request) ([]byte, bool) {
	body, ok := r.Context().Value(ctxBodyKey{}).([]byte)
	return body, ok
}

// decode unmarshals the request body into out, writing a 400 on failure. The
// authentication middleware has already drained the body; decode reads it
// from the request context.
func decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	body, ok := bodyFrom(r)
	if !ok {
		raw, err := readBody(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "unreadable body")
			return false
		}
		body = raw
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeJSONError(w, http.StatusBadRequest, "empty body")
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps engine error kinds onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.KindOf(err) {
	case errors.KindValidation:
		status = http.StatusBadRequest
	case errors.KindAuthorization:
		status = http.StatusForbidden
	case errors.KindState:
		status = http.StatusConflict
	case errors.KindArithmetic:
		status = http.StatusUnprocessableEntity
	case errors.KindTimeout:
		status = http.StatusRequestTimeout
	case errors.KindLedger:
		status = http.StatusBadGateway
	}
	writeJSONError(w, status, err.Error())
}
