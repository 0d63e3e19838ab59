// Package http implements the REST handlers mounted on the gateway mux.
// Each handler owns one resource family and registers its own routes.
package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/orka/internal/faults"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps a fault kind to an HTTP status and emits the standard
// error envelope.
func writeError(w http.ResponseWriter, err error) {
	kind := faults.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case faults.NotFound:
		status = http.StatusNotFound
	case faults.AlreadyExists, faults.Conflict:
		status = http.StatusConflict
	case faults.Validation:
		status = http.StatusBadRequest
	case faults.BackendUnavailable:
		status = http.StatusServiceUnavailable
	case faults.Timeout:
		status = http.StatusGatewayTimeout
	case faults.Exhausted:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(kind)})
}

func decodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return faults.Wrap(faults.Validation, err, "invalid JSON body")
	}
	return nil
}

// decodeOptionalBody is decodeBody for endpoints whose body is entirely
// optional; an empty body leaves dst at its zero value.
func decodeOptionalBody(r *http.Request, dst interface{}) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return faults.Wrap(faults.Validation, err, "invalid JSON body")
}

// Project paths appear in URLs as unpadded URL-safe base64 of the
// absolute path, so "/home/me/proj" never fights the router over
// slashes.
func encodeProjectPath(path string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(path))
}

func decodeProjectPath(segment string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return "", faults.Wrap(faults.Validation, err, "invalid project path segment")
	}
	return string(raw), nil
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// requireToken wraps a handler with bearer-token auth. An empty
// configured token disables auth (local single-user mode).
func requireToken(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token != "" && extractBearerToken(r) != token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}
