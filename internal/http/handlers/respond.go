package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
)

const maxJSONBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, contacts.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, contacts.ErrInvalidTransition), errors.Is(err, contacts.ErrStaleState):
		return http.StatusConflict
	case errors.Is(err, contacts.ErrInvalidPhone):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// contactID canonicalizes an id taken from the URL. Contact ids are phone
// numbers and clients often drop the leading plus.
func contactID(raw string) string {
	raw = strings.TrimSpace(raw)
	if id, err := contacts.NormalizePhone(raw); err == nil {
		return id
	}
	return raw
}
