package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tilli/master-agent/internal/service"
	"github.com/tilli/master-agent/internal/util/logger"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// decodeJSON reads a bounded request body into dst. Trailing data is rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// writeServiceError maps pipeline errors onto status codes. Messages are
// fixed per category so a caller cannot tell one denial reason from another.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		input  *service.InputSecurityError
		auth   *service.AuthenticationError
		denied *service.AccessDeniedError
	)
	switch {
	case errors.As(err, &input):
		writeJSONError(w, http.StatusBadRequest, "invalid_input", service.MsgInvalidInput)
	case errors.As(err, &auth):
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", service.MsgUnauthenticated)
	case errors.As(err, &denied):
		writeJSONError(w, http.StatusForbidden, "access_denied", service.MsgAccessDenied)
	default:
		logger.Errorw("request failed",
			"path", r.URL.Path,
			"request_id", service.RequestMetaFrom(r.Context()).RequestID,
			"error", err,
		)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", service.MsgInternal)
	}
}
