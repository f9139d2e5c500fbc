package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/branestawm/branestawm/internal/apperr"
	"github.com/branestawm/branestawm/internal/storage"
	"github.com/branestawm/branestawm/internal/vectordb"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error to an HTTP status and error type.
func statusFor(err error) (int, string) {
	kind := apperr.KindOf(err)
	switch {
	case kind == apperr.KindInvalidInput:
		return http.StatusBadRequest, string(kind)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, vectordb.ErrDocumentNotFound):
		return http.StatusNotFound, "not_found"
	case kind == apperr.KindStoreNotReady:
		return http.StatusServiceUnavailable, string(kind)
	case kind != "":
		return http.StatusInternalServerError, string(kind)
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

// writeError renders err with the status its kind maps to. Server-side
// failures are logged.
func writeError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	code, typ := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.Error(msg, "error", err)
	}
	httpError(w, code, typ, "%s: %v", msg, err)
}
