package web

// errors.go provides unified error response handling for the API.
//
// Every error is logged with its technical detail and request id, then
// returned to the client as a mapped user message with a support code:
//
//  1. Handler encounters an error
//  2. Calls respondError(w, r, err)
//  3. The status code is derived from the error kind
//  4. importer.MapError supplies the user-facing message and code

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/JonMunkholm/knximport/internal/importer"
	"github.com/JonMunkholm/knximport/internal/logging"
	"github.com/JonMunkholm/knximport/internal/store"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

var errorStatuses = []struct {
	err    error
	status int
}{
	{importer.ErrJobNotFound, http.StatusNotFound},
	{store.ErrProjectNotFound, http.StatusNotFound},
	{importer.ErrNotWaiting, http.StatusConflict},
	{importer.ErrJobFinished, http.StatusConflict},
	{importer.ErrRequirementNotRequested, http.StatusConflict},
	{importer.ErrInvalidInput, http.StatusBadRequest},
	{importer.ErrEmptyFile, http.StatusBadRequest},
	{importer.ErrUnsupportedFile, http.StatusUnsupportedMediaType},
	{importer.ErrTooManyImports, http.StatusServiceUnavailable},
	{errRateLimited, http.StatusTooManyRequests},
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	for _, es := range errorStatuses {
		if errors.Is(err, es.err) {
			return es.status
		}
	}
	return http.StatusInternalServerError
}

// respondError logs err and writes its mapped user message.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := importer.MapError(err)

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		level = slog.LevelError
	}
	logging.FromContext(r.Context()).Log(r.Context(), level, "request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
	)

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}
