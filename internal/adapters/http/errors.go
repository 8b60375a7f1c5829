package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jobrunner/tessera/internal/domain"
)

// errorStatus maps error kinds to HTTP status codes.
var errorStatus = map[string]int{
	domain.KindFilterSyntax:   http.StatusBadRequest,
	domain.KindUnknownColumn:  http.StatusBadRequest,
	domain.KindInvalidInput:   http.StatusBadRequest,
	domain.KindUnsupported:    http.StatusBadRequest,
	domain.KindResolution:     http.StatusNotFound,
	domain.KindTileOutOfRange: http.StatusNotFound,
	domain.KindReprojection:   http.StatusUnprocessableEntity,
	domain.KindEncoding:       http.StatusInternalServerError,
	domain.KindQueryExecution: http.StatusBadGateway,
	domain.KindStaleMetadata:  http.StatusServiceUnavailable,
	domain.KindInternal:       http.StatusInternalServerError,
}

const kindTimeout = "timeout"

// classify returns the error code and HTTP status for err.
func classify(err error) (string, int) {
	if errors.Is(err, context.DeadlineExceeded) {
		return kindTimeout, http.StatusGatewayTimeout
	}
	kind := domain.KindOf(err)
	if status, ok := errorStatus[kind]; ok {
		return kind, status
	}
	return kind, http.StatusInternalServerError
}

// handleServiceError writes the error response for a failed service call.
func (s *Server) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		// Client went away, nobody is listening.
		s.logger.Debug("request canceled", "path", r.URL.Path)
		return
	}

	kind, status := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "kind", kind, "error", err)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "kind", kind, "error", err)
	}
	s.writeError(w, status, kind, errorMessage(err))
}

// errorMessage returns the client-facing message of err. Validation errors
// carry their own message.
func errorMessage(err error) string {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Message
	}
	return err.Error()
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

// invalidParam builds the error for a malformed query parameter.
func invalidParam(field string, value interface{}, constraint, message string) error {
	return &domain.ValidationError{
		Field:      field,
		Value:      value,
		Constraint: constraint,
		Message:    message,
	}
}
