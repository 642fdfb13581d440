package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/cropalato/chart-registry/internal/pipeline"
	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

const internalErrorMessage = "internal server error"

// StatusOf maps an error to the HTTP status reported to clients
func StatusOf(err error) int {
	switch {
	case customerrors.IsValidationError(err):
		return http.StatusBadRequest
	case customerrors.IsConflictError(err):
		return http.StatusConflict
	case customerrors.IsNotFoundError(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Response{Success: true, Data: data}); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

// writeError reports err in the error envelope; server-side failures never leak their text
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	apiErr := APIError{Code: customerrors.CodeOf(err), Message: err.Error()}

	if status == http.StatusInternalServerError {
		s.logRequestError(r, err)
		apiErr.Message = internalErrorMessage
		if apiErr.Code == customerrors.CodeStorageFailure {
			apiErr.Message = "storage backend failure"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Response{Errors: []APIError{apiErr}}); err != nil {
		s.logger.Warn("failed to write error response", zap.Error(err))
	}
}

func (s *Server) writeFile(w http.ResponseWriter, r *http.Request, content *pipeline.Content) {
	w.Header().Set("Content-Type", content.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(content.Data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(content.Data); err != nil {
		s.logger.Warn("failed to write file response",
			zap.String("name", content.Name),
			zap.Error(err))
	}
}
