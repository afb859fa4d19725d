package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	internalerrors "github.com/meshmon/meshmon/internal/errors"
)

// APIError is the JSON error envelope for all endpoints.
type APIError struct {
	ErrorMessage string `json:"error"`
	Code         string `json:"code"`
	StatusCode   int    `json:"statusCode"`
	Timestamp    int64  `json:"timestamp"`
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := APIError{
		ErrorMessage: message,
		Code:         code,
		StatusCode:   statusCode,
		Timestamp:    time.Now().Unix(),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeError maps a service error onto an HTTP status by its kind.
func writeError(w http.ResponseWriter, err error) {
	kind := internalerrors.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case internalerrors.KindNotFound:
		status = http.StatusNotFound
	case internalerrors.KindInvalidTransition:
		status = http.StatusConflict
	case internalerrors.KindValidation:
		status = http.StatusBadRequest
	case internalerrors.KindUnauthorized:
		status = http.StatusUnauthorized
	case internalerrors.KindExternal:
		status = http.StatusBadGateway
	}
	writeErrorResponse(w, status, string(kind), err.Error())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLogger logs one line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}
