// Package httpserver contains HTTP handlers and middleware.
//
// It provides the REST API for document ingestion, matching, postings and
// job status. Handlers translate between HTTP and the usecase layer and
// map the domain error taxonomy onto status codes.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrCorrupt),
		errors.Is(err, domain.ErrInvalidSubject):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrUnsupportedType):
		code = http.StatusUnsupportedMediaType
		codeStr = "UNSUPPORTED_TYPE"
	case errors.Is(err, domain.ErrTooLarge):
		code = http.StatusRequestEntityTooLarge
		codeStr = "TOO_LARGE"
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrMissingEmbeddings):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrBackPressure):
		code = http.StatusTooManyRequests
		codeStr = "BACK_PRESSURE"
	case errors.Is(err, domain.ErrExtractorThrottled),
		errors.Is(err, domain.ErrExtractorUnavailable),
		errors.Is(err, domain.ErrEmbedderUnavailable),
		errors.Is(err, domain.ErrStoreUnavailable),
		errors.Is(err, domain.ErrCacheUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "UPSTREAM_UNAVAILABLE"
	case errors.Is(err, domain.ErrSchemaInvalid):
		code = http.StatusServiceUnavailable
		codeStr = "SCHEMA_INVALID"
	case errors.Is(err, domain.ErrCancelled):
		code = http.StatusServiceUnavailable
		codeStr = "CANCELLED"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
