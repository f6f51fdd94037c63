// Package web holds the JSON helpers shared by the feature handlers.
package web

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"go-buddychat/internal/apperr"
)

type errorBody struct {
	Code              apperr.Code `json:"code"`
	Error             string      `json:"error"`
	RetryAfterSeconds int         `json:"retry_after_seconds,omitempty"`
}

func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// Decode reads a JSON request body into v. An empty body leaves v untouched.
func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Wrap(apperr.CodeInvalidArgument, "malformed request body", err)
	}
	return nil
}

// Error writes err as a typed JSON error. Unclassified errors are logged and
// reported as unavailable without leaking their text.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		e = apperr.Wrap(apperr.CodeUnavailable, "service unavailable", err)
	}
	body := errorBody{Code: e.Code, Error: e.Message}
	if e.Code == apperr.CodeUnavailable {
		slog.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		body.Error = "service unavailable"
	}
	if e.Code == apperr.CodeRateLimitExceeded {
		body.RetryAfterSeconds = e.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
	}
	JSON(w, e.Code.HTTPStatus(), body)
}

// IDParam parses a positive int64 URL parameter.
func IDParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.New(apperr.CodeInvalidArgument, "invalid "+name)
	}
	return id, nil
}

// IntQuery parses an optional integer query parameter, returning 0 when absent.
func IntQuery(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.New(apperr.CodeInvalidArgument, "invalid "+name)
	}
	return v, nil
}
