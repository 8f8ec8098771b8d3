package web

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/hlog"

	"StockETL/internal/collector"
	"StockETL/internal/store"
)

// APIError is the JSON body of every error response.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
}

func (e *APIError) Error() string { return e.Message }

// Render implements render.Renderer.
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// FieldError describes one failed validation rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func newAPIError(status int, code, msg string, details any) *APIError {
	return &APIError{StatusCode: status, ErrorCode: code, Message: msg, Details: details}
}

func errInvalidRequest(err error) *APIError {
	return newAPIError(http.StatusBadRequest, "INVALID_REQUEST", "invalid request", err.Error())
}

func errInvalidParameter(name string, err error) *APIError {
	return newAPIError(http.StatusBadRequest, "INVALID_PARAMETER", fmt.Sprintf("invalid %s", name), err.Error())
}

func errValidation(err error) *APIError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errInvalidRequest(err)
	}
	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{Field: fe.Field(), Message: validationMessage(fe)})
	}
	return newAPIError(http.StatusBadRequest, "VALIDATION_FAILED", "request validation failed", fields)
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "datetime":
		return "must be a date formatted YYYY-MM-DD"
	case "gt":
		return "must be greater than " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag()
	}
}

// errorFrom maps domain errors onto HTTP statuses.
func errorFrom(err error) *APIError {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "NOT_FOUND", "resource not found", err.Error())
	case errors.Is(err, store.ErrConflict):
		return newAPIError(http.StatusConflict, "CONFLICT", "resource already exists", err.Error())
	case errors.Is(err, collector.ErrInvalidRange):
		return newAPIError(http.StatusBadRequest, "INVALID_RANGE", "start date is after end date", err.Error())
	default:
		return newAPIError(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "internal server error", nil)
	}
}

func renderError(w http.ResponseWriter, r *http.Request, e *APIError) {
	if err := render.Render(w, r, e); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("render error")
	}
}

// renderDomainError renders err through errorFrom, logging unmapped errors.
func renderDomainError(w http.ResponseWriter, r *http.Request, err error) {
	e := errorFrom(err)
	if e.StatusCode >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
	}
	renderError(w, r, e)
}
