package apperrors

import (
	"errors"
	"net/http"
)

// Problem is the JSON error body returned by the HTTP API.
type Problem struct {
	Error    string `json:"error"`
	Code     string `json:"code,omitempty"`
	Field    string `json:"field,omitempty"`
	Resource string `json:"resource,omitempty"`
}

// HTTPStatus maps an error to the appropriate HTTP status code.
// A worker-side VALIDATION failure surfacing through the API is a 422: the
// request was well formed but its input could not be processed.
func HTTPStatus(err error) int {
	var f *Failure
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.As(err, &f) && f.Code == CodeValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// ToProblem builds the response status and body for err. Internal details are
// withheld from 5xx bodies.
func ToProblem(err error) (int, Problem) {
	status := HTTPStatus(err)
	p := Problem{Error: http.StatusText(status)}
	if status < 500 && err != nil {
		p.Error = err.Error()
	}

	var e *Error
	if errors.As(err, &e) {
		p.Field = e.Field
		p.Resource = e.Resource
	}
	var f *Failure
	if errors.As(err, &f) {
		p.Code = string(f.Code)
	}
	return status, p
}
