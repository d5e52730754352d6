package server

import (
	"net/http"

	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/pulse/schedule"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsInvalidRequestError(err):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrConflict), schedule.IsIllegalTransition(err):
		return http.StatusConflict
	case errors.Is(err, errors.ErrUnavailable), schedule.IsStoreError(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
