package fleet

import (
	"errors"
	"net/http"

	"github.com/Dicklesworthstone/steamboost/internal/account"
	"github.com/Dicklesworthstone/steamboost/internal/session"
)

// Result is the transport form of an operation outcome.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ResultOf converts an operation error into a Result.
func ResultOf(err error) Result {
	if err == nil {
		return Result{Success: true}
	}
	return Result{Success: false, Error: err.Error()}
}

// HTTPStatus maps an operation error to an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound), errors.Is(err, account.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, session.ErrInvalidArgument),
		errors.Is(err, account.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidOperation), errors.Is(err, session.ErrAlreadyActive),
		errors.Is(err, session.ErrCoolingDown), errors.Is(err, account.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrClosed), errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
