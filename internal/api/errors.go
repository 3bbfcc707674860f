package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/marcus/gradesync/internal/hybrid"
	"github.com/marcus/gradesync/internal/localstore"
	"github.com/marcus/gradesync/internal/models"
	"github.com/marcus/gradesync/internal/settings"
	"github.com/marcus/gradesync/internal/syncengine"
	"github.com/marcus/gradesync/internal/syncqueue"
)

// Error code constants for structured API error responses.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeValidation     = "validation_failed"
	ErrCodeNotFound       = "not_found"
	ErrCodeInternal       = "internal"
	ErrCodeOffline        = "offline"
	ErrCodePendingChanges = "pending_changes"
	ErrCodeRemote         = "remote_error"
	ErrCodeLocalOnly      = "local_only"
)

// APIError represents a structured error returned by the API.
type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ErrorResponse wraps an APIError for JSON serialization.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// classify maps an error to a status code and API error body.
func classify(err error) (int, APIError) {
	var verr *models.ValidationError
	var herr *echo.HTTPError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, APIError{Code: ErrCodeValidation, Message: "validation failed", Fields: verr.Fields}
	case errors.Is(err, settings.ErrInvalid),
		errors.Is(err, localstore.ErrMissingID):
		return http.StatusBadRequest, APIError{Code: ErrCodeBadRequest, Message: err.Error()}
	case errors.Is(err, localstore.ErrUnknownCollection),
		errors.Is(err, syncqueue.ErrNotFound):
		return http.StatusNotFound, APIError{Code: ErrCodeNotFound, Message: err.Error()}
	case errors.Is(err, syncengine.ErrOffline):
		return http.StatusServiceUnavailable, APIError{Code: ErrCodeOffline, Message: err.Error()}
	case errors.Is(err, syncengine.ErrPendingChanges):
		return http.StatusConflict, APIError{Code: ErrCodePendingChanges, Message: err.Error()}
	case errors.Is(err, hybrid.ErrLocalOnly):
		return http.StatusConflict, APIError{Code: ErrCodeLocalOnly, Message: err.Error()}
	case errors.Is(err, syncengine.ErrFetchFailed):
		return http.StatusBadGateway, APIError{Code: ErrCodeRemote, Message: err.Error()}
	case errors.As(err, &herr):
		msg, ok := herr.Message.(string)
		if !ok {
			msg = http.StatusText(herr.Code)
		}
		code := ErrCodeBadRequest
		switch {
		case herr.Code == http.StatusNotFound:
			code = ErrCodeNotFound
		case herr.Code >= 500:
			code = ErrCodeInternal
		}
		return herr.Code, APIError{Code: code, Message: msg}
	default:
		return http.StatusInternalServerError, APIError{Code: ErrCodeInternal, Message: http.StatusText(http.StatusInternalServerError)}
	}
}

// errorHandler is the echo.HTTPErrorHandler for the API. Unknown errors
// are logged and reported as 500 without their detail.
func errorHandler(err error, c echo.Context) {
	status, body := classify(err)
	if status >= 500 && body.Code == ErrCodeInternal {
		logFor(c).Error("request failed", "err", err, "path", c.Path())
	}
	if c.Response().Committed {
		return
	}
	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(status)
	} else {
		werr = c.JSON(status, ErrorResponse{Error: body})
	}
	if werr != nil {
		slog.Error("write error response", "err", werr)
	}
}
