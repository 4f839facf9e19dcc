package api

import (
	"errors"
	"log/slog"
	"net/http"
)

type AppError struct {
	Code    int    `json:"-"`
	Message string `json:"error"`
}

func (e *AppError) Error() string {
	return e.Message
}

var (
	ErrBadRequest         = &AppError{Code: http.StatusBadRequest, Message: "bad request"}
	ErrUnauthorized       = &AppError{Code: http.StatusUnauthorized, Message: "unauthorized"}
	ErrInternalServer     = &AppError{Code: http.StatusInternalServerError, Message: "internal server error"}
	ErrInvalidToken       = &AppError{Code: http.StatusUnauthorized, Message: "invalid or expired token"}
	ErrServiceUnavailable = &AppError{Code: http.StatusServiceUnavailable, Message: "service temporarily unavailable"}
)

func NewBadRequestError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

func NewValidationError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

func NewServiceUnavailableError(msg string) *AppError {
	return &AppError{Code: http.StatusServiceUnavailable, Message: msg}
}

// HandleError writes err as a JSON error. Anything that is not an AppError becomes a 500 and
// is logged, since the client never sees its text.
func HandleError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		JSONErrorMessage(w, appErr.Code, appErr.Message)
		return
	}
	slog.Error("unhandled error", "error", err)
	JSONErrorMessage(w, http.StatusInternalServerError, "internal server error")
}
