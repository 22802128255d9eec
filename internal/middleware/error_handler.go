package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/deployd/agent/internal/service"
	"github.com/deployd/agent/pkg/logger"
	"github.com/gin-gonic/gin"
)

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorHandler is a middleware that catches panics and errors
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				err, ok := r.(error)
				if !ok {
					err = fmt.Errorf("%v", r)
				}
				logger.Error("Panic recovered", err, map[string]interface{}{
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
				})

				if !c.Writer.Written() {
					c.JSON(http.StatusInternalServerError, ErrorResponse{
						Error:   "INTERNAL_ERROR",
						Message: "An unexpected error occurred",
					})
				}
				c.Abort()
			}
		}()

		c.Next()

		if len(c.Errors) > 0 {
			err := c.Errors.Last()
			if !c.Writer.Written() {
				HandleAppError(c, FromError(err.Err))
			}
		}
	}
}

// AppError is an error with its HTTP rendering
type AppError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
	Details    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

func NewBadRequestError(message string) *AppError {
	return &AppError{
		StatusCode: http.StatusBadRequest,
		Code:       "BAD_REQUEST",
		Message:    message,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    resource + " not found",
	}
}

func NewInternalError(err error) *AppError {
	return &AppError{
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    "Internal server error",
		Err:        err,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		StatusCode: http.StatusUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
	}
}

// FromError maps service errors onto their HTTP status.
func FromError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var validation *service.ValidationError
	var notFound *service.NotFoundError
	var conflict *service.ConflictError
	var auth *service.AuthError
	switch {
	case errors.As(err, &validation):
		e := NewBadRequestError(validation.Error())
		e.Code = "VALIDATION_ERROR"
		if validation.Field != "" {
			e.Details = map[string]interface{}{"field": validation.Field}
		}
		return e
	case errors.As(err, &notFound):
		e := NewNotFoundError(notFound.Kind)
		e.Message = notFound.Error()
		return e
	case errors.As(err, &conflict):
		return &AppError{StatusCode: http.StatusConflict, Code: "CONFLICT", Message: conflict.Error()}
	case errors.As(err, &auth):
		e := NewUnauthorizedError(auth.Error())
		e.Err = err
		return e
	default:
		return NewInternalError(err)
	}
}

// RespondError writes err with the status its type maps to.
func RespondError(c *gin.Context, err error) {
	HandleAppError(c, FromError(err))
}

// HandleAppError handles AppError types
func HandleAppError(c *gin.Context, err *AppError) {
	fields := map[string]interface{}{
		"code":   err.Code,
		"status": err.StatusCode,
		"path":   c.Request.URL.Path,
	}
	if err.StatusCode >= http.StatusInternalServerError {
		logger.Error(err.Message, err.Err, fields)
	} else {
		logger.Debug(err.Message, fields)
	}

	c.JSON(err.StatusCode, ErrorResponse{
		Error:   err.Code,
		Message: err.Message,
		Details: err.Details,
	})
	c.Abort()
}
