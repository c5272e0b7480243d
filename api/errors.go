package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"llm-chat-relay/db"
	"llm-chat-relay/llm"
	"llm-chat-relay/service"
	"llm-chat-relay/utils"
)

// AppError is an error with the HTTP status and machine-readable code sent
// to the client.
type AppError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// NewError creates a new application error
func NewError(statusCode int, code, message string) *AppError {
	return &AppError{StatusCode: statusCode, Code: code, Message: message}
}

func NewBadRequestError(code, message string) *AppError {
	return NewError(http.StatusBadRequest, code, message)
}

func NewNotFoundError(code, message string) *AppError {
	return NewError(http.StatusNotFound, code, message)
}

func NewTooManyRequestsError(code, message string) *AppError {
	return NewError(http.StatusTooManyRequests, code, message)
}

func NewInternalServerError(code, message string) *AppError {
	return NewError(http.StatusInternalServerError, code, message)
}

func NewServiceUnavailableError(code, message string) *AppError {
	return NewError(http.StatusServiceUnavailable, code, message)
}

// FromError converts err into an AppError. Known persistence, provider and
// request errors get their own status; anything else is a 500.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return wrap(http.StatusBadRequest, "INVALID_REQUEST", err)
	case errors.Is(err, llm.ErrUnknownProvider):
		return wrap(http.StatusBadRequest, "UNKNOWN_PROVIDER", err)
	case errors.Is(err, llm.ErrNotConfigured):
		return wrap(http.StatusBadRequest, "PROVIDER_NOT_CONFIGURED", err)
	}

	var providerErr *llm.ProviderError
	if errors.As(err, &providerErr) {
		if errors.Is(err, context.DeadlineExceeded) {
			return wrap(http.StatusGatewayTimeout, "PROVIDER_TIMEOUT", err)
		}
		return wrap(http.StatusBadGateway, "PROVIDER_ERROR", err)
	}

	var dbErr *db.Error
	if errors.As(err, &dbErr) {
		return fromStoreError(dbErr)
	}

	e := NewInternalServerError("INTERNAL_ERROR", "An unexpected error occurred")
	e.Err = err
	return e
}

func fromStoreError(err *db.Error) *AppError {
	switch err.Kind {
	case db.KindNotFound:
		return wrap(http.StatusNotFound, "NOT_FOUND", err)
	case db.KindInvalidTimestamp:
		return wrap(http.StatusBadRequest, "INVALID_TIMESTAMP", err)
	case db.KindInvalidTitle:
		return wrap(http.StatusBadRequest, "INVALID_TITLE", err)
	case db.KindNoMessagesFound:
		return wrap(http.StatusBadRequest, "NO_MESSAGES_FOUND", err)
	case db.KindInvalidRole:
		return wrap(http.StatusBadRequest, "INVALID_ROLE", err)
	case db.KindEmptyContent:
		return wrap(http.StatusBadRequest, "EMPTY_CONTENT", err)
	}
	// Driver messages stay in the log.
	e := NewInternalServerError("STORAGE_ERROR", "The conversation store failed")
	e.Err = err
	return e
}

func wrap(status int, code string, err error) *AppError {
	return &AppError{StatusCode: status, Code: code, Message: err.Error(), Err: err}
}

// ErrorHandler renders the first error attached to the context.
func ErrorHandler(fallback *utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		appErr := FromError(c.Errors[0].Err)
		log := loggerFrom(c, fallback)
		args := []any{
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"status_code", appErr.StatusCode,
			"error_code", appErr.Code,
		}
		if appErr.StatusCode >= http.StatusInternalServerError {
			log.LogError(c.Errors[0].Err, "request failed", args...)
		} else {
			log.Warn("request rejected", append(args, "message", appErr.Message)...)
		}

		c.AbortWithStatusJSON(appErr.StatusCode, gin.H{
			"error": gin.H{
				"code":    appErr.Code,
				"message": appErr.Message,
				"details": appErr.Details,
			},
		})
	}
}

// RecoveryWithLogger turns a panic in a handler into a 500 response and logs
// it with the request-scoped logger.
func RecoveryWithLogger(fallback *utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				loggerFrom(c, fallback).Error("panic recovered",
					"panic", r,
					"stack", stack,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				var details any
				if gin.Mode() == gin.DebugMode {
					details = fmt.Sprintf("panic: %v", r)
				}
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{
						"code":    "SERVER_ERROR",
						"message": "The server encountered an unexpected error",
						"details": details,
					},
				})
			}
		}()

		c.Next()
	}
}
