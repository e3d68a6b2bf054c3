// Package apierrors provides the HTTP-facing error type. Only the HTTP
// layer constructs or translates into these; internal/node, internal/store,
// internal/cache, internal/engine and internal/executor return their own
// plain Go error types and never import this package (spec §7: the core
// never imports the HTTP package).
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeUnauthorized     Code = "AUTH_1001"
	CodeInvalidToken     Code = "AUTH_1002"
	CodeForbidden        Code = "AUTHZ_2001"
	CodeInvalidInput     Code = "VAL_3001"
	CodeMissingParameter Code = "VAL_3002"
	CodeNotFound         Code = "RES_4001"
	CodeConflict         Code = "RES_4002"
	CodeInternal         Code = "SVC_5001"
	CodeDatabaseError    Code = "SVC_5002"
	CodeExecutorError    Code = "SVC_5003"
	CodeTimeout          Code = "SVC_5004"
	CodeRateLimited      Code = "SVC_5005"
)

// ServiceError is the structured error shape returned to HTTP clients.
type ServiceError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails attaches one key/value pair of machine-readable context.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a ServiceError with no wrapped cause.
func New(code Code, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap creates a ServiceError carrying an underlying cause.
func Wrap(code Code, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

func Unauthorized(message string) *ServiceError {
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidToken() *ServiceError {
	return New(CodeInvalidToken, "invalid or unknown token", http.StatusUnauthorized)
}

func Forbidden(message string) *ServiceError {
	return New(CodeForbidden, message, http.StatusForbidden)
}

func InvalidInput(field, reason string) *ServiceError {
	return New(CodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(CodeMissingParameter, "missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func NotFound(resource, id string) *ServiceError {
	return New(CodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(CodeConflict, message, http.StatusConflict)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(CodeInternal, message, http.StatusInternalServerError, err)
}

func DatabaseError(operation string, err error) *ServiceError {
	return Wrap(CodeDatabaseError, "database operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

func ExecutorError(operation string, err error) *ServiceError {
	return Wrap(CodeExecutorError, "executor operation failed", http.StatusBadGateway, err).
		WithDetails("operation", operation)
}

func Timeout(operation string) *ServiceError {
	return New(CodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

func RateLimited(limit int, window string) *ServiceError {
	return New(CodeRateLimited, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).WithDetails("window", window)
}

// IsServiceError reports whether err (or something it wraps) is a ServiceError.
func IsServiceError(err error) bool {
	var svcErr *ServiceError
	return errors.As(err, &svcErr)
}

// GetServiceError extracts the ServiceError from err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status associated with err, defaulting to
// 500 for errors that never went through this package.
func GetHTTPStatus(err error) int {
	if svcErr := GetServiceError(err); svcErr != nil {
		return svcErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
