package shared

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorCategory classifies failures so callers can map them to recovery
// behavior and process exit codes.
type ErrorCategory string

const (
	ErrorCategoryConfiguration ErrorCategory = "configuration"
	ErrorCategoryNetwork       ErrorCategory = "network"
	ErrorCategoryUpstream      ErrorCategory = "upstream"
	ErrorCategoryDecode        ErrorCategory = "decode"
	ErrorCategoryCache         ErrorCategory = "cache"
	ErrorCategoryInterrupted   ErrorCategory = "interrupted"
)

// ServiceError is a standardized error with category and operation context.
type ServiceError struct {
	Category   ErrorCategory `json:"category"`
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	Operation  string        `json:"operation"`
	StatusCode int           `json:"status_code,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Retryable  bool          `json:"retryable"`
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether the error is retryable.
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// LogError logs the error with structured fields.
func (e *ServiceError) LogError() {
	logrus.WithFields(logrus.Fields{
		"error_category": e.Category,
		"error_code":     e.Code,
		"operation":      e.Operation,
		"status_code":    e.StatusCode,
		"retryable":      e.Retryable,
	}).Error(e.Message)
}

// NewServiceError creates a new service error.
func NewServiceError(category ErrorCategory, code, message, operation string, retryable bool, cause error) *ServiceError {
	return &ServiceError{
		Category:  category,
		Code:      code,
		Message:   message,
		Operation: operation,
		Timestamp: time.Now(),
		Retryable: retryable,
		Cause:     cause,
	}
}

// NewUpstreamStatusError creates an upstream error carrying the HTTP status
// reported by the API.
func NewUpstreamStatusError(statusCode int, operation string) *ServiceError {
	err := NewServiceError(
		ErrorCategoryUpstream,
		"UPSTREAM_STATUS",
		fmt.Sprintf("Received HTTP Status Code: %d", statusCode),
		operation,
		IsRetryableStatus(statusCode),
		nil,
	)
	err.StatusCode = statusCode
	return err
}

// WrapError wraps an existing error with service error context. A nil error
// wraps to nil; an existing ServiceError is returned unchanged.
func WrapError(err error, category ErrorCategory, code, operation string, retryable bool) *ServiceError {
	if err == nil {
		return nil
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return NewServiceError(category, code, err.Error(), operation, retryable, err)
}

// IsRetryableStatus reports whether an HTTP status code indicates a transient
// upstream condition.
func IsRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode == http.StatusServiceUnavailable
}

// IsRetryableError checks if an error is worth retrying.
func IsRetryableError(err error) bool {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.IsRetryable()
	}

	// Heuristics for errors outside the taxonomy
	errorMsg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout", "connection refused", "connection reset",
		"temporary failure", "service unavailable", "too many requests",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errorMsg, pattern) {
			return true
		}
	}
	return false
}

// UpstreamStatusCode extracts the HTTP status from an upstream error chain;
// 0 when the error does not carry one.
func UpstreamStatusCode(err error) int {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.StatusCode
	}
	return 0
}
