// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrorResponse represents the standard error response format of the bridge API
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	// UserMessage is the text to show for THROTTLED and RESOLUTION_EXHAUSTED
	UserMessage string    `json:"user_message,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ErrorCode classifies failures of the session and resolution pipeline
type ErrorCode string

const (
	// ErrorCodeAuthorityUnavailable means the remote session authority could not be reached
	// or answered with a non-2xx status. Always recovered locally.
	ErrorCodeAuthorityUnavailable ErrorCode = "AUTHORITY_UNAVAILABLE"
	// ErrorCodeThrottled means the authority (or an upstream) explicitly throttled the session.
	ErrorCodeThrottled ErrorCode = "THROTTLED"
	// ErrorCodeTierFailure means a single fallback tier failed. Always recovered locally.
	ErrorCodeTierFailure ErrorCode = "TIER_FAILURE"
	// ErrorCodeResolutionExhausted means every fallback tier failed.
	ErrorCodeResolutionExhausted ErrorCode = "RESOLUTION_EXHAUSTED"
	// ErrorCodeCancelled means the caller cancelled the request.
	ErrorCodeCancelled ErrorCode = "CANCELLED"

	// ErrorCodeBadRequest is used by the bridge API for malformed input
	ErrorCodeBadRequest ErrorCode = "BAD_REQUEST"
	// ErrorCodeNotFound is used by the bridge API for unknown resources
	ErrorCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrorCodeConflict is used when a send is rejected by single-flight or debounce rules
	ErrorCodeConflict ErrorCode = "CONFLICT"
	// ErrorCodeTimeout means an operation exceeded its deadline
	ErrorCodeTimeout ErrorCode = "TIMEOUT"
	// ErrorCodeInternalError is the catch-all
	ErrorCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

const (
	// ThrottledUserMessage is shown when the session is throttled
	ThrottledUserMessage = "You've reached the request limit for now. Please wait a little while before asking again."
	// ExhaustedUserMessage is shown when no tier could answer
	ExhaustedUserMessage = "We couldn't get an answer right now. Please check your connection and try again."
)

// ServiceError represents an error with a code and HTTP status for proper handling
type ServiceError struct {
	Message    string
	Code       ErrorCode
	StatusCode int
	Internal   error
	Context    map[string]interface{}
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Internal != nil && e.Message == "" {
		return e.Internal.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Internal
}

// ToErrorResponse converts a ServiceError to an ErrorResponse
func (e *ServiceError) ToErrorResponse(requestID string) ErrorResponse {
	return ErrorResponse{
		Error:       e.Message,
		Code:        string(e.Code),
		UserMessage: UserMessage(e),
		RequestID:   requestID,
		Timestamp:   time.Now(),
	}
}

// WithContext attaches a key/value to the error and returns it
func (e *ServiceError) WithContext(key string, value interface{}) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewServiceError creates a new ServiceError with the given parameters
func NewServiceError(message string, code ErrorCode, statusCode int, internal error) *ServiceError {
	return &ServiceError{
		Message:    message,
		Code:       code,
		StatusCode: statusCode,
		Internal:   internal,
		Context:    make(map[string]interface{}),
	}
}

// NewAuthorityUnavailableError wraps a failure talking to the session authority
func NewAuthorityUnavailableError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeAuthorityUnavailable, http.StatusBadGateway, internal)
}

// NewThrottledError creates a throttled error
func NewThrottledError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeThrottled, http.StatusTooManyRequests, internal)
}

// NewTierFailureError wraps the failure of one fallback tier
func NewTierFailureError(tier, message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeTierFailure, http.StatusBadGateway, internal).
		WithContext("tier", tier)
}

// NewResolutionExhaustedError creates the error returned when every tier failed
func NewResolutionExhaustedError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeResolutionExhausted, http.StatusServiceUnavailable, internal)
}

// NewCancelledError creates a cancellation error
func NewCancelledError(internal error) *ServiceError {
	if internal == nil {
		internal = context.Canceled
	}
	// 499 is the de facto "client closed request" status
	return NewServiceError("request cancelled", ErrorCodeCancelled, 499, internal)
}

// NewBadRequestError creates a new bad request error
func NewBadRequestError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeBadRequest, http.StatusBadRequest, internal)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeNotFound, http.StatusNotFound, internal)
}

// NewConflictError creates a new conflict error
func NewConflictError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeConflict, http.StatusConflict, internal)
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeTimeout, http.StatusRequestTimeout, internal)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeInternalError, http.StatusInternalServerError, internal)
}

// AsServiceError finds the first ServiceError in err's chain
func AsServiceError(err error, target **ServiceError) bool {
	if err == nil {
		return false
	}
	return errors.As(err, target)
}

// CodeOf returns the code of the first ServiceError in err's chain.
// Bare context cancellation maps to CANCELLED.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var serviceErr *ServiceError
	if AsServiceError(err, &serviceErr) {
		return serviceErr.Code
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeTimeout
	}
	return ErrorCodeInternalError
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsCancelled reports whether err represents a caller-initiated cancellation
func IsCancelled(err error) bool {
	return IsCode(err, ErrorCodeCancelled)
}

// UserMessage returns the text a UI collaborator should show for err.
// Only THROTTLED and RESOLUTION_EXHAUSTED are user-visible; cancellation is silent.
func UserMessage(err error) string {
	switch CodeOf(err) {
	case "":
		return ""
	case ErrorCodeThrottled:
		return ThrottledUserMessage
	case ErrorCodeResolutionExhausted:
		return ExhaustedUserMessage
	case ErrorCodeCancelled:
		return ""
	default:
		return ExhaustedUserMessage
	}
}

// ErrorHandler writes ServiceErrors as JSON responses
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler with the given logger
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ErrorHandler{logger: logger}
}

// WrapError converts any error into a ServiceError, keeping existing codes
func (eh *ErrorHandler) WrapError(err error, operation string) *ServiceError {
	if err == nil {
		return nil
	}

	var serviceErr *ServiceError
	if AsServiceError(err, &serviceErr) {
		return serviceErr
	}

	switch CodeOf(err) {
	case ErrorCodeCancelled:
		return NewCancelledError(err)
	case ErrorCodeTimeout:
		return NewTimeoutError("operation timed out", err)
	}

	eh.logger.Error("Error occurred during operation",
		zap.String("operation", operation),
		zap.Error(err))

	return NewInternalError("an error occurred while "+operation, err)
}

// WriteErrorResponse writes an error response to an HTTP response writer
func (eh *ErrorHandler) WriteErrorResponse(w http.ResponseWriter, err error, requestID string) {
	serviceErr := eh.WrapError(err, "processing request")
	if serviceErr == nil {
		serviceErr = NewInternalError("unknown error", nil)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(serviceErr.StatusCode)

	if err := json.NewEncoder(w).Encode(serviceErr.ToErrorResponse(requestID)); err != nil {
		eh.logger.Error("Failed to encode error response", zap.Error(err))
	}
}

// LogError logs an error with appropriate context
func (eh *ErrorHandler) LogError(err error, operation string, fields ...zap.Field) {
	if err == nil || eh == nil || eh.logger == nil {
		return
	}

	logFields := []zap.Field{
		zap.String("operation", operation),
		zap.Error(err),
		zap.String("error_code", string(CodeOf(err))),
	}
	logFields = append(logFields, fields...)

	eh.logger.Error("Operation failed", logFields...)
}
