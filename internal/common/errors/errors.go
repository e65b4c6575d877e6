// Package errors provides the gateway's error taxonomy, its HTTP status
// mapping and its conversion to BPMN errors for job workers.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

// Access errors
const (
	ErrCodeAuthenticationFailed   ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeUnauthenticated        ErrorCode = "UNAUTHENTICATED"
	ErrCodeForbidden              ErrorCode = "FORBIDDEN"
	ErrCodeCredentialLookupFailed ErrorCode = "CREDENTIAL_LOOKUP_FAILED"
)

// Request and model errors
const (
	ErrCodeInvalidRequest        ErrorCode = "INVALID_REQUEST"
	ErrCodeValidationFailed      ErrorCode = "VALIDATION_FAILED"
	ErrCodeSchemaMismatch        ErrorCode = "SCHEMA_MISMATCH"
	ErrCodeInferenceFailed       ErrorCode = "INFERENCE_FAILED"
	ErrCodeExplanationFailed     ErrorCode = "EXPLANATION_FAILED"
	ErrCodeBackgroundUnavailable ErrorCode = "BACKGROUND_UNAVAILABLE"
	ErrCodeModelLoadError        ErrorCode = "MODEL_LOAD_ERROR"
	ErrCodeRequestTimeout        ErrorCode = "REQUEST_TIMEOUT"
	ErrCodeInternal              ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// Is matches another StandardError by code, so callers can test with
// errors.Is(err, &StandardError{Code: ...}).
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithMetadata returns e after merging fields into its metadata.
func (e *StandardError) WithMetadata(fields map[string]interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{}, len(fields))
	}
	for k, v := range fields {
		e.Metadata[k] = v
	}
	return e
}

// ==========================
// 2. BPMN Error Integration
// ==========================

// BPMNError represents an error that can be thrown to the Camunda workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for setting Camunda job fail variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

// ==========================
// 3. Error Constructors
// ==========================

// NewAuthenticationFailedError is returned for unknown users and wrong
// passwords alike.
func NewAuthenticationFailedError() *StandardError {
	return &StandardError{
		Code:      ErrCodeAuthenticationFailed,
		Message:   "Invalid credentials",
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewUnauthenticatedError covers a missing, malformed, forged or expired
// token and a subject that no longer exists. details is logged, not returned
// to clients.
func NewUnauthenticatedError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeUnauthenticated,
		Message:   "Invalid token",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewForbiddenError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeForbidden,
		Message:   "Insufficient privileges",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewCredentialLookupFailedError creates a retryable credential store error.
func NewCredentialLookupFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeCredentialLookupFailed,
		Message:   "Credential store unavailable",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

func NewInvalidRequestError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidRequest,
		Message:   "Malformed request",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewValidationFailedError carries the complete list of missing keys,
// unexpected keys and per-field problems in its metadata.
func NewValidationFailedError(missing, unexpected, problems []string) *StandardError {
	parts := make([]string, 0, 3)
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(unexpected) > 0 {
		parts = append(parts, "unexpected: "+strings.Join(unexpected, ", "))
	}
	if len(problems) > 0 {
		parts = append(parts, "invalid: "+strings.Join(problems, "; "))
	}
	return &StandardError{
		Code:      ErrCodeValidationFailed,
		Message:   "Feature vector validation failed",
		Details:   strings.Join(parts, " | "),
		Retryable: false,
		Metadata: map[string]interface{}{
			"missing":    nonNil(missing),
			"unexpected": nonNil(unexpected),
			"errors":     nonNil(problems),
		},
		Timestamp: time.Now().UTC(),
	}
}

func NewSchemaMismatchError(missing, unexpected []string, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeSchemaMismatch,
		Message:   "Feature vector does not match the model schema",
		Details:   details,
		Retryable: false,
		Metadata: map[string]interface{}{
			"missing":    nonNil(missing),
			"unexpected": nonNil(unexpected),
		},
		Timestamp: time.Now().UTC(),
	}
}

func NewInferenceFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeInferenceFailed,
		Message:   "Model inference failed",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewExplanationFailedError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeExplanationFailed,
		Message:   "Explanation could not be computed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewBackgroundUnavailableError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeBackgroundUnavailable,
		Message:   "No background sample is configured for explanations",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewModelLoadError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeModelLoadError,
		Message:   "Model artifact could not be loaded",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewRequestTimeoutError creates a retryable timeout error for operation.
func NewRequestTimeoutError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeRequestTimeout,
		Message:   fmt.Sprintf("Operation '%s' timed out", operation),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

func NewInternalError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeInternal,
		Message:   "Unexpected error",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ==========================
// 4. Normalisation and Mapping
// ==========================

// FromError unwraps err to a StandardError, wrapping anything else as
// INTERNAL_ERROR. Context deadlines become REQUEST_TIMEOUT.
func FromError(err error) *StandardError {
	if err == nil {
		return nil
	}
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewRequestTimeoutError("request", err)
	}
	return NewInternalError(err)
}

// HTTPStatus maps an error code to the response status the API returns.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeAuthenticationFailed, ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeInvalidRequest,
		ErrCodeValidationFailed,
		ErrCodeSchemaMismatch,
		ErrCodeBackgroundUnavailable:
		return http.StatusBadRequest
	case ErrCodeCredentialLookupFailed:
		return http.StatusServiceUnavailable
	case ErrCodeRequestTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ==========================
// 5. Error Conversion to BPMN
// ==========================

// BPMNErrorMapping maps internal error codes to the BPMN error codes modelled
// in the risk-assessment process.
var BPMNErrorMapping = map[ErrorCode]string{
	ErrCodeAuthenticationFailed:   "RISK_AUTH_FAILED",
	ErrCodeUnauthenticated:        "RISK_AUTH_FAILED",
	ErrCodeForbidden:              "RISK_FORBIDDEN",
	ErrCodeInvalidRequest:         "RISK_INVALID_INPUT",
	ErrCodeValidationFailed:       "RISK_INVALID_INPUT",
	ErrCodeSchemaMismatch:         "RISK_INVALID_INPUT",
	ErrCodeBackgroundUnavailable:  "RISK_EXPLANATION_UNAVAILABLE",
	ErrCodeExplanationFailed:      "RISK_EXPLANATION_FAILED",
	ErrCodeInferenceFailed:        "RISK_INFERENCE_FAILED",
	ErrCodeCredentialLookupFailed: "RISK_DEPENDENCY_UNAVAILABLE",
	ErrCodeRequestTimeout:         "RISK_TIMEOUT",
}

// GetRetryCount returns the recommended retry count for an error code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeCredentialLookupFailed:
		return 3
	case ErrCodeRequestTimeout:
		return 2
	default:
		return 0
	}
}

// ConvertToBPMNError converts a StandardError to a BPMNError for Camunda.
func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	bpmnCode, exists := BPMNErrorMapping[stdErr.Code]
	if !exists {
		bpmnCode = string(stdErr.Code)
	}

	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	// Which authentication check failed stays in the logs.
	details := stdErr.Details
	switch stdErr.Code {
	case ErrCodeUnauthenticated, ErrCodeAuthenticationFailed:
		details = ""
	}

	return &BPMNError{
		Code:      bpmnCode,
		Message:   stdErr.Message,
		Details:   details,
		Retryable: stdErr.Retryable,
		Retries:   retries,
		ErrorVariables: map[string]interface{}{
			"originalErrorCode": string(stdErr.Code),
			"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
		},
	}
}

// ==========================
// 6. Utility Functions
// ==========================

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// HasCode reports whether err is a StandardError carrying code.
func HasCode(err error, code ErrorCode) bool {
	var stdErr *StandardError
	return stderrors.As(err, &stdErr) && stdErr.Code == code
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	switch code {
	case ErrCodeAuthenticationFailed, ErrCodeUnauthenticated, ErrCodeForbidden, ErrCodeCredentialLookupFailed:
		return "ACCESS"
	case ErrCodeInvalidRequest, ErrCodeValidationFailed, ErrCodeSchemaMismatch:
		return "VALIDATION"
	case ErrCodeInferenceFailed, ErrCodeModelLoadError:
		return "MODEL"
	case ErrCodeExplanationFailed, ErrCodeBackgroundUnavailable:
		return "EXPLANATION"
	case ErrCodeRequestTimeout:
		return "TIMEOUT"
	default:
		return "OTHER"
	}
}
