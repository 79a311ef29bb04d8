// Package errors provides unified error handling for the pipeline engine.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code for an EngineError.
type ErrorCode string

const (
	// Validation (1xxx) — caller supplied a syntactically invalid input.
	ErrCodeValidation     ErrorCode = "VAL_1001"
	ErrCodeMissingField   ErrorCode = "VAL_1002"
	ErrCodeCircularDeps   ErrorCode = "VAL_1003"
	ErrCodeUnknownStage   ErrorCode = "VAL_1004"
	ErrCodeMissingBuildID ErrorCode = "VAL_1005"

	// NotFound (2xxx) — referenced entity does not exist.
	ErrCodeNotFound ErrorCode = "RES_2001"

	// Infrastructure (3xxx).
	ErrCodeTenantRouteUnavailable ErrorCode = "INFRA_3001"
	ErrCodeAuditFailure           ErrorCode = "INFRA_3002"

	// Auth (4xxx).
	ErrCodeAuthUnresolved ErrorCode = "AUTH_4001"

	// Resilience (5xxx).
	ErrCodeTransient   ErrorCode = "RESIL_5001"
	ErrCodeCircuitOpen ErrorCode = "RESIL_5002"

	// Approval (6xxx) — pseudo-error/status, not a transport failure.
	ErrCodeApprovalPending ErrorCode = "APPR_6001"

	// Licensing (7xxx).
	ErrCodeLicenseExceeded ErrorCode = "LIC_7001"
)

// EngineError represents a structured error with code, message, and an
// HTTP-shaped status for callers that translate it to a REST response.
type EngineError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *EngineError) WithDetails(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new EngineError.
func New(code ErrorCode, message string, httpStatus int) *EngineError {
	return &EngineError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with an EngineError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *EngineError {
	return &EngineError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Validation errors (kind 1: spec §7).

func Validation(field, reason string) *EngineError {
	return New(ErrCodeValidation, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingField(field string) *EngineError {
	return New(ErrCodeMissingField, "missing required field", http.StatusBadRequest).
		WithDetails("field", field)
}

func MissingBuildJobID() *EngineError {
	return New(ErrCodeMissingBuildID, "build_job_id is required", http.StatusBadRequest)
}

func CircularDependency(nodeID string) *EngineError {
	return New(ErrCodeCircularDeps, "CircularDependency", http.StatusBadRequest).
		WithDetails("nodeId", nodeID)
}

func UnknownStageType(stageType string) *EngineError {
	return New(ErrCodeUnknownStage, "unknown stage type compiled to generic handler", http.StatusOK).
		WithDetails("stageType", stageType)
}

// NotFound errors (kind 2: spec §7).

func NotFound(resource, id string) *EngineError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// Infrastructure errors (kind 3: spec §7).

func TenantRouteUnavailable(accountID string, err error) *EngineError {
	return Wrap(ErrCodeTenantRouteUnavailable, "tenant route unavailable", http.StatusServiceUnavailable, err).
		WithDetails("accountId", accountID)
}

func AuditFailure(err error) *EngineError {
	return Wrap(ErrCodeAuditFailure, "audit write failed", http.StatusInternalServerError, err)
}

// Auth errors (kind 4: spec §7).

func AuthUnresolved(stageID string) *EngineError {
	return New(ErrCodeAuthUnresolved, "stage requires credentials and none resolved", http.StatusUnauthorized).
		WithDetails("stageId", stageID)
}

// Resilience errors (kinds 5-6: spec §7).

func Transient(operation string, err error) *EngineError {
	return Wrap(ErrCodeTransient, "transient failure", http.StatusBadGateway, err).
		WithDetails("operation", operation)
}

func CircuitOpen(name string) *EngineError {
	return New(ErrCodeCircuitOpen, "downstream unavailable", http.StatusServiceUnavailable).
		WithDetails("breaker", name)
}

func ApprovalPending(stageID string) *EngineError {
	return New(ErrCodeApprovalPending, "waiting for approval", http.StatusAccepted).
		WithDetails("stageId", stageID)
}

// Licensing errors (kind 8: spec §7).

func LicenseExceeded(accountID string, active, cap int) *EngineError {
	return New(ErrCodeLicenseExceeded, "license seat cap exceeded", http.StatusForbidden).
		WithDetails("accountId", accountID).
		WithDetails("activeUsers", active).
		WithDetails("seatCap", cap)
}

// Helper functions.

// IsEngineError checks if an error is an EngineError.
func IsEngineError(err error) bool {
	var engineErr *EngineError
	return errors.As(err, &engineErr)
}

// GetEngineError extracts an EngineError from an error chain.
func GetEngineError(err error) *EngineError {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if engineErr := GetEngineError(err); engineErr != nil {
		return engineErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Code returns the ErrorCode of an error chain, or "" if it is not an
// EngineError.
func Code(err error) ErrorCode {
	if engineErr := GetEngineError(err); engineErr != nil {
		return engineErr.Code
	}
	return ""
}
