package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected during engine execution.
//
// Runtime errors include:
//   - Quota exceeded: a fiber ran more steps than the per-resume budget
//   - Stale epoch: a wakeup belongs to a superseded loop iteration
//   - Bad program: the pinned bytecode is internally inconsistent
//
// RuntimeError includes structured fields for diagnostics and recovery.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// InstanceID identifies the affected instance.
	InstanceID string

	// FiberID identifies the affected fiber (-1 for instance-level).
	FiberID int64
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeQuotaExceeded indicates a fiber exceeded the step budget.
	ErrCodeQuotaExceeded RuntimeErrorCode = "QUOTA_EXCEEDED"

	// ErrCodeStaleEpoch indicates a wakeup from a superseded loop iteration.
	ErrCodeStaleEpoch RuntimeErrorCode = "STALE_EPOCH"

	// ErrCodeBadProgram indicates inconsistent bytecode (compiler defect).
	ErrCodeBadProgram RuntimeErrorCode = "BAD_PROGRAM"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.InstanceID != "" && e.FiberID >= 0 {
		return fmt.Sprintf("%s: %s (instance=%s, fiber=%d)", e.Code, e.Message, e.InstanceID, e.FiberID)
	}
	if e.InstanceID != "" {
		return fmt.Sprintf("%s: %s (instance=%s)", e.Code, e.Message, e.InstanceID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsQuotaError returns true if the error is a step quota error.
// Uses errors.As to handle wrapped errors.
func IsQuotaError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeQuotaExceeded
	}
	return false
}

// IsStaleEpoch returns true if the error is a stale epoch discard.
func IsStaleEpoch(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeStaleEpoch
	}
	return false
}

// NewQuotaError creates a RuntimeError for a blown step budget.
func NewQuotaError(instanceID string, fiberID int64, steps, maxSteps int) *RuntimeError {
	return &RuntimeError{
		Code:       ErrCodeQuotaExceeded,
		Message:    fmt.Sprintf("fiber exceeded max steps per resume (%d >= %d)", steps, maxSteps),
		InstanceID: instanceID,
		FiberID:    fiberID,
	}
}
