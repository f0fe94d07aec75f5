package remediation

import (
	"fmt"

	"github.com/catherinevee/remediator/internal/shared/errors"
)

// Sentinels for errors.Is checks against the taxonomy.
var (
	ErrValidation      = &errors.Error{Type: errors.ErrorTypeValidation}
	ErrSafetyViolation = &errors.Error{Type: errors.ErrorTypeSafetyViolation}
	ErrRemediation     = &errors.Error{Type: errors.ErrorTypeRemediation}
	ErrRollback        = &errors.Error{Type: errors.ErrorTypeRollback}
	ErrApproval        = &errors.Error{Type: errors.ErrorTypeApproval}
	ErrNotFound        = &errors.Error{Type: errors.ErrorTypeNotFound}
	ErrConflict        = &errors.Error{Type: errors.ErrorTypeConflict}
)

// Error codes
const (
	CodeUnsupported      = "UNSUPPORTED_COMBINATION"
	CodeExecutionFailed  = "EXECUTION_FAILED"
	CodeCriticalCheck    = "CRITICAL_CHECK_FAILED"
	CodeNotCompleted     = "JOB_NOT_COMPLETED"
	CodeNoDescriptor     = "NO_ROLLBACK_DESCRIPTOR"
	CodeIllegalState     = "ILLEGAL_TRANSITION"
	CodeImmutable        = "IMMUTABLE_ARTIFACT"
	CodeJobExists        = "JOB_EXISTS"
	CodeStaleVersion     = "STALE_VERSION"
	CodeNotifyFailed     = "NOTIFICATION_FAILED"
	CodeMissingParameter = "MISSING_PARAMETER"
	CodeUnrecorded       = "APPLIED_NOT_RECORDED"
)

// NewUnsupportedError reports a (resourceType, remediationType) pair with no
// registered handler.
func NewUnsupportedError(resourceType, remediationType string) *errors.Error {
	return errors.NewError(errors.ErrorTypeRemediation,
		fmt.Sprintf("unsupported remediation %q for resource type %q", remediationType, resourceType)).
		WithCode(CodeUnsupported).
		WithDetails("resourceType", resourceType).
		WithDetails("remediationType", remediationType).
		Build()
}

// NewExecutionError wraps an actuator failure.
func NewExecutionError(resourceID string, cause error) *errors.Error {
	return errors.NewError(errors.ErrorTypeRemediation, "remediation execution failed").
		WithCode(CodeExecutionFailed).
		WithResource(resourceID).
		WithWrapped(cause).
		Build()
}

// NewSafetyViolationError reports unresolved CRITICAL checks.
func NewSafetyViolationError(resourceID string, failed []SafetyCheck) *errors.Error {
	names := make([]string, 0, len(failed))
	for _, c := range failed {
		names = append(names, c.Name)
	}
	return errors.NewError(errors.ErrorTypeSafetyViolation,
		fmt.Sprintf("critical safety checks failed: %v", names)).
		WithCode(CodeCriticalCheck).
		WithResource(resourceID).
		WithDetails("checks", names).
		WithUserHelp("Resolve the failing checks or resubmit with overrideSafety and a reason").
		Build()
}

// NewRollbackError reports a rollback requested on an ineligible job.
func NewRollbackError(jobID, code, message string) *errors.Error {
	return errors.NewError(errors.ErrorTypeRollback, message).
		WithCode(code).
		WithResource(jobID).
		Build()
}

// NewIllegalTransitionError reports a status write that is not a legal
// successor of the current status.
func NewIllegalTransitionError(jobID string, from, to Status) *errors.Error {
	return errors.NewError(errors.ErrorTypeConflict,
		fmt.Sprintf("illegal status transition %s -> %s", from, to)).
		WithCode(CodeIllegalState).
		WithResource(jobID).
		WithDetails("from", string(from)).
		WithDetails("to", string(to)).
		Build()
}

// NewMissingParameterError reports a handler parameter that was not supplied.
func NewMissingParameterError(resourceID string, cause error) error {
	var typed *errors.Error
	if errors.As(cause, &typed) && typed.Type == errors.ErrorTypeValidation {
		typed.Code = CodeMissingParameter
		if typed.Resource == "" {
			typed.Resource = resourceID
		}
		return typed
	}
	return errors.NewError(errors.ErrorTypeValidation, "invalid remediation parameters").
		WithCode(CodeMissingParameter).
		WithResource(resourceID).
		WithWrapped(cause).
		Build()
}
