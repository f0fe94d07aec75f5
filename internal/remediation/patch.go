package remediation

import (
	"time"

	"github.com/catherinevee/remediator/internal/shared/errors"
)

// JobPatch is a partial update. Nil fields are left untouched.
type JobPatch struct {
	// ExpectedStatus, when set, makes the update conditional on the stored
	// status.
	ExpectedStatus Status

	Status       *Status
	ApprovedBy   *string
	ApprovedAt   *time.Time
	AppliedAt    *time.Time
	RolledBackAt *time.Time
	FailedAt     *time.Time

	SafetyCheckResult *SafetyCheckResult
	ImpactEstimate    *ImpactEstimate
	ApprovalRequired  *bool

	Changes            []Change
	RollbackDescriptor *RollbackDescriptor
	RollbackResult     *RollbackResult
	ErrorMessage       *string
	Message            *string
}

// StatusPtr is a convenience for building patches.
func StatusPtr(s Status) *Status { return &s }

// StringPtr is a convenience for building patches.
func StringPtr(s string) *string { return &s }

// BoolPtr is a convenience for building patches.
func BoolPtr(b bool) *bool { return &b }

// TimePtr is a convenience for building patches.
func TimePtr(t time.Time) *time.Time { return &t }

// ApplyPatch applies p to job in place, enforcing the status graph and the
// write-once rule on decision artifacts. Every store backend funnels updates
// through here so the rules hold regardless of persistence.
func ApplyPatch(job *Job, p JobPatch, now time.Time) error {
	if p.ExpectedStatus != "" && job.Status != p.ExpectedStatus {
		return errors.NewError(errors.ErrorTypeConflict, "job status changed concurrently").
			WithCode(CodeStaleVersion).
			WithResource(job.JobID).
			WithDetails("expected", string(p.ExpectedStatus)).
			WithDetails("actual", string(job.Status)).
			Build()
	}

	if p.Status != nil && !CanTransition(job.Status, *p.Status) {
		return NewIllegalTransitionError(job.JobID, job.Status, *p.Status)
	}

	if p.SafetyCheckResult != nil && job.SafetyCheckResult != nil {
		return immutable(job.JobID, "safetyCheckResult")
	}
	if p.ImpactEstimate != nil && job.ImpactEstimate != nil {
		return immutable(job.JobID, "impactEstimate")
	}
	if p.ApprovalRequired != nil && job.ApprovalRequired != nil {
		return immutable(job.JobID, "approvalRequired")
	}

	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.ApprovedBy != nil {
		job.ApprovedBy = *p.ApprovedBy
	}
	if p.ApprovedAt != nil {
		job.ApprovedAt = p.ApprovedAt
	}
	if p.AppliedAt != nil {
		job.AppliedAt = p.AppliedAt
	}
	if p.RolledBackAt != nil {
		job.RolledBackAt = p.RolledBackAt
	}
	if p.FailedAt != nil {
		job.FailedAt = p.FailedAt
	}
	if p.SafetyCheckResult != nil {
		job.SafetyCheckResult = p.SafetyCheckResult
	}
	if p.ImpactEstimate != nil {
		job.ImpactEstimate = p.ImpactEstimate
	}
	if p.ApprovalRequired != nil {
		job.ApprovalRequired = p.ApprovalRequired
	}
	if p.Changes != nil {
		job.Changes = p.Changes
	}
	if p.RollbackDescriptor != nil {
		job.RollbackDescriptor = p.RollbackDescriptor
	}
	if p.RollbackResult != nil {
		job.RollbackResult = p.RollbackResult
	}
	if p.ErrorMessage != nil {
		job.ErrorMessage = *p.ErrorMessage
	}
	if p.Message != nil {
		job.Message = *p.Message
	}

	job.Version++
	job.UpdatedAt = now.UTC()
	return nil
}

func immutable(jobID, field string) error {
	return errors.NewError(errors.ErrorTypeConflict, field+" is already set and cannot be recomputed").
		WithCode(CodeImmutable).
		WithResource(jobID).
		Build()
}
