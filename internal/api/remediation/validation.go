package remediation

import (
	"github.com/catherinevee/remediator/internal/remediation"
	"github.com/catherinevee/remediator/internal/shared/errors"
)

// ApprovalRequest is the body of an approve call.
type ApprovalRequest struct {
	Approver string `json:"approver" validate:"required"`
	Comment  string `json:"comment,omitempty" validate:"max=1024"`
}

// RollbackRequest is the optional body of a rollback call.
type RollbackRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ValidateListStatus accepts an empty filter or PENDING_APPROVAL, the only
// listing the workflow serves.
func ValidateListStatus(status string) error {
	if status == "" || remediation.Status(status) == remediation.StatusPendingApproval {
		return nil
	}
	if !remediation.Status(status).Valid() {
		return errors.NewValidationError("status", "unknown status "+status)
	}
	return errors.NewValidationError("status", "only PENDING_APPROVAL jobs can be listed")
}
