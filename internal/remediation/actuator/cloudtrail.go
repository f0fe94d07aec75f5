package actuator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"

	"github.com/catherinevee/remediator/internal/remediation"
)

type trailValidationRollback struct {
	Trail string `json:"trail"`
}

// trailValidationHandler turns on log file integrity validation for a trail.
type trailValidationHandler struct{ c *Clients }

func (h *trailValidationHandler) Kind() Kind {
	return Kind{remediation.ResourceAuditTrail, remediation.RemediationEnableLogFileValidation}
}

func (h *trailValidationHandler) Baseline() remediation.ImpactEstimate {
	return remediation.ImpactEstimate{
		RiskLevel:         remediation.RiskLow,
		AffectedResources: 1,
		Description:       "Deliver hourly digest files so log tampering can be detected",
	}
}

func (h *trailValidationHandler) Execute(ctx context.Context, req remediation.Request) (*remediation.ExecutionResult, error) {
	name := req.ResourceID
	out, err := h.c.CloudTrail.GetTrail(ctx, &cloudtrail.GetTrailInput{Name: aws.String(name)})
	if err != nil {
		return nil, fmt.Errorf("failed to get trail: %w", err)
	}
	if out.Trail == nil {
		return nil, fmt.Errorf("trail %s not found", name)
	}
	if aws.ToBool(out.Trail.LogFileValidationEnabled) {
		return &remediation.ExecutionResult{
			Success:            true,
			RollbackDescriptor: remediation.ManualRollback(h.Kind().String(), "No change was made; validation was already enabled"),
			Message:            fmt.Sprintf("log file validation already enabled on %s", name),
		}, nil
	}

	changes := []remediation.Change{{
		Action:   "update-trail",
		Resource: name,
		Before:   map[string]any{"logFileValidationEnabled": false},
		After:    map[string]any{"logFileValidationEnabled": true},
	}}

	if req.DryRun {
		return DryRunResult(h.Kind(), changes), nil
	}

	if err := h.c.mutate(ctx); err != nil {
		return nil, err
	}
	if _, err := h.c.CloudTrail.UpdateTrail(ctx, &cloudtrail.UpdateTrailInput{
		Name:                    aws.String(name),
		EnableLogFileValidation: aws.Bool(true),
	}); err != nil {
		return nil, fmt.Errorf("failed to update trail: %w", err)
	}

	desc, err := AutomatedRollback(h.Kind(), trailValidationRollback{Trail: name},
		fmt.Sprintf("Disable log file validation on trail %s", name))
	if err != nil {
		return nil, err
	}

	return &remediation.ExecutionResult{
		Success:            true,
		Changes:            changes,
		RollbackDescriptor: desc,
		Message:            fmt.Sprintf("log file validation enabled on %s", name),
	}, nil
}

func (h *trailValidationHandler) Rollback(ctx context.Context, data json.RawMessage) []remediation.ActionOutcome {
	var rb trailValidationRollback
	if err := json.Unmarshal(data, &rb); err != nil {
		return []remediation.ActionOutcome{failure("disable-log-file-validation", "", err)}
	}

	if err := h.c.mutate(ctx); err != nil {
		return []remediation.ActionOutcome{failure("disable-log-file-validation", rb.Trail, err)}
	}
	if _, err := h.c.CloudTrail.UpdateTrail(ctx, &cloudtrail.UpdateTrailInput{
		Name:                    aws.String(rb.Trail),
		EnableLogFileValidation: aws.Bool(false),
	}); err != nil {
		return []remediation.ActionOutcome{failure("disable-log-file-validation", rb.Trail, err)}
	}
	return []remediation.ActionOutcome{success("disable-log-file-validation", rb.Trail)}
}
