package actuator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/catherinevee/remediator/internal/remediation"
)

func (c *Clients) attachedRolePolicies(ctx context.Context, role string) ([]iamtypes.AttachedPolicy, error) {
	var policies []iamtypes.AttachedPolicy
	paginator := iam.NewListAttachedRolePoliciesPaginator(c.IAM, &iam.ListAttachedRolePoliciesInput{
		RoleName: aws.String(role),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list attached policies: %w", err)
		}
		policies = append(policies, page.AttachedPolicies...)
	}
	return policies, nil
}

type rolePermissionsParams struct {
	PolicyARN string `json:"policyArn" validate:"required"`
}

type rolePermissionsRollback struct {
	Role      string `json:"role"`
	PolicyARN string `json:"policyArn"`
}

// rolePermissionsHandler detaches an over-broad managed policy from a role.
type rolePermissionsHandler struct{ c *Clients }

func (h *rolePermissionsHandler) Kind() Kind {
	return Kind{remediation.ResourceIdentityRole, remediation.RemediationModifyPermissions}
}

func (h *rolePermissionsHandler) Baseline() remediation.ImpactEstimate {
	return remediation.ImpactEstimate{
		RiskLevel:         remediation.RiskMedium,
		AffectedResources: 1,
		Description:       "Detach a managed policy from the role; workloads assuming the role lose those permissions",
		Mitigations: []string{
			"Review CloudTrail for recent use of the permissions being removed",
			"The detached policy ARN is recorded for rollback",
		},
	}
}

func (h *rolePermissionsHandler) ValidateParams(resourceID string, params remediation.Parameters) error {
	var p rolePermissionsParams
	return DecodeParams(resourceID, params, &p)
}

func (h *rolePermissionsHandler) Execute(ctx context.Context, req remediation.Request) (*remediation.ExecutionResult, error) {
	var p rolePermissionsParams
	if err := DecodeParams(req.ResourceID, req.Parameters, &p); err != nil {
		return nil, err
	}

	role := req.ResourceID
	attached, err := h.c.attachedRolePolicies(ctx, role)
	if err != nil {
		return nil, err
	}

	found := false
	before := make([]string, 0, len(attached))
	after := make([]string, 0, len(attached))
	for _, policy := range attached {
		arn := aws.ToString(policy.PolicyArn)
		before = append(before, arn)
		if arn == p.PolicyARN {
			found = true
			continue
		}
		after = append(after, arn)
	}
	if !found {
		return nil, fmt.Errorf("policy %s is not attached to role %s", p.PolicyARN, role)
	}

	changes := []remediation.Change{{
		Action:   "detach-role-policy",
		Resource: role,
		Before:   before,
		After:    after,
	}}

	if req.DryRun {
		return DryRunResult(h.Kind(), changes), nil
	}

	if err := h.c.mutate(ctx); err != nil {
		return nil, err
	}
	if _, err := h.c.IAM.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
		RoleName:  aws.String(role),
		PolicyArn: aws.String(p.PolicyARN),
	}); err != nil {
		return nil, fmt.Errorf("failed to detach policy: %w", err)
	}

	desc, err := AutomatedRollback(h.Kind(), rolePermissionsRollback{Role: role, PolicyARN: p.PolicyARN},
		fmt.Sprintf("Re-attach policy %s to role %s", p.PolicyARN, role))
	if err != nil {
		return nil, err
	}

	return &remediation.ExecutionResult{
		Success:            true,
		Changes:            changes,
		RollbackDescriptor: desc,
		Message:            fmt.Sprintf("policy %s detached from role %s", p.PolicyARN, role),
	}, nil
}

func (h *rolePermissionsHandler) Rollback(ctx context.Context, data json.RawMessage) []remediation.ActionOutcome {
	var rb rolePermissionsRollback
	if err := json.Unmarshal(data, &rb); err != nil {
		return []remediation.ActionOutcome{failure("attach-role-policy", "", err)}
	}

	if err := h.c.mutate(ctx); err != nil {
		return []remediation.ActionOutcome{failure("attach-role-policy", rb.Role, err)}
	}
	if _, err := h.c.IAM.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(rb.Role),
		PolicyArn: aws.String(rb.PolicyARN),
	}); err != nil {
		return []remediation.ActionOutcome{failure("attach-role-policy", rb.Role, err)}
	}
	return []remediation.ActionOutcome{success("attach-role-policy", rb.Role)}
}
