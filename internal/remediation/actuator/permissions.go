package actuator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/catherinevee/remediator/internal/remediation"
)

// STSAPI is the subset of the STS client used to find the acting principal.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// requiredActions lists the IAM actions each handler calls, rollback
// included.
var requiredActions = map[Kind][]string{
	{remediation.ResourceStorageBucket, remediation.RemediationEnableBucketEncryption}: {
		"s3:GetEncryptionConfiguration", "s3:PutEncryptionConfiguration",
	},
	{remediation.ResourceStorageBucket, remediation.RemediationBlockPublicAccess}: {
		"s3:GetBucketPublicAccessBlock", "s3:PutBucketPublicAccessBlock",
	},
	{remediation.ResourceStorageBucket, remediation.RemediationEnableVersioning}: {
		"s3:GetBucketVersioning", "s3:PutBucketVersioning",
	},
	{remediation.ResourceDatabaseInstance, remediation.RemediationEnableEncryption}: {
		"rds:DescribeDBInstances", "rds:CreateDBSnapshot", "rds:CopyDBSnapshot",
		"rds:DescribeDBSnapshots", "rds:RestoreDBInstanceFromDBSnapshot",
	},
	{remediation.ResourceDatabaseInstance, remediation.RemediationDisablePublicAccess}: {
		"rds:DescribeDBInstances", "rds:ModifyDBInstance",
	},
	{remediation.ResourceDatabaseInstance, remediation.RemediationEnableBackups}: {
		"rds:DescribeDBInstances", "rds:ModifyDBInstance",
	},
	{remediation.ResourceIdentityRole, remediation.RemediationModifyPermissions}: {
		"iam:ListAttachedRolePolicies", "iam:DetachRolePolicy", "iam:AttachRolePolicy",
	},
	{remediation.ResourceNetworkIngressGroup, remediation.RemediationRestrictIngress}: {
		"ec2:DescribeSecurityGroups", "ec2:RevokeSecurityGroupIngress", "ec2:AuthorizeSecurityGroupIngress",
	},
	{remediation.ResourceVirtualNetwork, remediation.RemediationEnableFlowLogs}: {
		"ec2:DescribeFlowLogs", "ec2:CreateFlowLogs", "ec2:DeleteFlowLogs",
	},
	{remediation.ResourceEncryptionKey, remediation.RemediationEnableKeyRotation}: {
		"kms:GetKeyRotationStatus", "kms:EnableKeyRotation", "kms:DisableKeyRotation",
	},
	{remediation.ResourceAuditTrail, remediation.RemediationEnableLogFileValidation}: {
		"cloudtrail:GetTrail", "cloudtrail:UpdateTrail",
	},
}

// RequiredActions returns the IAM actions the handler for kind needs.
func RequiredActions(kind Kind) []string {
	return append([]string(nil), requiredActions[kind]...)
}

// PermissionChecker simulates IAM policy for the principal behind a request.
// A requester given as an IAM ARN is simulated directly; any other requester
// name is checked through the credentials the actuator itself runs with.
type PermissionChecker struct {
	c *Clients

	mu   sync.Mutex
	self string
}

// NewPermissionChecker creates a checker over c.IAM and c.STS.
func NewPermissionChecker(c *Clients) *PermissionChecker {
	return &PermissionChecker{c: c}
}

// CanRemediate reports whether every required action is allowed.
func (p *PermissionChecker) CanRemediate(ctx context.Context, req remediation.Request) (bool, error) {
	actions := requiredActions[Kind{req.ResourceType, req.RemediationType}]
	if len(actions) == 0 {
		return false, fmt.Errorf("no permission table for %s/%s", req.ResourceType, req.RemediationType)
	}

	principal := req.RequestedBy
	if !strings.HasPrefix(principal, "arn:") {
		var err error
		if principal, err = p.actingPrincipal(ctx); err != nil {
			return false, err
		}
	}

	denied, err := p.denied(ctx, principal, actions)
	if err != nil {
		return false, err
	}
	return len(denied) == 0, nil
}

func (p *PermissionChecker) denied(ctx context.Context, principal string, actions []string) ([]string, error) {
	var denied []string
	paginator := iam.NewSimulatePrincipalPolicyPaginator(p.c.IAM, &iam.SimulatePrincipalPolicyInput{
		PolicySourceArn: aws.String(principal),
		ActionNames:     actions,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to simulate policy for %s: %w", principal, err)
		}
		for _, res := range page.EvaluationResults {
			if res.EvalDecision != iamtypes.PolicyEvaluationDecisionTypeAllowed {
				denied = append(denied, aws.ToString(res.EvalActionName))
			}
		}
	}
	return denied, nil
}

// actingPrincipal resolves and caches the IAM ARN of the actuator's own
// credentials.
func (p *PermissionChecker) actingPrincipal(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.self != "" {
		return p.self, nil
	}
	if p.c.STS == nil {
		return "", fmt.Errorf("no STS client configured")
	}

	out, err := p.c.STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get caller identity: %w", err)
	}
	p.self = principalARN(aws.ToString(out.Arn))
	return p.self, nil
}

// principalARN maps an assumed-role session ARN to the role ARN that IAM can
// simulate. Role paths are not recoverable from the session ARN.
func principalARN(arn string) string {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 || parts[2] != "sts" {
		return arn
	}
	resource := strings.Split(parts[5], "/")
	if len(resource) < 2 || resource[0] != "assumed-role" {
		return arn
	}
	return fmt.Sprintf("arn:%s:iam::%s:role/%s", parts[1], parts[4], resource[1])
}
