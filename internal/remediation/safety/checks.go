package safety

import (
	"context"
	"fmt"
	"strings"

	"github.com/catherinevee/remediator/internal/remediation"
)

// Check names
const (
	CheckProductionName     = "production-name"
	CheckCallerPermission   = "caller-permission"
	CheckBusinessHours      = "business-hours-production"
	CheckRecentChanges      = "recent-changes"
	CheckBucketExists       = "bucket-exists"
	CheckBucketCriticality  = "bucket-criticality-tags"
	CheckServiceRole        = "service-role"
	CheckAdminPolicy        = "admin-policy-attached"
	CheckAttachedInstances  = "attached-instances"
	CheckPermissiveRules    = "permissive-ingress-rules"
	CheckResourceInspection = "resource-inspection"
	CheckDestructive        = "destructive-operation"
	CheckIrreversible       = "irreversible-operation"
)

var (
	destructiveKeywords  = []string{"delete", "revoke", "disable"}
	irreversibleKeywords = []string{"delete", "terminate", "destroy"}
)

type checkRun struct {
	gate   *Gate
	policy Policy
	req    remediation.Request
}

func (r *checkRun) guard(ctx context.Context, name string, onError remediation.Severity,
	fn func(ctx context.Context) remediation.SafetyCheck) remediation.SafetyCheck {
	return r.gate.guard(ctx, r.policy.CheckTimeout, name, onError, fn)
}

func (r *checkRun) generic(ctx context.Context) []remediation.SafetyCheck {
	production := r.policy.IsProduction(r.req.ResourceID)

	checks := []remediation.SafetyCheck{r.productionName(production)}
	checks = append(checks, r.guard(ctx, CheckCallerPermission, remediation.SeverityHigh, r.callerPermission))
	checks = append(checks, r.businessHours(production))
	checks = append(checks, r.guard(ctx, CheckRecentChanges, remediation.SeverityMedium, r.recentChanges))
	return checks
}

func (r *checkRun) productionName(production bool) remediation.SafetyCheck {
	if !production {
		return passed(CheckProductionName, "Resource identifier does not indicate production")
	}
	return failed(CheckProductionName, remediation.SeverityMedium,
		fmt.Sprintf("Resource %s appears to be a production resource", r.req.ResourceID),
		"Confirm the change with the resource owner")
}

func (r *checkRun) callerPermission(ctx context.Context) remediation.SafetyCheck {
	if r.gate.permissions == nil {
		return failed(CheckCallerPermission, remediation.SeverityMedium,
			fmt.Sprintf("Permissions for %s were not verified: no permission checker configured", r.req.RequestedBy),
			"Enable safety.check_permissions or verify the requester's access manually")
	}

	ok, err := r.gate.permissions.CanRemediate(ctx, r.req)
	if err != nil {
		return failed(CheckCallerPermission, remediation.SeverityHigh,
			fmt.Sprintf("Could not verify permissions for %s: %v", r.req.RequestedBy, err),
			"Verify the requester's access manually")
	}
	if !ok {
		return failed(CheckCallerPermission, remediation.SeverityCritical,
			fmt.Sprintf("%s is not permitted to remediate %s", r.req.RequestedBy, r.req.ResourceID),
			"Request access or ask an authorized operator")
	}
	return passed(CheckCallerPermission, "Requester has sufficient permissions")
}

func (r *checkRun) businessHours(production bool) remediation.SafetyCheck {
	now := r.gate.clock()
	if production && r.policy.BusinessHours.Contains(now) {
		return failed(CheckBusinessHours, remediation.SeverityMedium,
			"Remediating a production resource during business hours",
			"Schedule the change for a maintenance window")
	}
	return passed(CheckBusinessHours, "Outside the production business-hours window")
}

func (r *checkRun) recentChanges(ctx context.Context) remediation.SafetyCheck {
	if r.gate.changes == nil {
		return passed(CheckRecentChanges, "No change log configured")
	}

	since := r.gate.clock().Add(-r.policy.RecentChangeWindow)
	count, err := r.gate.changes.RecentChanges(ctx, r.req.ResourceID, since)
	if err != nil {
		return failed(CheckRecentChanges, remediation.SeverityMedium,
			fmt.Sprintf("Could not read the change log: %v", err),
			"Check for in-flight changes before proceeding")
	}
	if count > 0 {
		return failed(CheckRecentChanges, remediation.SeverityMedium,
			fmt.Sprintf("%d change(s) to the resource in the last %s", count, r.policy.RecentChangeWindow),
			"Coordinate with whoever changed the resource recently")
	}
	return passed(CheckRecentChanges, "No recent changes recorded")
}

func (r *checkRun) resource(ctx context.Context) []remediation.SafetyCheck {
	switch r.req.ResourceType {
	case remediation.ResourceStorageBucket,
		remediation.ResourceIdentityRole,
		remediation.ResourceNetworkIngressGroup:
	default:
		return nil
	}

	if r.gate.inspector == nil {
		return []remediation.SafetyCheck{failed(CheckResourceInspection, remediation.SeverityMedium,
			"Resource inspection is not available; resource-specific checks were skipped",
			"Inspect the resource manually before proceeding")}
	}

	switch r.req.ResourceType {
	case remediation.ResourceStorageBucket:
		return r.bucketChecks(ctx)
	case remediation.ResourceIdentityRole:
		return r.roleChecks(ctx)
	default:
		return r.ingressChecks(ctx)
	}
}

func (r *checkRun) bucketChecks(ctx context.Context) []remediation.SafetyCheck {
	bucket := r.req.ResourceID
	inspector := r.gate.inspector

	exists := r.guard(ctx, CheckBucketExists, remediation.SeverityCritical, func(ctx context.Context) remediation.SafetyCheck {
		ok, err := inspector.BucketExists(ctx, bucket)
		if err != nil {
			return failed(CheckBucketExists, remediation.SeverityCritical,
				fmt.Sprintf("Bucket %s is not reachable: %v", bucket, err),
				"Verify the bucket name and access before retrying")
		}
		if !ok {
			return failed(CheckBucketExists, remediation.SeverityCritical,
				fmt.Sprintf("Bucket %s does not exist", bucket),
				"Verify the bucket name")
		}
		return passed(CheckBucketExists, "Bucket exists")
	})
	if !exists.Passed {
		return []remediation.SafetyCheck{exists}
	}

	tags := r.guard(ctx, CheckBucketCriticality, remediation.SeverityMedium, func(ctx context.Context) remediation.SafetyCheck {
		tags, err := inspector.BucketTags(ctx, bucket)
		if err != nil {
			return failed(CheckBucketCriticality, remediation.SeverityMedium,
				fmt.Sprintf("Could not read bucket tags: %v", err),
				"Check the bucket's criticality manually")
		}
		if key, value, ok := r.criticalTag(tags); ok {
			return failed(CheckBucketCriticality, remediation.SeverityHigh,
				fmt.Sprintf("Bucket is tagged %s=%s", key, value),
				"Coordinate with the owning team before changing a critical bucket")
		}
		return passed(CheckBucketCriticality, "Bucket is not tagged as critical")
	})

	return []remediation.SafetyCheck{exists, tags}
}

func (r *checkRun) criticalTag(tags map[string]string) (string, string, bool) {
	for _, key := range r.policy.CriticalTagKeys {
		for k, v := range tags {
			if !strings.EqualFold(k, key) {
				continue
			}
			for _, want := range r.policy.CriticalTagValues {
				if strings.EqualFold(strings.TrimSpace(v), want) {
					return k, v, true
				}
			}
		}
	}
	return "", "", false
}

func (r *checkRun) roleChecks(ctx context.Context) []remediation.SafetyCheck {
	role := r.req.ResourceID
	inspector := r.gate.inspector

	service := r.guard(ctx, CheckServiceRole, remediation.SeverityMedium, func(ctx context.Context) remediation.SafetyCheck {
		ok, err := inspector.IsServiceRole(ctx, role)
		if err != nil {
			return failed(CheckServiceRole, remediation.SeverityMedium,
				fmt.Sprintf("Could not inspect role: %v", err), "Inspect the role trust policy manually")
		}
		if ok {
			return failed(CheckServiceRole, remediation.SeverityMedium,
				fmt.Sprintf("Role %s is assumed by a service", role),
				"Confirm the service keeps working after the change")
		}
		return passed(CheckServiceRole, "Role is not a service role")
	})

	admin := r.guard(ctx, CheckAdminPolicy, remediation.SeverityHigh, func(ctx context.Context) remediation.SafetyCheck {
		policies, err := inspector.AdminPolicies(ctx, role)
		if err != nil {
			return failed(CheckAdminPolicy, remediation.SeverityHigh,
				fmt.Sprintf("Could not list attached policies: %v", err), "Review attached policies manually")
		}
		if len(policies) > 0 {
			return failed(CheckAdminPolicy, remediation.SeverityHigh,
				fmt.Sprintf("Role has administrative policies attached: %s", strings.Join(policies, ", ")),
				"Review who depends on the administrative access")
		}
		return passed(CheckAdminPolicy, "No administrative policies attached")
	})

	return []remediation.SafetyCheck{service, admin}
}

func (r *checkRun) ingressChecks(ctx context.Context) []remediation.SafetyCheck {
	group := r.req.ResourceID
	inspector := r.gate.inspector

	instances := r.guard(ctx, CheckAttachedInstances, remediation.SeverityHigh, func(ctx context.Context) remediation.SafetyCheck {
		count, err := inspector.AttachedInstanceCount(ctx, group)
		if err != nil {
			return failed(CheckAttachedInstances, remediation.SeverityHigh,
				fmt.Sprintf("Could not count attached instances: %v", err), "Check attached instances manually")
		}
		if count > 0 {
			return failed(CheckAttachedInstances, remediation.SeverityHigh,
				fmt.Sprintf("%d live instance(s) use this group", count),
				"Verify the instances do not depend on the affected rules")
		}
		return passed(CheckAttachedInstances, "No live instances attached")
	})

	rules := r.guard(ctx, CheckPermissiveRules, remediation.SeverityMedium, func(ctx context.Context) remediation.SafetyCheck {
		open, err := inspector.OpenIngressRules(ctx, group)
		if err != nil {
			return failed(CheckPermissiveRules, remediation.SeverityMedium,
				fmt.Sprintf("Could not list ingress rules: %v", err), "Review the ingress rules manually")
		}
		if len(open) == 0 {
			return passed(CheckPermissiveRules, "No overly permissive ingress rules")
		}
		if r.req.RemediationType == remediation.RemediationRestrictIngress {
			return passed(CheckPermissiveRules,
				fmt.Sprintf("Remediation restricts the permissive rules: %s", strings.Join(open, ", ")))
		}
		return failed(CheckPermissiveRules, remediation.SeverityMedium,
			fmt.Sprintf("Group has overly permissive rules: %s", strings.Join(open, ", ")),
			"Consider restricting ingress as part of this change")
	})

	return []remediation.SafetyCheck{instances, rules}
}

func (r *checkRun) remediationType(_ context.Context) []remediation.SafetyCheck {
	kind := strings.ToLower(r.req.RemediationType)

	destructive := passed(CheckDestructive, "Remediation is not destructive")
	if kw, ok := matchKeyword(kind, destructiveKeywords); ok {
		destructive = failed(CheckDestructive, remediation.SeverityHigh,
			fmt.Sprintf("Remediation %s is destructive (%s)", r.req.RemediationType, kw),
			"Ensure a rollback path exists before proceeding")
	}

	irreversible := passed(CheckIrreversible, "Remediation is reversible")
	if kw, ok := matchKeyword(kind, irreversibleKeywords); ok {
		irreversible = failed(CheckIrreversible, remediation.SeverityCritical,
			fmt.Sprintf("Remediation %s cannot be undone (%s)", r.req.RemediationType, kw),
			"Take a backup and obtain explicit sign-off")
	}

	return []remediation.SafetyCheck{destructive, irreversible}
}

func matchKeyword(s string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return kw, true
		}
	}
	return "", false
}
