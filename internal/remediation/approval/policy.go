// Package approval decides whether a remediation needs human sign-off and
// notifies approvers when it does.
package approval

import (
	"github.com/catherinevee/remediator/internal/remediation"
	"github.com/catherinevee/remediator/internal/shared/config"
)

// Rule names reported by Reasons.
const (
	RuleHighRisk         = "high-risk"
	RuleFailedChecks     = "failed-high-severity-checks"
	RuleProductionName   = "production-name"
	RuleGatedResource    = "gated-resource-type"
	RuleGatedRemediation = "gated-remediation-type"
)

// Policy is the approval policy. It holds no mutable state, so
// RequiresApproval is a pure function of its inputs.
type Policy struct {
	IsProduction          remediation.NameMatcher
	GatedResourceTypes    []string
	GatedRemediationTypes []string

	// Advisory values passed along in notifications. Nothing enforces them.
	TimeoutHours    int
	EscalationHours int
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	cfg := config.DefaultConfig()
	return NewPolicy(cfg.Approval, cfg.Safety.ProductionMarkers)
}

// NewPolicy builds a policy from configuration.
func NewPolicy(cfg config.ApprovalSettings, productionMarkers []string) Policy {
	return Policy{
		IsProduction:          remediation.ProductionNameMatcher(productionMarkers),
		GatedResourceTypes:    append([]string(nil), cfg.GatedResourceTypes...),
		GatedRemediationTypes: append([]string(nil), cfg.GatedRemediationTypes...),
		TimeoutHours:          cfg.TimeoutHours,
		EscalationHours:       cfg.EscalationHours,
	}
}

// RequiresApproval reports whether any approval rule fires.
func (p Policy) RequiresApproval(req remediation.Request, safety remediation.SafetyCheckResult, impact remediation.ImpactEstimate) bool {
	return len(p.Reasons(req, safety, impact)) > 0
}

// Reasons lists every rule that fires, in policy order.
func (p Policy) Reasons(req remediation.Request, safety remediation.SafetyCheckResult, impact remediation.ImpactEstimate) []string {
	var reasons []string

	if impact.RiskLevel.AtLeast(remediation.RiskHigh) {
		reasons = append(reasons, RuleHighRisk)
	}
	if !safety.Passed && len(safety.FailedAtLeast(remediation.SeverityHigh)) > 0 {
		reasons = append(reasons, RuleFailedChecks)
	}

	isProduction := p.IsProduction
	if isProduction == nil {
		isProduction = remediation.ProductionNameMatcher(nil)
	}
	if isProduction(req.ResourceID) {
		reasons = append(reasons, RuleProductionName)
	}

	if contains(p.GatedResourceTypes, req.ResourceType) {
		reasons = append(reasons, RuleGatedResource)
	}
	if contains(p.GatedRemediationTypes, req.RemediationType) {
		reasons = append(reasons, RuleGatedRemediation)
	}

	return reasons
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
