// Package remediation holds the data model shared by the remediation
// workflow: jobs, requests, decision artifacts and the status graph.
package remediation

import (
	"encoding/json"
	"time"
)

// RiskLevel classifies the blast radius of a remediation.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

var riskOrder = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Rank returns the ordinal position of the level, or -1 if unknown.
func (r RiskLevel) Rank() int {
	if rank, ok := riskOrder[r]; ok {
		return rank
	}
	return -1
}

// Escalate returns the next tier up. CRITICAL stays CRITICAL.
func (r RiskLevel) Escalate() RiskLevel {
	switch r {
	case RiskLow:
		return RiskMedium
	case RiskMedium:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// AtLeast reports whether r is the same tier as other or above it.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.Rank() >= other.Rank()
}

// Severity is the severity of a single safety check. It shares the risk
// ordering.
type Severity = RiskLevel

const (
	SeverityLow      = RiskLow
	SeverityMedium   = RiskMedium
	SeverityHigh     = RiskHigh
	SeverityCritical = RiskCritical
)

// SafetyCheck is one named pre-flight assertion.
type SafetyCheck struct {
	Name           string   `json:"name"`
	Passed         bool     `json:"passed"`
	Severity       Severity `json:"severity"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// Blocking reports whether the check counts against the aggregate verdict.
func (c SafetyCheck) Blocking() bool {
	return !c.Passed && c.Severity != SeverityLow
}

// SafetyCheckResult aggregates the pre-flight checks for one request.
type SafetyCheckResult struct {
	Passed bool          `json:"passed"`
	Checks []SafetyCheck `json:"checks"`
}

// NewSafetyCheckResult aggregates checks: the result passes when every check
// passed or is LOW severity.
func NewSafetyCheckResult(checks []SafetyCheck) SafetyCheckResult {
	passed := true
	for _, c := range checks {
		if c.Blocking() {
			passed = false
			break
		}
	}
	return SafetyCheckResult{Passed: passed, Checks: checks}
}

// Failed returns the checks that did not pass.
func (r SafetyCheckResult) Failed() []SafetyCheck {
	var failed []SafetyCheck
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c)
		}
	}
	return failed
}

// FailedAtLeast returns failing checks at or above the given severity.
func (r SafetyCheckResult) FailedAtLeast(min Severity) []SafetyCheck {
	var failed []SafetyCheck
	for _, c := range r.Checks {
		if !c.Passed && c.Severity.AtLeast(min) {
			failed = append(failed, c)
		}
	}
	return failed
}

// ImpactEstimate describes the expected blast radius of a remediation.
type ImpactEstimate struct {
	RiskLevel         RiskLevel `json:"riskLevel"`
	AffectedResources int       `json:"affectedResources"`
	Downtime          bool      `json:"downtime"`
	CostImpact        float64   `json:"costImpact"`
	Description       string    `json:"description"`
	Mitigations       []string  `json:"mitigations"`
}

// Change records one mutation performed (or planned, for dry runs).
type Change struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Before   any    `json:"before"`
	After    any    `json:"after"`
}

// RollbackDescriptor carries what is needed to reverse an execution. Data is
// nil when the change cannot be reversed automatically; Instructions are
// always present.
type RollbackDescriptor struct {
	Kind         string          `json:"kind"`
	Data         json.RawMessage `json:"data,omitempty"`
	Automatable  bool            `json:"automatable"`
	Instructions []string        `json:"instructions"`
}

// ManualRollback builds a descriptor for changes that need a human to undo.
func ManualRollback(kind string, instructions ...string) *RollbackDescriptor {
	return &RollbackDescriptor{
		Kind:         kind,
		Automatable:  false,
		Instructions: append([]string{"Automated rollback is not available for this change."}, instructions...),
	}
}

// ExecutionResult is what the actuator returns for a single execution.
type ExecutionResult struct {
	Success            bool                `json:"success"`
	Changes            []Change            `json:"changes"`
	RollbackDescriptor *RollbackDescriptor `json:"rollbackDescriptor"`
	Message            string              `json:"message"`
}

// ActionStatus is the outcome of one compensating action.
type ActionStatus string

const (
	ActionSuccess ActionStatus = "SUCCESS"
	ActionFailed  ActionStatus = "FAILED"
	ActionSkipped ActionStatus = "SKIPPED"
)

// ActionOutcome reports one compensating action.
type ActionOutcome struct {
	Action   string       `json:"action"`
	Resource string       `json:"resource"`
	Status   ActionStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
}

// RollbackResult aggregates the compensating actions for one job.
type RollbackResult struct {
	Success         bool            `json:"success"`
	PartialRollback bool            `json:"partialRollback"`
	Actions         []ActionOutcome `json:"actions"`
	Instructions    []string        `json:"instructions,omitempty"`
}

// Parameters are remediation-type specific inputs. Handlers decode them into
// typed structs.
type Parameters map[string]any

// Job is the persisted record of one remediation attempt.
type Job struct {
	JobID           string `json:"jobId"`
	TenantID        string `json:"tenantId"`
	FindingID       string `json:"findingId"`
	ResourceID      string `json:"resourceId"`
	ResourceType    string `json:"resourceType"`
	RemediationType string `json:"remediationType"`
	Region          string `json:"region,omitempty"`
	AccountID       string `json:"accountId,omitempty"`

	Status       Status     `json:"status"`
	RequestedBy  string     `json:"requestedBy"`
	RequestedAt  time.Time  `json:"requestedAt"`
	ApprovedBy   string     `json:"approvedBy,omitempty"`
	ApprovedAt   *time.Time `json:"approvedAt,omitempty"`
	AppliedAt    *time.Time `json:"appliedAt,omitempty"`
	RolledBackAt *time.Time `json:"rolledBackAt,omitempty"`
	FailedAt     *time.Time `json:"failedAt,omitempty"`

	Parameters     Parameters `json:"parameters,omitempty"`
	DryRun         bool       `json:"dryRun"`
	OverrideSafety bool       `json:"overrideSafety,omitempty"`
	OverrideReason string     `json:"overrideReason,omitempty"`

	SafetyCheckResult *SafetyCheckResult `json:"safetyCheckResult,omitempty"`
	ImpactEstimate    *ImpactEstimate    `json:"impactEstimate,omitempty"`
	ApprovalRequired  *bool              `json:"approvalRequired,omitempty"`

	Changes            []Change            `json:"changes,omitempty"`
	RollbackDescriptor *RollbackDescriptor `json:"rollbackDescriptor,omitempty"`
	RollbackResult     *RollbackResult     `json:"rollbackResult,omitempty"`
	ErrorMessage       string              `json:"errorMessage,omitempty"`
	Message            string              `json:"message,omitempty"`

	CorrelationID string    `json:"correlationId,omitempty"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Request returns the request view of the job, used when re-running the
// actuator after approval.
func (j *Job) Request() Request {
	return Request{
		TenantID:        j.TenantID,
		FindingID:       j.FindingID,
		ResourceID:      j.ResourceID,
		ResourceType:    j.ResourceType,
		RemediationType: j.RemediationType,
		Region:          j.Region,
		AccountID:       j.AccountID,
		RequestedBy:     j.RequestedBy,
		Parameters:      j.Parameters,
		DryRun:          j.DryRun,
		OverrideSafety:  j.OverrideSafety,
		OverrideReason:  j.OverrideReason,
		CorrelationID:   j.CorrelationID,
	}
}

// Clone returns a deep copy via JSON so callers cannot alias stored state.
func (j *Job) Clone() *Job {
	data, err := json.Marshal(j)
	if err != nil {
		cp := *j
		return &cp
	}
	var out Job
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *j
		return &cp
	}
	return &out
}
