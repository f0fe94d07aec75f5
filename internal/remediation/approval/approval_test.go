package approval

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/remediator/internal/notification"
	"github.com/catherinevee/remediator/internal/remediation"
	sharederrors "github.com/catherinevee/remediator/internal/shared/errors"
	"github.com/catherinevee/remediator/internal/shared/metrics"
)

func baseRequest() remediation.Request {
	return remediation.Request{
		TenantID:        "tenant-1",
		FindingID:       "finding-1",
		ResourceID:      "reports-bucket",
		ResourceType:    remediation.ResourceStorageBucket,
		RemediationType: remediation.RemediationEnableBucketEncryption,
		RequestedBy:     "alice",
	}
}

func passing() remediation.SafetyCheckResult {
	return remediation.NewSafetyCheckResult([]remediation.SafetyCheck{
		{Name: "production-name", Passed: true, Severity: remediation.SeverityMedium},
	})
}

func TestPolicy_RequiresApproval(t *testing.T) {
	policy := DefaultPolicy()
	low := remediation.ImpactEstimate{RiskLevel: remediation.RiskLow, AffectedResources: 1}

	tests := []struct {
		name    string
		mutate  func(*remediation.Request)
		safety  remediation.SafetyCheckResult
		impact  remediation.ImpactEstimate
		want    bool
		reasons []string
	}{
		{
			name:   "low risk bucket encryption",
			safety: passing(),
			impact: low,
			want:   false,
		},
		{
			name:    "high risk",
			safety:  passing(),
			impact:  remediation.ImpactEstimate{RiskLevel: remediation.RiskHigh},
			want:    true,
			reasons: []string{RuleHighRisk},
		},
		{
			name:    "critical risk",
			safety:  passing(),
			impact:  remediation.ImpactEstimate{RiskLevel: remediation.RiskCritical},
			want:    true,
			reasons: []string{RuleHighRisk},
		},
		{
			name: "failed high severity check",
			safety: remediation.NewSafetyCheckResult([]remediation.SafetyCheck{
				{Name: "bucket-criticality-tags", Passed: false, Severity: remediation.SeverityHigh},
			}),
			impact:  low,
			want:    true,
			reasons: []string{RuleFailedChecks},
		},
		{
			name: "failed medium check only",
			safety: remediation.NewSafetyCheckResult([]remediation.SafetyCheck{
				{Name: "recent-changes", Passed: false, Severity: remediation.SeverityMedium},
			}),
			impact: low,
			want:   false,
		},
		{
			name:    "production name",
			mutate:  func(r *remediation.Request) { r.ResourceID = "prod-reports" },
			safety:  passing(),
			impact:  low,
			want:    true,
			reasons: []string{RuleProductionName},
		},
		{
			name: "gated resource type",
			mutate: func(r *remediation.Request) {
				r.ResourceType = remediation.ResourceVirtualNetwork
				r.RemediationType = remediation.RemediationEnableFlowLogs
			},
			safety:  passing(),
			impact:  low,
			want:    true,
			reasons: []string{RuleGatedResource},
		},
		{
			name:    "gated remediation type",
			mutate:  func(r *remediation.Request) { r.RemediationType = remediation.RemediationChangeEncryption },
			safety:  passing(),
			impact:  low,
			want:    true,
			reasons: []string{RuleGatedRemediation},
		},
		{
			name: "production database encryption",
			mutate: func(r *remediation.Request) {
				r.ResourceID = "prod-orders-db"
				r.ResourceType = remediation.ResourceDatabaseInstance
				r.RemediationType = remediation.RemediationEnableEncryption
			},
			safety:  passing(),
			impact:  remediation.ImpactEstimate{RiskLevel: remediation.RiskCritical},
			want:    true,
			reasons: []string{RuleHighRisk, RuleProductionName},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			if tt.mutate != nil {
				tt.mutate(&req)
			}
			assert.Equal(t, tt.want, policy.RequiresApproval(req, tt.safety, tt.impact))
			assert.Equal(t, tt.reasons, policy.Reasons(req, tt.safety, tt.impact))
		})
	}
}

func TestPolicy_Deterministic(t *testing.T) {
	policy := DefaultPolicy()
	rng := rand.New(rand.NewSource(42))

	risks := []remediation.RiskLevel{remediation.RiskLow, remediation.RiskMedium, remediation.RiskHigh, remediation.RiskCritical}
	ids := []string{"reports-bucket", "prod-orders-db", "team-logs", "PRD-cache", "staging-web"}
	resourceTypes := []string{
		remediation.ResourceStorageBucket, remediation.ResourceDatabaseInstance,
		remediation.ResourceIdentityRole, remediation.ResourceNetworkIngressGroup,
	}
	remediationTypes := []string{
		remediation.RemediationEnableBucketEncryption, remediation.RemediationDeleteResource,
		remediation.RemediationModifyPermissions, remediation.RemediationEnableBackups,
	}

	for i := 0; i < 200; i++ {
		req := baseRequest()
		req.ResourceID = ids[rng.Intn(len(ids))]
		req.ResourceType = resourceTypes[rng.Intn(len(resourceTypes))]
		req.RemediationType = remediationTypes[rng.Intn(len(remediationTypes))]

		var checks []remediation.SafetyCheck
		for j := 0; j < rng.Intn(5); j++ {
			checks = append(checks, remediation.SafetyCheck{
				Name:     "check",
				Passed:   rng.Intn(2) == 0,
				Severity: risks[rng.Intn(len(risks))],
			})
		}
		safety := remediation.NewSafetyCheckResult(checks)
		impact := remediation.ImpactEstimate{RiskLevel: risks[rng.Intn(len(risks))], AffectedResources: 1}

		first := policy.RequiresApproval(req, safety, impact)
		for k := 0; k < 3; k++ {
			require.Equal(t, first, policy.RequiresApproval(req, safety, impact), "input %d", i)
		}
	}
}

type recordingNotifier struct {
	name string
	err  error

	mu       sync.Mutex
	messages []notification.Message
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) Notify(_ context.Context, msg notification.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return r.err
}

type panickingNotifier struct{}

func (panickingNotifier) Name() string { return "broken" }
func (panickingNotifier) Notify(context.Context, notification.Message) error {
	panic("boom")
}

func pendingJob() *remediation.Job {
	return &remediation.Job{
		JobID:           "job-1",
		TenantID:        "tenant-1",
		ResourceID:      "prod-orders-db",
		ResourceType:    remediation.ResourceDatabaseInstance,
		RemediationType: remediation.RemediationEnableEncryption,
		RequestedBy:     "alice",
		RequestedAt:     time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Status:          remediation.StatusPendingApproval,
		SafetyCheckResult: &remediation.SafetyCheckResult{
			Passed: false,
			Checks: []remediation.SafetyCheck{
				{Name: "production-name", Passed: false, Severity: remediation.SeverityMedium, Message: "resource looks like production"},
				{Name: "recent-changes", Passed: true, Severity: remediation.SeverityMedium},
			},
		},
		ImpactEstimate: &remediation.ImpactEstimate{
			RiskLevel:         remediation.RiskCritical,
			AffectedResources: 1,
			Downtime:          true,
			CostImpact:        50,
			Description:       "Encrypt via snapshot restore",
			Mitigations:       []string{"Snapshot first"},
		},
	}
}

func TestGate_Summary(t *testing.T) {
	g := NewGate(DefaultPolicy(), nil)

	msg, err := g.Summary(pendingJob())
	require.NoError(t, err)

	assert.Equal(t, "[CRITICAL] Approval required: enable-encryption on prod-orders-db", msg.Subject)
	assert.Equal(t, notification.PriorityCritical, msg.Priority)
	assert.Contains(t, msg.Body, "Requested by: alice at 2026-03-02 10:00:00 UTC")
	assert.Contains(t, msg.Body, "Risk level:   CRITICAL")
	assert.Contains(t, msg.Body, "Triggered by: high-risk, production-name")
	assert.Contains(t, msg.Body, "[MEDIUM] production-name: resource looks like production")
	assert.NotContains(t, msg.Body, "recent-changes")
	assert.Contains(t, msg.Body, "estimated cost: 50.00")
	assert.Contains(t, msg.Body, "Advisory approval timeout: 24h, escalation after 4h.")
	assert.Equal(t, "24", msg.Metadata["timeout_hours"])
	assert.Equal(t, "4", msg.Metadata["escalation_hours"])
	assert.Equal(t, "job-1", msg.Metadata["job_id"])
}

func TestGate_Summary_ExplicitRequest(t *testing.T) {
	job := pendingJob()
	job.ResourceID = "reports-bucket"
	job.ResourceType = remediation.ResourceStorageBucket
	job.RemediationType = remediation.RemediationEnableBucketEncryption
	job.ImpactEstimate.RiskLevel = remediation.RiskLow
	job.SafetyCheckResult = &remediation.SafetyCheckResult{Passed: true}

	msg, err := NewGate(DefaultPolicy(), nil).Summary(job)
	require.NoError(t, err)
	assert.Contains(t, msg.Body, "Triggered by: explicit approval request")
	assert.Equal(t, notification.PriorityLow, msg.Priority)
}

func TestGate_RequestApproval_FanOut(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)

	email := &recordingNotifier{name: "email", err: errors.New("smtp unreachable")}
	hook := &recordingNotifier{name: "webhook"}
	g := NewGate(DefaultPolicy(), []notification.Notifier{email, panickingNotifier{}, hook}, WithMetrics(rec))

	err := g.RequestApproval(context.Background(), pendingJob())
	require.Error(t, err)
	assert.True(t, sharederrors.IsType(err, sharederrors.ErrorTypeApproval))
	assert.True(t, errors.Is(err, remediation.ErrApproval))
	assert.ErrorContains(t, err, "failed to notify 2 of 3")
	assert.ErrorContains(t, err, "smtp unreachable")

	var typed *sharederrors.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, []string{"email", "broken"}, typed.Details["channels"])

	assert.Len(t, email.messages, 1)
	assert.Len(t, hook.messages, 1)
}

func TestGate_RequestApproval_AllDelivered(t *testing.T) {
	hook := &recordingNotifier{name: "webhook"}
	g := NewGate(DefaultPolicy(), []notification.Notifier{hook})

	require.NoError(t, g.RequestApproval(context.Background(), pendingJob()))
	require.Len(t, hook.messages, 1)
	assert.Equal(t, "tenant-1", hook.messages[0].Metadata["tenant_id"])
}

func TestGate_NotificationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)

	ok := &recordingNotifier{name: "sns"}
	bad := &recordingNotifier{name: "email", err: errors.New("down")}
	g := NewGate(DefaultPolicy(), []notification.Notifier{ok, bad}, WithMetrics(rec))
	_ = g.RequestApproval(context.Background(), pendingJob())

	count, err := testutil.GatherAndCount(reg, "remediator_approval_notifications_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestGate_SetPolicy(t *testing.T) {
	g := NewGate(DefaultPolicy(), nil)
	req := baseRequest()
	impact := remediation.ImpactEstimate{RiskLevel: remediation.RiskLow}

	assert.False(t, g.RequiresApproval(req, passing(), impact))

	p := g.Policy()
	p.GatedResourceTypes = append(p.GatedResourceTypes, remediation.ResourceStorageBucket)
	g.SetPolicy(p)
	assert.True(t, g.RequiresApproval(req, passing(), impact))
}
