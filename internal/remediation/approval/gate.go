package approval

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"github.com/rs/zerolog"

	"github.com/catherinevee/remediator/internal/notification"
	"github.com/catherinevee/remediator/internal/remediation"
	"github.com/catherinevee/remediator/internal/shared/errors"
	"github.com/catherinevee/remediator/internal/shared/logger"
	"github.com/catherinevee/remediator/internal/shared/metrics"
)

var summaryTemplate = template.Must(template.New("summary").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`Remediation {{.Job.JobID}} requires approval.

Resource:     {{.Job.ResourceID}} ({{.Job.ResourceType}})
Remediation:  {{.Job.RemediationType}}
Requested by: {{.Job.RequestedBy}} at {{.RequestedAt}}
Risk level:   {{.Risk}}
{{- if .Reasons}}
Triggered by: {{join .Reasons ", "}}
{{- else}}
Triggered by: explicit approval request
{{- end}}
{{- if .Job.DryRun}}
Dry run:      no changes will be made
{{- end}}
{{- if .Failed}}

Failed safety checks:
{{- range .Failed}}
  - [{{.Severity}}] {{.Name}}: {{.Message}}
{{- end}}
{{- end}}
{{- if .Job.OverrideSafety}}

Safety override requested: {{.Job.OverrideReason}}
{{- end}}
{{- with .Impact}}

Impact: {{.Description}}
Affected resources: {{.AffectedResources}}, downtime: {{.Downtime}}, estimated cost: {{printf "%.2f" .CostImpact}}
{{- range .Mitigations}}
  * {{.}}
{{- end}}
{{- end}}
{{- if .TimeoutHours}}

Advisory approval timeout: {{.TimeoutHours}}h, escalation after {{.EscalationHours}}h.
{{- end}}
`))

// Gate combines the approval policy with approver notification.
type Gate struct {
	mu     sync.RWMutex
	policy Policy

	notifiers []notification.Notifier
	metrics   *metrics.Recorder
	logger    zerolog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithMetrics records notification outcomes.
func WithMetrics(m *metrics.Recorder) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Gate) { g.logger = logger.Component(l, "approval") }
}

// NewGate creates an approval gate.
func NewGate(policy Policy, notifiers []notification.Notifier, opts ...Option) *Gate {
	g := &Gate{
		policy:    policy,
		notifiers: notifiers,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetPolicy swaps the policy.
func (g *Gate) SetPolicy(p Policy) {
	g.mu.Lock()
	g.policy = p
	g.mu.Unlock()
}

// Policy returns the active policy.
func (g *Gate) Policy() Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// RequiresApproval evaluates the active policy.
func (g *Gate) RequiresApproval(req remediation.Request, safety remediation.SafetyCheckResult, impact remediation.ImpactEstimate) bool {
	return g.Policy().RequiresApproval(req, safety, impact)
}

// RequestApproval sends the approval summary to every channel. Delivery is
// best effort: each channel is tried regardless of the others, and the
// returned ApprovalError only reports which channels failed. The job stays
// approvable either way.
func (g *Gate) RequestApproval(ctx context.Context, job *remediation.Job) error {
	msg, err := g.Summary(job)
	if err != nil {
		return errors.NewError(errors.ErrorTypeApproval, "failed to build approval summary").
			WithCode(remediation.CodeNotifyFailed).
			WithResource(job.JobID).
			WithWrapped(err).
			Build()
	}

	log := logger.WithTrace(ctx, g.logger).With().
		Str("job_id", job.JobID).
		Str("tenant_id", job.TenantID).
		Logger()

	if len(g.notifiers) == 0 {
		log.Warn().Msg("no approver channels configured")
		return nil
	}

	errs := make([]error, len(g.notifiers))
	var wg sync.WaitGroup
	for i, n := range g.notifiers {
		wg.Add(1)
		go func(i int, n notification.Notifier) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("notifier panicked: %v", r)
				}
			}()
			errs[i] = n.Notify(ctx, msg)
		}(i, n)
	}
	wg.Wait()

	var failed []string
	var causes []error
	for i, n := range g.notifiers {
		g.metrics.Notification(n.Name(), errs[i])
		if errs[i] != nil {
			log.Error().Err(errs[i]).Str("channel", n.Name()).Msg("approval notification failed")
			failed = append(failed, n.Name())
			causes = append(causes, fmt.Errorf("%s: %w", n.Name(), errs[i]))
		}
	}

	if len(failed) == 0 {
		log.Info().Int("channels", len(g.notifiers)).Msg("approval requested")
		return nil
	}

	return errors.NewError(errors.ErrorTypeApproval,
		fmt.Sprintf("failed to notify %d of %d approver channels", len(failed), len(g.notifiers))).
		WithCode(remediation.CodeNotifyFailed).
		WithResource(job.JobID).
		WithDetails("channels", failed).
		WithWrapped(stderrors.Join(causes...)).
		Build()
}

// Summary renders the human-readable approval request for job.
func (g *Gate) Summary(job *remediation.Job) (notification.Message, error) {
	policy := g.Policy()

	var safety remediation.SafetyCheckResult
	if job.SafetyCheckResult != nil {
		safety = *job.SafetyCheckResult
	}
	var impact remediation.ImpactEstimate
	risk := remediation.RiskLevel("UNKNOWN")
	if job.ImpactEstimate != nil {
		impact = *job.ImpactEstimate
		risk = impact.RiskLevel
	}

	data := map[string]any{
		"Job":             job,
		"RequestedAt":     job.RequestedAt.UTC().Format("2006-01-02 15:04:05 UTC"),
		"Risk":            risk,
		"Reasons":         policy.Reasons(job.Request(), safety, impact),
		"Failed":          safety.Failed(),
		"Impact":          job.ImpactEstimate,
		"TimeoutHours":    policy.TimeoutHours,
		"EscalationHours": policy.EscalationHours,
	}

	var body bytes.Buffer
	if err := summaryTemplate.Execute(&body, data); err != nil {
		return notification.Message{}, err
	}

	return notification.Message{
		Subject:  fmt.Sprintf("[%s] Approval required: %s on %s", risk, job.RemediationType, job.ResourceID),
		Body:     body.String(),
		Priority: priorityFor(risk),
		Metadata: map[string]string{
			"job_id":           job.JobID,
			"tenant_id":        job.TenantID,
			"resource_id":      job.ResourceID,
			"risk_level":       string(risk),
			"requested_by":     job.RequestedBy,
			"correlation_id":   job.CorrelationID,
			"timeout_hours":    strconv.Itoa(policy.TimeoutHours),
			"escalation_hours": strconv.Itoa(policy.EscalationHours),
		},
	}, nil
}

func priorityFor(r remediation.RiskLevel) notification.Priority {
	switch r {
	case remediation.RiskLow:
		return notification.PriorityLow
	case remediation.RiskHigh:
		return notification.PriorityHigh
	case remediation.RiskCritical:
		return notification.PriorityCritical
	default:
		return notification.PriorityNormal
	}
}
