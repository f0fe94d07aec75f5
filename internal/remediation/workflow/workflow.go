// Package workflow sequences the safety gate, impact estimation, approval,
// execution and rollback of remediation jobs, persisting every step to the
// job store and the audit trail.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/catherinevee/remediator/internal/audit"
	"github.com/catherinevee/remediator/internal/remediation"
	"github.com/catherinevee/remediator/internal/shared/errors"
	"github.com/catherinevee/remediator/internal/shared/logger"
	"github.com/catherinevee/remediator/internal/shared/metrics"
	"github.com/catherinevee/remediator/internal/storage/jobstore"
)

const systemActor = "system"

var tracer = otel.Tracer("github.com/catherinevee/remediator/workflow")

// Actuator estimates and performs remediations.
type Actuator interface {
	Supports(resourceType, remediationType string) bool
	ValidateParams(req remediation.Request) error
	EstimateImpact(req remediation.Request) (remediation.ImpactEstimate, error)
	Execute(ctx context.Context, req remediation.Request) (*remediation.ExecutionResult, error)
}

// SafetyGate runs the pre-flight checks.
type SafetyGate interface {
	RunSafetyChecks(ctx context.Context, req remediation.Request) remediation.SafetyCheckResult
}

// ApprovalGate decides on and requests human sign-off.
type ApprovalGate interface {
	RequiresApproval(req remediation.Request, safety remediation.SafetyCheckResult, impact remediation.ImpactEstimate) bool
	RequestApproval(ctx context.Context, job *remediation.Job) error
}

// RollbackCoordinator reverses completed jobs.
type RollbackCoordinator interface {
	ExecuteRollback(ctx context.Context, job *remediation.Job) (*remediation.RollbackResult, error)
}

// Workflow is the remediation orchestrator.
type Workflow struct {
	store     jobstore.Store
	safety    SafetyGate
	actuator  Actuator
	approvals ApprovalGate
	rollbacks RollbackCoordinator
	audit     audit.Sink
	metrics   *metrics.Recorder
	logger    zerolog.Logger
	clock     func() time.Time
	newID     func() string

	writeBackoff errors.BackoffConfig
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithAudit sets the audit sink.
func WithAudit(s audit.Sink) Option {
	return func(w *Workflow) { w.audit = s }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(w *Workflow) { w.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Workflow) { w.logger = logger.Component(l, "workflow") }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(w *Workflow) { w.clock = clock }
}

// WithWriteBackoff sets the retry policy for recording an applied change.
func WithWriteBackoff(cfg errors.BackoffConfig) Option {
	return func(w *Workflow) { w.writeBackoff = cfg }
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(fn func() string) Option {
	return func(w *Workflow) { w.newID = fn }
}

// New creates a workflow.
func New(store jobstore.Store, safety SafetyGate, act Actuator, approvals ApprovalGate, rollbacks RollbackCoordinator, opts ...Option) *Workflow {
	w := &Workflow{
		store:     store,
		safety:    safety,
		actuator:  act,
		approvals: approvals,
		rollbacks: rollbacks,
		audit:     audit.Nop{},
		logger:    zerolog.Nop(),
		clock:     time.Now,
		newID:     func() string { return uuid.New().String() },

		writeBackoff: errors.BackoffConfig{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Apply runs a remediation request. The job is executed immediately unless
// the approval policy requires sign-off, in which case it is parked at
// PENDING_APPROVAL.
//
// Once a job record exists it is returned alongside any error so callers
// can report its id and final status.
func (w *Workflow) Apply(ctx context.Context, req remediation.Request) (*remediation.Job, error) {
	ctx, span := w.startSpan(ctx, "workflow.Apply", req.TenantID, "")
	defer span.End()

	job, err := w.submit(ctx, req, false)
	return job, recordSpanError(span, err)
}

// RequestApproval runs the same checks as Apply but always parks the job
// for sign-off.
func (w *Workflow) RequestApproval(ctx context.Context, req remediation.Request) (*remediation.Job, error) {
	ctx, span := w.startSpan(ctx, "workflow.RequestApproval", req.TenantID, "")
	defer span.End()

	job, err := w.submit(ctx, req, true)
	return job, recordSpanError(span, err)
}

func (w *Workflow) submit(ctx context.Context, req remediation.Request, explicitApproval bool) (*remediation.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !w.actuator.Supports(req.ResourceType, req.RemediationType) {
		return nil, remediation.NewUnsupportedError(req.ResourceType, req.RemediationType)
	}
	if err := w.actuator.ValidateParams(req); err != nil {
		return nil, err
	}

	job, err := w.create(ctx, req)
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("job.id", job.JobID))
	log := w.jobLogger(ctx, job)

	safety := w.safety.RunSafetyChecks(ctx, req)
	critical := safety.FailedAtLeast(remediation.SeverityCritical)
	if len(critical) > 0 && !req.OverrideSafety {
		return w.failSafety(ctx, job, safety, critical)
	}
	if len(critical) > 0 {
		log.Warn().Str("reason", req.OverrideReason).Int("critical", len(critical)).Msg("critical safety checks overridden")
	}

	impact, err := w.actuator.EstimateImpact(req)
	if err != nil {
		return w.fail(ctx, job, remediation.StatusPending, err, remediation.JobPatch{SafetyCheckResult: &safety})
	}

	required := explicitApproval || w.approvals.RequiresApproval(req, safety, impact)
	// An override only lets a critical failure reach the approval decision;
	// it never skips a human.
	autoApprove := req.AutoApprove && !explicitApproval && len(critical) == 0

	if required && !autoApprove {
		return w.park(ctx, job, safety, impact)
	}

	patch := remediation.JobPatch{
		ExpectedStatus:    remediation.StatusPending,
		SafetyCheckResult: &safety,
		ImpactEstimate:    &impact,
		ApprovalRequired:  remediation.BoolPtr(required),
	}
	if required {
		now := w.clock().UTC()
		patch.ApprovedBy = remediation.StringPtr(req.RequestedBy)
		patch.ApprovedAt = &now
		log.Info().Msg("approval required but auto-approved by requester")
	}
	job, err = w.store.Update(ctx, job.TenantID, job.JobID, patch)
	if err != nil {
		return nil, err
	}
	return w.execute(ctx, job)
}

func (w *Workflow) create(ctx context.Context, req remediation.Request) (*remediation.Job, error) {
	now := w.clock().UTC()
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	job := &remediation.Job{
		JobID:           w.newID(),
		TenantID:        req.TenantID,
		FindingID:       req.FindingID,
		ResourceID:      req.ResourceID,
		ResourceType:    req.ResourceType,
		RemediationType: req.RemediationType,
		Region:          req.Region,
		AccountID:       req.AccountID,
		Status:          remediation.StatusPending,
		RequestedBy:     req.RequestedBy,
		RequestedAt:     now,
		Parameters:      req.Parameters,
		DryRun:          req.DryRun,
		OverrideSafety:  req.OverrideSafety,
		OverrideReason:  req.OverrideReason,
		CorrelationID:   correlationID,
		Version:         1,
		UpdatedAt:       now,
	}
	if err := w.store.Create(ctx, job); err != nil {
		return nil, err
	}

	w.metrics.JobStatus(string(remediation.StatusPending))
	w.emit(ctx, job, audit.ActionRequested, job.RequestedBy, map[string]interface{}{
		"resourceId":      job.ResourceID,
		"resourceType":    job.ResourceType,
		"remediationType": job.RemediationType,
		"findingId":       job.FindingID,
		"dryRun":          job.DryRun,
	})
	w.jobLogger(ctx, job).Info().Msg("remediation requested")
	return job, nil
}

func (w *Workflow) failSafety(ctx context.Context, job *remediation.Job, safety remediation.SafetyCheckResult, critical []remediation.SafetyCheck) (*remediation.Job, error) {
	violation := remediation.NewSafetyViolationError(job.ResourceID, critical)
	now := w.clock().UTC()

	updated, err := w.store.Update(ctx, job.TenantID, job.JobID, remediation.JobPatch{
		ExpectedStatus:    remediation.StatusPending,
		Status:            remediation.StatusPtr(remediation.StatusFailed),
		SafetyCheckResult: &safety,
		FailedAt:          &now,
		ErrorMessage:      remediation.StringPtr(violation.Message),
		Message:           remediation.StringPtr("Remediation blocked by critical safety checks; no changes were made"),
	})
	if err != nil {
		return job, err
	}

	w.metrics.JobStatus(string(remediation.StatusFailed))
	names := make([]string, 0, len(critical))
	for _, c := range critical {
		names = append(names, c.Name)
	}
	w.emit(ctx, updated, audit.ActionSafetyFailed, systemActor, map[string]interface{}{
		"checks": names,
	})
	w.jobLogger(ctx, updated).Warn().Strs("checks", names).Msg("remediation blocked by safety checks")
	return updated, violation
}

func (w *Workflow) park(ctx context.Context, job *remediation.Job, safety remediation.SafetyCheckResult, impact remediation.ImpactEstimate) (*remediation.Job, error) {
	updated, err := w.store.Update(ctx, job.TenantID, job.JobID, remediation.JobPatch{
		ExpectedStatus:    remediation.StatusPending,
		Status:            remediation.StatusPtr(remediation.StatusPendingApproval),
		SafetyCheckResult: &safety,
		ImpactEstimate:    &impact,
		ApprovalRequired:  remediation.BoolPtr(true),
		Message:           remediation.StringPtr("Awaiting approval"),
	})
	if err != nil {
		return job, err
	}

	w.metrics.JobStatus(string(remediation.StatusPendingApproval))
	w.emit(ctx, updated, audit.ActionApprovalRequested, systemActor, map[string]interface{}{
		"riskLevel": string(impact.RiskLevel),
	})

	log := w.jobLogger(ctx, updated)
	if err := w.approvals.RequestApproval(ctx, updated); err != nil {
		// The job stays approvable out of band.
		log.Error().Err(err).Msg("approval notification incomplete")
	}
	log.Info().Str("risk_level", string(impact.RiskLevel)).Msg("remediation awaiting approval")
	return updated, nil
}

// Approve signs off a parked job and executes it. A non-empty comment is
// kept in the approval's audit event.
func (w *Workflow) Approve(ctx context.Context, tenantID, jobID, approver, comment string) (*remediation.Job, error) {
	ctx, span := w.startSpan(ctx, "workflow.Approve", tenantID, jobID)
	defer span.End()

	job, err := w.approve(ctx, tenantID, jobID, approver, comment)
	return job, recordSpanError(span, err)
}

func (w *Workflow) approve(ctx context.Context, tenantID, jobID, approver, comment string) (*remediation.Job, error) {
	if approver == "" {
		return nil, errors.NewValidationError("approver", "approver is required")
	}

	job, err := w.store.Get(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != remediation.StatusPendingApproval {
		return job, remediation.NewIllegalTransitionError(job.JobID, job.Status, remediation.StatusApproved)
	}

	now := w.clock().UTC()
	job, err = w.store.Update(ctx, tenantID, jobID, remediation.JobPatch{
		ExpectedStatus: remediation.StatusPendingApproval,
		Status:         remediation.StatusPtr(remediation.StatusApproved),
		ApprovedBy:     remediation.StringPtr(approver),
		ApprovedAt:     &now,
		Message:        remediation.StringPtr("Approved by " + approver),
	})
	if err != nil {
		return nil, err
	}

	w.metrics.JobStatus(string(remediation.StatusApproved))
	w.emit(ctx, job, audit.ActionApproved, approver, noteDetails("comment", comment))
	w.jobLogger(ctx, job).Info().Str("approver", approver).Msg("remediation approved")
	return w.execute(ctx, job)
}

// execute runs the actuator for a job in PENDING or APPROVED. Once
// dispatched it is not cancelled by the caller's context.
func (w *Workflow) execute(ctx context.Context, job *remediation.Job) (*remediation.Job, error) {
	from := job.Status
	if job.SafetyCheckResult == nil || job.ImpactEstimate == nil {
		return job, errors.NewError(errors.ErrorTypeConflict, "job has not been through safety and impact assessment").
			WithCode(remediation.CodeIllegalState).
			WithResource(job.JobID).
			Build()
	}

	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("job.id", job.JobID),
		attribute.String("remediation.kind", job.ResourceType+"/"+job.RemediationType),
		attribute.Bool("remediation.dry_run", job.DryRun),
	))
	defer span.End()

	done := w.metrics.Timer()
	result, err := w.actuator.Execute(ctx, job.Request())
	done()

	if err == nil && result == nil {
		err = remediation.NewExecutionError(job.ResourceID, fmt.Errorf("actuator returned no result"))
	} else if err == nil && !result.Success {
		err = remediation.NewExecutionError(job.ResourceID, fmt.Errorf("%s", result.Message))
	}
	if err != nil {
		recordSpanError(span, err)
		return w.fail(ctx, job, from, err, remediation.JobPatch{})
	}

	now := w.clock().UTC()
	message := result.Message
	if message == "" {
		message = fmt.Sprintf("Remediation applied: %d change(s)", len(result.Changes))
	}
	changes := result.Changes
	if changes == nil {
		changes = []remediation.Change{}
	}

	patch := remediation.JobPatch{
		ExpectedStatus:     from,
		Status:             remediation.StatusPtr(remediation.StatusCompleted),
		AppliedAt:          &now,
		Changes:            changes,
		RollbackDescriptor: result.RollbackDescriptor,
		Message:            remediation.StringPtr(message),
	}
	var updated *remediation.Job
	err = errors.RetryWithExponentialBackoff(ctx, func() error {
		var uerr error
		updated, uerr = w.store.Update(ctx, job.TenantID, job.JobID, patch)
		if errors.IsType(uerr, errors.ErrorTypeConflict) || errors.IsType(uerr, errors.ErrorTypeNotFound) {
			return errors.Permanent(uerr)
		}
		return uerr
	}, w.writeBackoff)
	if err != nil {
		recordSpanError(span, err)
		return w.unrecorded(ctx, job, result, changes, err)
	}

	w.metrics.JobStatus(string(remediation.StatusCompleted))
	w.emit(ctx, updated, audit.ActionApplied, actorFor(updated), map[string]interface{}{
		"changes":    len(changes),
		"dryRun":     updated.DryRun,
		"reversible": updated.RollbackDescriptor != nil && updated.RollbackDescriptor.Automatable,
	})
	w.jobLogger(ctx, updated).Info().Int("changes", len(changes)).Msg("remediation applied")
	return updated, nil
}

// unrecorded handles a change that is live on the resource but could not be
// persisted. The audit trail and the error log carry the rollback descriptor
// so the change can still be reversed by hand.
func (w *Workflow) unrecorded(ctx context.Context, job *remediation.Job, result *remediation.ExecutionResult, changes []remediation.Change, cause error) (*remediation.Job, error) {
	var descriptor interface{}
	if result.RollbackDescriptor != nil {
		descriptor = result.RollbackDescriptor
	}

	w.jobLogger(ctx, job).Error().Err(cause).
		Int("changes", len(changes)).
		Interface("rollback_descriptor", descriptor).
		Msg("remediation applied but job record not updated")

	w.emit(ctx, job, audit.ActionApplied, actorFor(job), map[string]interface{}{
		"changes":            len(changes),
		"dryRun":             job.DryRun,
		"recorded":           false,
		"recordError":        cause.Error(),
		"rollbackDescriptor": descriptor,
	})

	return job, errors.NewError(errors.ErrorTypeSystem, "remediation applied but the job record could not be updated").
		WithCode(remediation.CodeUnrecorded).
		WithResource(job.JobID).
		WithDetails("changes", changes).
		WithDetails("rollbackDescriptor", descriptor).
		WithUserHelp("The change is live. Use the rollback descriptor in the audit log to reverse it").
		WithWrapped(cause).
		Build()
}

// fail records cause on the job and returns it to the caller.
func (w *Workflow) fail(ctx context.Context, job *remediation.Job, from remediation.Status, cause error, patch remediation.JobPatch) (*remediation.Job, error) {
	now := w.clock().UTC()
	patch.ExpectedStatus = from
	patch.Status = remediation.StatusPtr(remediation.StatusFailed)
	patch.FailedAt = &now
	patch.ErrorMessage = remediation.StringPtr(cause.Error())
	patch.Message = remediation.StringPtr("Remediation failed: " + userMessage(cause))

	updated, err := w.store.Update(ctx, job.TenantID, job.JobID, patch)
	if err != nil {
		w.jobLogger(ctx, job).Error().Err(err).Msg("failed to record job failure")
		return job, cause
	}

	w.metrics.JobStatus(string(remediation.StatusFailed))
	w.emit(ctx, updated, audit.ActionFailed, actorFor(updated), map[string]interface{}{
		"error":     updated.ErrorMessage,
		"errorType": string(errors.TypeOf(cause)),
	})
	w.jobLogger(ctx, updated).Error().Err(cause).Msg("remediation failed")
	return updated, cause
}

// Rollback reverses a completed job. Partial and failed compensating actions
// are reported in the attached result; the job still ends ROLLED_BACK.
// reason, if given, is recorded in the audit event.
func (w *Workflow) Rollback(ctx context.Context, tenantID, jobID, actor, reason string) (*remediation.Job, error) {
	ctx, span := w.startSpan(ctx, "workflow.Rollback", tenantID, jobID)
	defer span.End()

	job, err := w.rollback(ctx, tenantID, jobID, actor, reason)
	return job, recordSpanError(span, err)
}

func (w *Workflow) rollback(ctx context.Context, tenantID, jobID, actor, reason string) (*remediation.Job, error) {
	job, err := w.store.Get(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}

	result, err := w.rollbacks.ExecuteRollback(ctx, job)
	if err != nil {
		return job, err
	}

	now := w.clock().UTC()
	updated, err := w.store.Update(ctx, tenantID, jobID, remediation.JobPatch{
		ExpectedStatus: remediation.StatusCompleted,
		Status:         remediation.StatusPtr(remediation.StatusRolledBack),
		RolledBackAt:   &now,
		RollbackResult: result,
		Message:        remediation.StringPtr(rollbackMessage(result)),
	})
	if err != nil {
		return job, err
	}

	if actor == "" {
		actor = systemActor
	}
	w.metrics.JobStatus(string(remediation.StatusRolledBack))
	details := map[string]interface{}{
		"success": result.Success,
		"partial": result.PartialRollback,
		"actions": len(result.Actions),
	}
	if reason != "" {
		details["reason"] = reason
	}
	w.emit(ctx, updated, audit.ActionRolledBack, actor, details)
	w.jobLogger(ctx, updated).Info().
		Bool("success", result.Success).
		Bool("partial", result.PartialRollback).
		Msg("remediation rolled back")
	return updated, nil
}

// Status returns the current job snapshot.
func (w *Workflow) Status(ctx context.Context, tenantID, jobID string) (*remediation.Job, error) {
	return w.store.Get(ctx, tenantID, jobID)
}

// ListPending returns jobs awaiting approval, oldest first. An empty
// tenantID lists every tenant.
func (w *Workflow) ListPending(ctx context.Context, tenantID string) ([]*remediation.Job, error) {
	jobs, err := w.store.QueryByStatus(ctx, remediation.StatusPendingApproval)
	if err != nil {
		return nil, err
	}
	if tenantID == "" {
		return jobs, nil
	}

	out := make([]*remediation.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.TenantID == tenantID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (w *Workflow) emit(ctx context.Context, job *remediation.Job, action audit.Action, actor string, details map[string]interface{}) {
	err := w.audit.Append(ctx, audit.Event{
		Action:        action,
		ActorID:       actor,
		TargetID:      job.JobID,
		TenantID:      job.TenantID,
		Details:       details,
		Timestamp:     w.clock().UTC(),
		CorrelationID: job.CorrelationID,
	})
	if err != nil {
		w.jobLogger(ctx, job).Error().Err(err).Str("action", string(action)).Msg("failed to append audit event")
	}
}

func noteDetails(key, note string) map[string]interface{} {
	if note == "" {
		return nil
	}
	return map[string]interface{}{key: note}
}

func (w *Workflow) jobLogger(ctx context.Context, job *remediation.Job) *zerolog.Logger {
	l := logger.WithTrace(ctx, w.logger).With().
		Str("tenant_id", job.TenantID).
		Str("job_id", job.JobID).
		Str("resource_id", job.ResourceID).
		Str("remediation_type", job.RemediationType).
		Logger()
	return &l
}

func (w *Workflow) startSpan(ctx context.Context, name, tenantID, jobID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("tenant.id", tenantID)}
	if jobID != "" {
		attrs = append(attrs, attribute.String("job.id", jobID))
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func recordSpanError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errors.TypeOf(err)))
	}
	return err
}

func actorFor(job *remediation.Job) string {
	if job.ApprovedBy != "" {
		return job.ApprovedBy
	}
	return job.RequestedBy
}

func userMessage(err error) string {
	var typed *errors.Error
	if errors.As(err, &typed) {
		return typed.Message
	}
	return err.Error()
}

func rollbackMessage(result *remediation.RollbackResult) string {
	var ok, failed, skipped int
	for _, a := range result.Actions {
		switch a.Status {
		case remediation.ActionSuccess:
			ok++
		case remediation.ActionFailed:
			failed++
		case remediation.ActionSkipped:
			skipped++
		}
	}

	switch {
	case result.Success:
		return fmt.Sprintf("Rollback completed: %d action(s) succeeded", ok)
	case result.PartialRollback:
		return fmt.Sprintf("Partial rollback: %d succeeded, %d failed, %d need manual follow-up", ok, failed, skipped)
	case failed > 0:
		return fmt.Sprintf("Rollback failed: %d action(s) failed", failed)
	default:
		return "Rollback requires manual follow-up; see instructions"
	}
}
