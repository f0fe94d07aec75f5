// Package rollback reverses completed remediations using their recorded
// rollback descriptors.
package rollback

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/catherinevee/remediator/internal/remediation"
	"github.com/catherinevee/remediator/internal/shared/logger"
	"github.com/catherinevee/remediator/internal/shared/metrics"
)

// Actuator runs compensating actions.
type Actuator interface {
	Rollback(ctx context.Context, desc remediation.RollbackDescriptor) []remediation.ActionOutcome
}

// Coordinator drives rollback of a single job.
type Coordinator struct {
	actuator Actuator
	metrics  *metrics.Recorder
	logger   zerolog.Logger
}

// NewCoordinator creates a coordinator. rec may be nil.
func NewCoordinator(actuator Actuator, rec *metrics.Recorder, l zerolog.Logger) *Coordinator {
	return &Coordinator{
		actuator: actuator,
		metrics:  rec,
		logger:   logger.Component(l, "rollback"),
	}
}

// ExecuteRollback reverses job. Only COMPLETED jobs with a descriptor are
// eligible; anything else is rejected before the actuator is called.
// Per-action failures are reported in the result, not as an error.
func (c *Coordinator) ExecuteRollback(ctx context.Context, job *remediation.Job) (*remediation.RollbackResult, error) {
	if job.Status != remediation.StatusCompleted {
		return nil, remediation.NewRollbackError(job.JobID, remediation.CodeNotCompleted,
			"only completed jobs can be rolled back, job is "+string(job.Status))
	}
	if job.RollbackDescriptor == nil {
		return nil, remediation.NewRollbackError(job.JobID, remediation.CodeNoDescriptor,
			"job has no rollback descriptor")
	}

	log := logger.WithTrace(ctx, c.logger).With().
		Str("job_id", job.JobID).
		Str("kind", job.RollbackDescriptor.Kind).
		Logger()

	actions := c.actuator.Rollback(ctx, *job.RollbackDescriptor)
	for _, a := range actions {
		c.metrics.RollbackAction(string(a.Status))
		if a.Status == remediation.ActionFailed {
			log.Warn().Str("action", a.Action).Str("resource", a.Resource).Str("error", a.Error).Msg("compensating action failed")
		}
	}

	result := Aggregate(actions)
	result.Instructions = job.RollbackDescriptor.Instructions

	log.Info().
		Bool("success", result.Success).
		Bool("partial", result.PartialRollback).
		Int("actions", len(actions)).
		Msg("rollback finished")
	return result, nil
}

// Aggregate summarizes action outcomes. Success means nothing failed and at
// least one action actually ran; partial means some but not all failed.
func Aggregate(actions []remediation.ActionOutcome) *remediation.RollbackResult {
	var failed, skipped int
	for _, a := range actions {
		switch a.Status {
		case remediation.ActionFailed:
			failed++
		case remediation.ActionSkipped:
			skipped++
		}
	}

	return &remediation.RollbackResult{
		Success:         failed == 0 && skipped < len(actions),
		PartialRollback: failed > 0 && failed < len(actions),
		Actions:         actions,
	}
}
