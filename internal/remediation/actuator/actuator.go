// Package actuator performs remediations against live resources. Each
// (resourceType, remediationType) pair is served by exactly one Handler
// registered with the Actuator.
package actuator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/catherinevee/remediator/internal/remediation"
	"github.com/catherinevee/remediator/internal/shared/errors"
	"github.com/catherinevee/remediator/internal/shared/logger"
)

// Kind identifies a handler.
type Kind struct {
	ResourceType    string
	RemediationType string
}

// String returns the descriptor kind for the pair.
func (k Kind) String() string {
	return k.ResourceType + "/" + k.RemediationType
}

// Handler executes and reverses one kind of remediation.
type Handler interface {
	Kind() Kind
	// Baseline is the impact before the production escalation is applied.
	Baseline() remediation.ImpactEstimate
	// Execute must honour req.DryRun and return a rollback descriptor.
	Execute(ctx context.Context, req remediation.Request) (*remediation.ExecutionResult, error)
	// Rollback reverses a prior execution. Failures are reported per action.
	Rollback(ctx context.Context, data json.RawMessage) []remediation.ActionOutcome
}

// ParamValidator is implemented by handlers that take parameters. It decodes
// and validates them without touching the resource.
type ParamValidator interface {
	ValidateParams(resourceID string, params remediation.Parameters) error
}

// Actuator dispatches to registered handlers.
type Actuator struct {
	mu           sync.RWMutex
	handlers     map[Kind]Handler
	byKind       map[string]Handler
	isProduction remediation.NameMatcher
	logger       zerolog.Logger
}

// Option configures an Actuator.
type Option func(*Actuator)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Actuator) { a.logger = logger.Component(l, "actuator") }
}

// WithProductionMatcher sets the heuristic used for risk escalation.
func WithProductionMatcher(m remediation.NameMatcher) Option {
	return func(a *Actuator) { a.isProduction = m }
}

// New creates an empty actuator.
func New(opts ...Option) *Actuator {
	a := &Actuator{
		handlers:     make(map[Kind]Handler),
		byKind:       make(map[string]Handler),
		isProduction: remediation.ProductionNameMatcher(nil),
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register adds a handler. Registering the same pair twice is an error.
func (a *Actuator) Register(h Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := h.Kind()
	if _, exists := a.handlers[k]; exists {
		return fmt.Errorf("handler already registered for %s", k)
	}
	a.handlers[k] = h
	a.byKind[k.String()] = h
	return nil
}

// SetProductionMatcher swaps the production heuristic.
func (a *Actuator) SetProductionMatcher(m remediation.NameMatcher) {
	if m == nil {
		m = remediation.ProductionNameMatcher(nil)
	}
	a.mu.Lock()
	a.isProduction = m
	a.mu.Unlock()
}

// Kinds lists the registered pairs.
func (a *Actuator) Kinds() []Kind {
	a.mu.RLock()
	defer a.mu.RUnlock()

	kinds := make([]Kind, 0, len(a.handlers))
	for k := range a.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}

// Supports reports whether a handler is registered for the pair.
func (a *Actuator) Supports(resourceType, remediationType string) bool {
	_, ok := a.lookup(resourceType, remediationType)
	return ok
}

func (a *Actuator) lookup(resourceType, remediationType string) (Handler, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.handlers[Kind{ResourceType: resourceType, RemediationType: remediationType}]
	return h, ok
}

// ValidateParams checks the request's parameters against the handler for the
// pair. Unsupported pairs are rejected the same way EstimateImpact does.
func (a *Actuator) ValidateParams(req remediation.Request) error {
	h, ok := a.lookup(req.ResourceType, req.RemediationType)
	if !ok {
		return remediation.NewUnsupportedError(req.ResourceType, req.RemediationType)
	}
	if v, ok := h.(ParamValidator); ok {
		return v.ValidateParams(req.ResourceID, req.Parameters)
	}
	return nil
}

// EstimateImpact returns the baseline impact for the pair, bumped one tier
// when the resource looks like production.
func (a *Actuator) EstimateImpact(req remediation.Request) (remediation.ImpactEstimate, error) {
	h, ok := a.lookup(req.ResourceType, req.RemediationType)
	if !ok {
		return remediation.ImpactEstimate{}, remediation.NewUnsupportedError(req.ResourceType, req.RemediationType)
	}

	estimate := h.Baseline()
	estimate.Mitigations = append([]string(nil), estimate.Mitigations...)
	if estimate.AffectedResources < 1 {
		estimate.AffectedResources = 1
	}

	a.mu.RLock()
	isProduction := a.isProduction
	a.mu.RUnlock()

	if isProduction(req.ResourceID) {
		estimate.RiskLevel = estimate.RiskLevel.Escalate()
		estimate.Mitigations = append(estimate.Mitigations,
			"Resource appears to be production: schedule during a maintenance window and notify the owning team")
	}
	return estimate, nil
}

// Execute runs the handler for the request. Handler failures are wrapped as
// remediation errors; parameter validation failures pass through unchanged.
func (a *Actuator) Execute(ctx context.Context, req remediation.Request) (*remediation.ExecutionResult, error) {
	h, ok := a.lookup(req.ResourceType, req.RemediationType)
	if !ok {
		return nil, remediation.NewUnsupportedError(req.ResourceType, req.RemediationType)
	}

	log := logger.WithTrace(ctx, a.logger).With().
		Str("resource_id", req.ResourceID).
		Str("kind", h.Kind().String()).
		Bool("dry_run", req.DryRun).
		Logger()

	result, err := h.Execute(ctx, req)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeValidation) || errors.IsType(err, errors.ErrorTypeRemediation) {
			return nil, err
		}
		log.Error().Err(err).Msg("remediation failed")
		return nil, remediation.NewExecutionError(req.ResourceID, err)
	}

	if result.RollbackDescriptor == nil {
		result.RollbackDescriptor = remediation.ManualRollback(h.Kind().String(),
			"Review the recorded changes and revert them by hand")
	}

	log.Info().Int("changes", len(result.Changes)).Msg("remediation executed")
	return result, nil
}

// Rollback runs the compensating actions described by desc. It never
// returns an error: unknown kinds and manual descriptors yield a single
// SKIPPED action.
func (a *Actuator) Rollback(ctx context.Context, desc remediation.RollbackDescriptor) []remediation.ActionOutcome {
	if !desc.Automatable || len(desc.Data) == 0 {
		return []remediation.ActionOutcome{{
			Action:   "manual-rollback",
			Resource: desc.Kind,
			Status:   remediation.ActionSkipped,
			Error:    "automated rollback is not available for this change",
		}}
	}

	a.mu.RLock()
	h, ok := a.byKind[desc.Kind]
	a.mu.RUnlock()

	if !ok {
		return []remediation.ActionOutcome{{
			Action:   "rollback",
			Resource: desc.Kind,
			Status:   remediation.ActionSkipped,
			Error:    "no handler registered for rollback kind " + desc.Kind,
		}}
	}

	outcomes := h.Rollback(ctx, desc.Data)
	a.logger.Info().Str("kind", desc.Kind).Int("actions", len(outcomes)).Msg("rollback executed")
	return outcomes
}

// DecodeParams converts the opaque parameter map into a typed struct and
// validates it.
func DecodeParams(resourceID string, params remediation.Parameters, out any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return remediation.NewMissingParameterError(resourceID, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return remediation.NewMissingParameterError(resourceID, err)
	}
	if err := remediation.ValidateStruct("parameters", out); err != nil {
		return remediation.NewMissingParameterError(resourceID, err)
	}
	return nil
}

// AutomatedRollback builds a descriptor carrying data for kind.
func AutomatedRollback(kind Kind, data any, instructions ...string) (*remediation.RollbackDescriptor, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rollback data: %w", err)
	}
	return &remediation.RollbackDescriptor{
		Kind:         kind.String(),
		Data:         raw,
		Automatable:  true,
		Instructions: instructions,
	}, nil
}

// DryRunResult reports planned changes without a rollback path.
func DryRunResult(kind Kind, changes []remediation.Change) *remediation.ExecutionResult {
	return &remediation.ExecutionResult{
		Success: true,
		Changes: changes,
		RollbackDescriptor: remediation.ManualRollback(kind.String(),
			"Dry run: no changes were made, nothing to roll back"),
		Message: fmt.Sprintf("dry run: %d change(s) planned", len(changes)),
	}
}
