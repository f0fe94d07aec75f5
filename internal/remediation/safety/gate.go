// Package safety runs the pre-flight checks that decide whether a
// remediation may proceed without human review.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/catherinevee/remediator/internal/remediation"
	"github.com/catherinevee/remediator/internal/shared/config"
	"github.com/catherinevee/remediator/internal/shared/logger"
	"github.com/catherinevee/remediator/internal/shared/metrics"
)

const defaultCheckTimeout = 10 * time.Second

// Inspector is the read-only query surface of the cloud account.
type Inspector interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	BucketTags(ctx context.Context, bucket string) (map[string]string, error)
	IsServiceRole(ctx context.Context, role string) (bool, error)
	AdminPolicies(ctx context.Context, role string) ([]string, error)
	AttachedInstanceCount(ctx context.Context, groupID string) (int, error)
	OpenIngressRules(ctx context.Context, groupID string) ([]string, error)
}

// PermissionChecker decides whether the requester may remediate the resource.
type PermissionChecker interface {
	CanRemediate(ctx context.Context, req remediation.Request) (bool, error)
}

// ChangeLog reports recent changes to a resource.
type ChangeLog interface {
	RecentChanges(ctx context.Context, resourceID string, since time.Time) (int, error)
}

// BusinessHours is the window in which production changes are flagged.
type BusinessHours struct {
	StartHour int
	EndHour   int
	Weekdays  []time.Weekday
	Location  *time.Location
}

// Contains reports whether t falls inside the window.
func (b BusinessHours) Contains(t time.Time) bool {
	if b.Location != nil {
		t = t.In(b.Location)
	}

	weekday := false
	for _, d := range b.Weekdays {
		if t.Weekday() == d {
			weekday = true
			break
		}
	}
	if !weekday {
		return false
	}

	hour := t.Hour()
	return hour >= b.StartHour && hour < b.EndHour
}

// Policy holds the tunable heuristics.
type Policy struct {
	IsProduction       remediation.NameMatcher
	CriticalTagKeys    []string
	CriticalTagValues  []string
	BusinessHours      BusinessHours
	CheckTimeout       time.Duration
	RecentChangeWindow time.Duration
}

// DefaultPolicy returns the built-in heuristics.
func DefaultPolicy() Policy {
	p, _ := NewPolicy(config.DefaultConfig().Safety)
	return p
}

// NewPolicy builds a policy from configuration.
func NewPolicy(cfg config.SafetySettings) (Policy, error) {
	loc, err := time.LoadLocation(cfg.BusinessHours.Timezone)
	if err != nil {
		return Policy{}, fmt.Errorf("invalid business hours timezone: %w", err)
	}

	weekdays := make([]time.Weekday, 0, len(cfg.BusinessHours.Weekdays))
	for _, name := range cfg.BusinessHours.Weekdays {
		d, ok := config.ParseWeekday(name)
		if !ok {
			return Policy{}, fmt.Errorf("invalid weekday %q", name)
		}
		weekdays = append(weekdays, d)
	}

	timeout := defaultCheckTimeout
	if cfg.CheckTimeout != "" {
		if timeout, err = time.ParseDuration(cfg.CheckTimeout); err != nil {
			return Policy{}, fmt.Errorf("invalid check timeout: %w", err)
		}
	}

	return Policy{
		IsProduction:      remediation.ProductionNameMatcher(cfg.ProductionMarkers),
		CriticalTagKeys:   cfg.CriticalTagKeys,
		CriticalTagValues: cfg.CriticalTagValues,
		BusinessHours: BusinessHours{
			StartHour: cfg.BusinessHours.StartHour,
			EndHour:   cfg.BusinessHours.EndHour,
			Weekdays:  weekdays,
			Location:  loc,
		},
		CheckTimeout:       timeout,
		RecentChangeWindow: 24 * time.Hour,
	}, nil
}

// Gate runs the safety checks for a request.
type Gate struct {
	mu     sync.RWMutex
	policy Policy

	inspector   Inspector
	permissions PermissionChecker
	changes     ChangeLog
	clock       func() time.Time
	metrics     *metrics.Recorder
	logger      zerolog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithPermissionChecker enables the caller-permission check.
func WithPermissionChecker(p PermissionChecker) Option {
	return func(g *Gate) { g.permissions = p }
}

// WithChangeLog enables recent-change correlation.
func WithChangeLog(c ChangeLog) Option {
	return func(g *Gate) { g.changes = c }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

// WithMetrics records failed checks.
func WithMetrics(m *metrics.Recorder) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Gate) { g.logger = logger.Component(l, "safety") }
}

// NewGate creates a safety gate.
func NewGate(inspector Inspector, policy Policy, opts ...Option) *Gate {
	g := &Gate{
		inspector: inspector,
		clock:     time.Now,
		logger:    zerolog.Nop(),
	}
	g.SetPolicy(policy)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetPolicy replaces the heuristics. Safe to call while checks run.
func (g *Gate) SetPolicy(p Policy) {
	if p.IsProduction == nil {
		p.IsProduction = remediation.ProductionNameMatcher(nil)
	}
	if p.CheckTimeout <= 0 {
		p.CheckTimeout = defaultCheckTimeout
	}
	if p.RecentChangeWindow <= 0 {
		p.RecentChangeWindow = 24 * time.Hour
	}

	g.mu.Lock()
	g.policy = p
	g.mu.Unlock()
}

// Policy returns the active heuristics.
func (g *Gate) Policy() Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// RunSafetyChecks evaluates every applicable check and aggregates them.
// The generic, resource and remediation groups run concurrently; checks
// that cannot complete are reported as failed rather than dropped.
func (g *Gate) RunSafetyChecks(ctx context.Context, req remediation.Request) remediation.SafetyCheckResult {
	policy := g.Policy()
	run := &checkRun{gate: g, policy: policy, req: req}

	groups := make([][]remediation.SafetyCheck, 3)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		groups[0] = run.generic(egCtx)
		return nil
	})
	eg.Go(func() error {
		groups[1] = run.resource(egCtx)
		return nil
	})
	eg.Go(func() error {
		groups[2] = run.remediationType(egCtx)
		return nil
	})
	// Groups always return nil; check failures are carried in the results.
	_ = eg.Wait()

	var checks []remediation.SafetyCheck
	for _, group := range groups {
		checks = append(checks, group...)
	}
	result := remediation.NewSafetyCheckResult(checks)

	log := logger.WithTrace(ctx, g.logger).With().
		Str("tenant_id", req.TenantID).
		Str("resource_id", req.ResourceID).
		Str("remediation_type", req.RemediationType).
		Logger()

	for _, c := range result.Failed() {
		g.metrics.SafetyCheckFailed(c.Name, string(c.Severity))
		log.Debug().Str("check", c.Name).Str("severity", string(c.Severity)).Msg(c.Message)
	}

	if result.Passed {
		log.Debug().Int("checks", len(checks)).Msg("safety checks passed")
	} else {
		log.Warn().Int("checks", len(checks)).Int("failed", len(result.Failed())).Msg("safety checks failed")
	}

	return result
}

// guard runs fn under the per-check timeout and converts a panic or a
// timeout into a failed check.
func (g *Gate) guard(ctx context.Context, timeout time.Duration, name string, onError remediation.Severity,
	fn func(ctx context.Context) remediation.SafetyCheck) remediation.SafetyCheck {

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan remediation.SafetyCheck, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- failed(name, onError, fmt.Sprintf("check aborted: %v", r),
					"Investigate the check failure before retrying")
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case c := <-done:
		return c
	case <-ctx.Done():
		return failed(name, onError, "check did not complete: "+ctx.Err().Error(),
			"Retry once the resource can be inspected")
	}
}

func passed(name, message string) remediation.SafetyCheck {
	return remediation.SafetyCheck{
		Name:     name,
		Passed:   true,
		Severity: remediation.SeverityLow,
		Message:  message,
	}
}

func failed(name string, severity remediation.Severity, message, recommendation string) remediation.SafetyCheck {
	return remediation.SafetyCheck{
		Name:           name,
		Passed:         false,
		Severity:       severity,
		Message:        message,
		Recommendation: recommendation,
	}
}
