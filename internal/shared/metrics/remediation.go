package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the remediation workflow metrics
type Recorder struct {
	jobs            *prometheus.CounterVec
	safetyFailures  *prometheus.CounterVec
	rollbackActions *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	executeDuration prometheus.Histogram
}

// NewRecorder creates the workflow metrics and registers them with reg.
// A nil registerer leaves the metrics unregistered, which is what tests want.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remediator_jobs_total",
			Help: "Remediation jobs by status reached",
		}, []string{"status"}),
		safetyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remediator_safety_checks_failed_total",
			Help: "Failed safety checks by check name and severity",
		}, []string{"check", "severity"}),
		rollbackActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remediator_rollback_actions_total",
			Help: "Compensating actions by outcome",
		}, []string{"status"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remediator_approval_notifications_total",
			Help: "Approval notifications by channel and result",
		}, []string{"channel", "result"}),
		executeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "remediator_execute_duration_seconds",
			Help:    "Time spent in actuator execution",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}

	if reg != nil {
		reg.MustRegister(r.jobs, r.safetyFailures, r.rollbackActions, r.notifications, r.executeDuration)
	}

	return r
}

// JobStatus counts a job reaching status.
func (r *Recorder) JobStatus(status string) {
	if r == nil {
		return
	}
	r.jobs.WithLabelValues(status).Inc()
}

// SafetyCheckFailed counts a failed safety check.
func (r *Recorder) SafetyCheckFailed(check, severity string) {
	if r == nil {
		return
	}
	r.safetyFailures.WithLabelValues(check, severity).Inc()
}

// RollbackAction counts one compensating action outcome.
func (r *Recorder) RollbackAction(status string) {
	if r == nil {
		return
	}
	r.rollbackActions.WithLabelValues(status).Inc()
}

// Notification counts one approver channel delivery attempt.
func (r *Recorder) Notification(channel string, err error) {
	if r == nil {
		return
	}
	result := "delivered"
	if err != nil {
		result = "failed"
	}
	r.notifications.WithLabelValues(channel, result).Inc()
}

// Timer returns a func that observes the elapsed execution time.
func (r *Recorder) Timer() func() {
	start := time.Now()
	return func() {
		if r == nil {
			return
		}
		r.executeDuration.Observe(time.Since(start).Seconds())
	}
}
