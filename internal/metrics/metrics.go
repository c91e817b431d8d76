// Package metrics holds the Prometheus collectors of the exam engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SubmissionsTotal counts submissions by outcome.
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codeexam_submissions_total",
			Help: "Submissions handled by the attempt manager, by outcome",
		},
		[]string{"outcome"},
	)

	// SandboxCallsTotal counts sandbox executions by result.
	SandboxCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codeexam_sandbox_calls_total",
			Help: "Sandbox executions, by result",
		},
		[]string{"result"},
	)

	// AttemptsFinishedTotal counts attempts by the terminal status they reached.
	AttemptsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codeexam_attempts_finished_total",
			Help: "Attempts that reached a terminal status",
		},
		[]string{"status"},
	)

	// AttemptsStartedTotal counts newly created attempts.
	AttemptsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codeexam_attempts_started_total",
			Help: "Attempts created",
		},
	)

	// GradingDuration observes how long one submission takes to grade.
	GradingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "codeexam_grading_duration_seconds",
			Help:    "Time to grade one submission across all its test cases",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Outcome labels of SubmissionsTotal.
const (
	OutcomePassed      = "passed"
	OutcomeFailed      = "failed"
	OutcomeInfraFailed = "infrastructure_failure"
	OutcomeExpired     = "time_expired"
	OutcomeClosed      = "attempt_closed"
)

// Result labels of SandboxCallsTotal.
const (
	SandboxOK          = "ok"
	SandboxRetry       = "retry"
	SandboxUnavailable = "unavailable"
	SandboxRejected    = "rejected"
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		SubmissionsTotal,
		SandboxCallsTotal,
		AttemptsFinishedTotal,
		AttemptsStartedTotal,
		GradingDuration,
	}
}

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
