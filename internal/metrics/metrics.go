// Package metrics exposes Prometheus collectors for intake, routing,
// distillation and the approval gate.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors. All methods are safe on a nil receiver.
type Metrics struct {
	Evaluations     *prometheus.CounterVec
	Assignments     *prometheus.CounterVec
	LoadConflicts   prometheus.Counter
	Warnings        *prometheus.CounterVec
	DistillGroups   *prometheus.CounterVec
	DistillDuration prometheus.Histogram
	Transitions     *prometheus.CounterVec
	IntakeMessages  *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "linkops_evaluations_total",
			Help: "Task evaluations by category and auto-completion outcome",
		}, []string{"category", "auto_completable"}),

		Assignments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "linkops_assignments_total",
			Help: "Router assignments by handler",
		}, []string{"handler", "requires_human"}),

		LoadConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "linkops_load_cas_conflicts_total",
			Help: "Handler load compare-and-swap attempts that lost a race",
		}),

		Warnings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "linkops_warnings_total",
			Help: "Non-fatal degradations by warning code",
		}, []string{"code"}),

		DistillGroups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "linkops_distill_groups_total",
			Help: "Distillation group outcomes",
		}, []string{"outcome"}), // created, incremented, skipped, failed

		DistillDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "linkops_distill_duration_seconds",
			Help:    "Duration of distillation runs",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "linkops_artifact_transitions_total",
			Help: "Artifact state transitions by target state",
		}, []string{"state"}),

		IntakeMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "linkops_intake_messages_total",
			Help: "Kafka intake messages by topic and outcome",
		}, []string{"topic", "outcome"}),
	}
}

var (
	defaultOnce sync.Once
	defaultM    *Metrics
)

// Default returns the collectors registered on the default Prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultM = New(prometheus.DefaultRegisterer)
	})
	return defaultM
}

// IncEvaluation records one evaluation.
func (m *Metrics) IncEvaluation(category string, autoCompletable bool) {
	if m != nil {
		m.Evaluations.WithLabelValues(category, boolLabel(autoCompletable)).Inc()
	}
}

// IncAssignment records one routing decision.
func (m *Metrics) IncAssignment(handler string, requiresHuman bool) {
	if m != nil {
		m.Assignments.WithLabelValues(handler, boolLabel(requiresHuman)).Inc()
	}
}

// IncLoadConflict records a lost load counter race.
func (m *Metrics) IncLoadConflict() {
	if m != nil {
		m.LoadConflicts.Inc()
	}
}

// IncWarning records a degradation.
func (m *Metrics) IncWarning(code string) {
	if m != nil {
		m.Warnings.WithLabelValues(code).Inc()
	}
}

// IncDistillGroup records the outcome of one distillation group.
func (m *Metrics) IncDistillGroup(outcome string) {
	if m != nil {
		m.DistillGroups.WithLabelValues(outcome).Inc()
	}
}

// ObserveDistill records the duration of a distillation run.
func (m *Metrics) ObserveDistill(d time.Duration) {
	if m != nil {
		m.DistillDuration.Observe(d.Seconds())
	}
}

// IncTransition records an artifact entering state.
func (m *Metrics) IncTransition(state string) {
	if m != nil {
		m.Transitions.WithLabelValues(state).Inc()
	}
}

// IncIntakeMessage records a consumed Kafka message.
func (m *Metrics) IncIntakeMessage(topic, outcome string) {
	if m != nil {
		m.IntakeMessages.WithLabelValues(topic, outcome).Inc()
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
