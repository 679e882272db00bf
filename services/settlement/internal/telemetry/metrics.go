package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Reservations     *prometheus.CounterVec
	FillAttempts     *prometheus.CounterVec
	FillDuration     *prometheus.HistogramVec
	VersionConflicts prometheus.Counter
	WebhookEvents    *prometheus.CounterVec
	Jobs             *prometheus.CounterVec
	ProviderCalls    *prometheus.HistogramVec
	SagaSteps        *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Reservations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_reservations_total",
				Help: "Total slot reservation attempts.",
			},
			[]string{"result"},
		),
		FillAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_fill_attempts_total",
				Help: "Total order fill attempts.",
			},
			[]string{"mode", "outcome"},
		),
		FillDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_fill_duration_seconds",
				Help:    "Order fill duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		VersionConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_version_conflicts_total",
				Help: "Total optimistic concurrency conflicts on orders.",
			},
		),
		WebhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_webhook_events_total",
				Help: "Total payment events handled.",
			},
			[]string{"source", "outcome"},
		),
		Jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_jobs_total",
				Help: "Total delayed jobs by outcome.",
			},
			[]string{"job", "status"},
		),
		ProviderCalls: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_provider_call_duration_seconds",
				Help:    "External provider call duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"call", "outcome"},
		),
		SagaSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_saga_steps_total",
				Help: "Total saga steps and compensations.",
			},
			[]string{"step", "outcome"},
		),
	}

	registry.MustRegister(
		m.Reservations,
		m.FillAttempts,
		m.FillDuration,
		m.VersionConflicts,
		m.WebhookEvents,
		m.Jobs,
		m.ProviderCalls,
		m.SagaSteps,
	)
	return m
}

func (m *Metrics) IncReservation(result string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveFill(mode, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.FillAttempts.WithLabelValues(mode, outcome).Inc()
	m.FillDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func (m *Metrics) IncVersionConflict() {
	if m == nil {
		return
	}
	m.VersionConflicts.Inc()
}

func (m *Metrics) IncWebhook(source, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(source, outcome).Inc()
}

// ObserveJob matches the jobs package observe hook.
func (m *Metrics) ObserveJob(name, status string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(name, status).Inc()
}

func (m *Metrics) ObserveProviderCall(call, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(call, outcome).Observe(duration.Seconds())
}

func (m *Metrics) IncSagaStep(step, outcome string) {
	if m == nil {
		return
	}
	m.SagaSteps.WithLabelValues(step, outcome).Inc()
}
