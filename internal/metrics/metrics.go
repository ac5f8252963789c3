package metrics

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics exposes counters/histograms for booking and reconciliation flows.
// A nil *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	bookingsTotal        *prometheus.CounterVec
	reconciliationsTotal *prometheus.CounterVec
	verifyAttempts       prometheus.Histogram
	remindersTotal       *prometheus.CounterVec
	webhooksTotal        *prometheus.CounterVec
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telehealth",
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Booking attempts by outcome",
		}, []string{"outcome"}),
		reconciliationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telehealth",
			Subsystem: "payment",
			Name:      "reconciliations_total",
			Help:      "Payment verifications by outcome",
		}, []string{"outcome"}),
		verifyAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "telehealth",
			Subsystem: "payment",
			Name:      "verify_attempts",
			Help:      "Provider status polls needed per verification",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 7, 8, 10},
		}),
		remindersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telehealth",
			Subsystem: "reminder",
			Name:      "jobs_total",
			Help:      "Reminder jobs by outcome",
		}, []string{"outcome"}),
		webhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telehealth",
			Subsystem: "payment",
			Name:      "webhooks_total",
			Help:      "Inbound payment webhooks by status",
		}, []string{"status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.reconciliationsTotal, m.verifyAttempts, m.remindersTotal, m.webhooksTotal)
	return m
}

func (m *EngineMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *EngineMetrics) ObserveReconciliation(outcome string, attempts int) {
	if m == nil {
		return
	}
	m.reconciliationsTotal.WithLabelValues(outcome).Inc()
	if attempts > 0 {
		m.verifyAttempts.Observe(float64(attempts))
	}
}

func (m *EngineMetrics) ObserveReminder(outcome string) {
	if m == nil {
		return
	}
	m.remindersTotal.WithLabelValues(outcome).Inc()
}

func (m *EngineMetrics) ObserveWebhook(status string) {
	if m == nil {
		return
	}
	m.webhooksTotal.WithLabelValues(status).Inc()
}
