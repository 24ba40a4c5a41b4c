package server

import (
	"net/http"

	"x402mail/internal/inbox"
	"x402mail/internal/mailerr"
	"x402mail/internal/orchestrator"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the prometheus registry of the engine. It implements
// orchestrator.Recorder and is built before the orchestrator.
type Metrics struct {
	registry             *prometheus.Registry
	sessionsTotal        *prometheus.CounterVec
	phaseTransitions     *prometheus.CounterVec
	notificationFailures prometheus.Counter
	recoveryPending      prometheus.Gauge
	inboxOutcomes        *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	sessions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "x402mail_send_sessions_total",
		Help: "Finished send sessions by result",
	}, []string{"result"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "x402mail_phase_transitions_total",
		Help: "Send session phase transitions",
	}, []string{"from", "to"})

	notifyFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "x402mail_notification_failures_total",
		Help: "Escrowed deposits whose store notification failed",
	})

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "x402mail_recovery_pending",
		Help: "Deposits in the recovery ledger awaiting re-notification",
	})

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "x402mail_inbox_outcomes_total",
		Help: "Recipient mark-read and flag-spam actions by result",
	}, []string{"outcome", "result"})

	r := prometheus.NewRegistry()
	r.MustRegister(sessions, transitions, notifyFailures, pending, outcomes)

	return &Metrics{
		registry:             r,
		sessionsTotal:        sessions,
		phaseTransitions:     transitions,
		notificationFailures: notifyFailures,
		recoveryPending:      pending,
		inboxOutcomes:        outcomes,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObservePhase(from, to orchestrator.Phase) {
	m.phaseTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) ObserveResult(result string) {
	m.sessionsTotal.WithLabelValues(result).Inc()
	if result == string(mailerr.KindNotification) {
		m.notificationFailures.Inc()
	}
}

func (m *Metrics) SetRecoveryPending(n int) {
	m.recoveryPending.Set(float64(n))
}

// ObserveInbox is registered with inbox.Service.OnOutcome.
func (m *Metrics) ObserveInbox(outcome inbox.Outcome, result string) {
	m.inboxOutcomes.WithLabelValues(outcome.String(), result).Inc()
}
