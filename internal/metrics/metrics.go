// Package metrics exposes Prometheus instruments for the gateway and for
// observing clients. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument on a private registry
type Metrics struct {
	registry *prometheus.Registry

	jobsCreated      *prometheus.CounterVec
	jobsTerminal     *prometheus.CounterVec
	wsConnections    prometheus.Gauge
	eventsBroadcast  *prometheus.CounterVec
	queueSendSeconds *prometheus.HistogramVec

	modeSwitches         *prometheus.CounterVec
	terminalDeliveries   *prometheus.CounterVec
	pollReads            *prometheus.CounterVec
	remediationDecisions *prometheus.CounterVec
}

// NewMetrics creates and registers all instruments under namespace
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_created_total",
			Help:      "Jobs accepted by the gateway",
		}, []string{"kind"}),
		jobsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_terminal_total",
			Help:      "Jobs that reached a terminal status",
		}, []string{"status"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open push channel websocket connections",
		}),
		eventsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_broadcast_total",
			Help:      "Push events fanned out to rooms",
		}, []string{"type"}),
		queueSendSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_send_duration_seconds",
			Help:      "Time spent dispatching work to producer queues",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue", "transport"}),

		modeSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_mode_switches_total",
			Help:      "Tracking mode transitions of synchronization controllers",
		}, []string{"from", "to"}),
		terminalDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_terminal_deliveries_total",
			Help:      "Terminal notifications delivered to observers",
		}, []string{"outcome", "mode"}),
		pollReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_reads_total",
			Help:      "Job reads issued by pollers",
		}, []string{"result"}),
		remediationDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediation_decisions_total",
			Help:      "Auto-remediation report outcomes",
		}, []string{"decision"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsCreated,
		m.jobsTerminal,
		m.wsConnections,
		m.eventsBroadcast,
		m.queueSendSeconds,
		m.modeSwitches,
		m.terminalDeliveries,
		m.pollReads,
		m.remediationDecisions,
	)

	return m
}

// Registry exposes the underlying registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordJobCreated(kind string) {
	if m == nil {
		return
	}
	m.jobsCreated.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordJobTerminal(status string) {
	if m == nil {
		return
	}
	m.jobsTerminal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncrementConnections() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Metrics) DecrementConnections() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

func (m *Metrics) RecordBroadcast(eventType string) {
	if m == nil {
		return
	}
	m.eventsBroadcast.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordQueueSendDuration(queue, transport string, d time.Duration) {
	if m == nil {
		return
	}
	m.queueSendSeconds.WithLabelValues(queue, transport).Observe(d.Seconds())
}

func (m *Metrics) RecordModeSwitch(from, to string) {
	if m == nil {
		return
	}
	m.modeSwitches.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordTerminalDelivery(outcome, mode string) {
	if m == nil {
		return
	}
	m.terminalDeliveries.WithLabelValues(outcome, mode).Inc()
}

func (m *Metrics) RecordPollRead(result string) {
	if m == nil {
		return
	}
	m.pollReads.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRemediationDecision(decision string) {
	if m == nil {
		return
	}
	m.remediationDecisions.WithLabelValues(decision).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StartMetricsServer serves /metrics on addr until ctx is cancelled
func (m *Metrics) StartMetricsServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
