// Package telemetry exposes Prometheus metrics for runner daemons. The
// /metrics listener is optional and enabled by telemetry.listen in config.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the collection of steroids metrics.
type Metrics struct {
	TasksCompleted  *prometheus.CounterVec
	TasksFailed     *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
	CreditIncidents *prometheus.CounterVec
	WakeupPasses    prometheus.Counter
	RunnersActive   prometheus.Gauge
	AgentDuration   *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates and registers the steroids metrics on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steroids_tasks_completed_total",
			Help: "Total number of tasks approved and completed",
		},
		[]string{"project"},
	)
	m.TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steroids_tasks_failed_total",
			Help: "Total number of tasks that hit the rejection ceiling",
		},
		[]string{"project"},
	)
	m.Rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steroids_rejections_total",
			Help: "Total number of reviewer rejections",
		},
		[]string{"project"},
	)
	m.CreditIncidents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steroids_credit_incidents_total",
			Help: "Total number of credit exhaustion incidents",
		},
		[]string{"provider", "model"},
	)
	m.WakeupPasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steroids_wakeup_passes_total",
			Help: "Total number of wakeup controller passes",
		},
	)
	m.RunnersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steroids_runners_active",
			Help: "Number of runners with a fresh heartbeat",
		},
	)
	m.AgentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "steroids_agent_invocation_seconds",
			Help:    "Duration of agent invocations in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"role"},
	)

	m.registry.MustRegister(
		m.TasksCompleted, m.TasksFailed, m.Rejections, m.CreditIncidents,
		m.WakeupPasses, m.RunnersActive, m.AgentDuration,
	)
	return m
}

// Serve exposes /metrics on addr until ctx is cancelled. Blocks; run it in
// its own goroutine.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
