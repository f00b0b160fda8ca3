// Package metrics exposes Prometheus instrumentation for the task pipeline:
// step outcomes, tool call latencies, task terminations, reconciliation match
// rate and the HTTP surface.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	stepTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "concierge",
		Subsystem: "runner",
		Name:      "steps_total",
		Help:      "Plan steps settled, partitioned by category and final status.",
	}, []string{"category", "status"})

	callLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "concierge",
		Subsystem: "protocol",
		Name:      "call_latency_ms",
		Help:      "Simulated tool call latency in milliseconds, partitioned by operation.",
		Buckets:   []float64{100, 250, 500, 1000, 1500, 2000, 2500, 3000, 5000},
	}, []string{"operation"})

	slaBreaches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "concierge",
		Subsystem: "protocol",
		Name:      "sla_breaches_total",
		Help:      "Tool calls that exceeded their SLA contract.",
	}, []string{"operation"})

	taskFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "concierge",
		Subsystem: "task",
		Name:      "finished_total",
		Help:      "Tasks that reached a terminal status.",
	}, []string{"status"})

	reconciliationRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "concierge",
		Subsystem: "settlement",
		Name:      "reconciliation_match_rate",
		Help:      "Match rate of the most recent reconciliation run.",
	})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "concierge",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests processed, partitioned by handler, method and status code.",
	}, []string{"handler", "method", "code"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "concierge",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})
)

// StepExecuted records a settled plan step.
func StepExecuted(category, status string) {
	stepTotal.WithLabelValues(category, status).Inc()
}

// CallObserved records a shaped tool call and its SLA verdict.
func CallObserved(operation string, latencyMs int64, slaMet bool) {
	callLatency.WithLabelValues(operation).Observe(float64(latencyMs))
	if !slaMet {
		slaBreaches.WithLabelValues(operation).Inc()
	}
}

// TaskFinished records a task reaching a terminal status.
func TaskFinished(status string) {
	taskFinished.WithLabelValues(status).Inc()
}

// ReconciliationMatchRate publishes the match rate of the latest run.
func ReconciliationMatchRate(rate float64) {
	reconciliationRate.Set(rate)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
