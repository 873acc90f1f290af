// Package metrics exposes fetch engine counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the engine's Prometheus metrics. A nil Collector is a no-op.
type Collector struct {
	unitsDispatched prometheus.Counter
	unitsDone       prometheus.Counter
	unitsFailed     *prometheus.CounterVec
	unitsSkipped    *prometheus.CounterVec
	partialWarnings prometheus.Counter
	retries         prometheus.Counter
	quotaCommitted  prometheus.Counter
	quotaReserved   prometheus.Gauge
	unitLatency     prometheus.Histogram
}

// NewCollector creates the metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		unitsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainfetch_units_dispatched_total",
			Help: "Total number of work units dispatched",
		}),
		unitsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainfetch_units_done_total",
			Help: "Total number of work units completed",
		}),
		unitsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainfetch_units_failed_total",
			Help: "Total number of work units failed, by failure kind",
		}, []string{"kind"}),
		unitsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainfetch_units_skipped_total",
			Help: "Total number of work units skipped, by reason",
		}, []string{"reason"}),
		partialWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainfetch_partial_data_warnings_total",
			Help: "Total number of units completed with partial data",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainfetch_retries_total",
			Help: "Total number of transient-error retries",
		}),
		quotaCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainfetch_quota_committed_total",
			Help: "Total quota units committed to the ledger",
		}),
		quotaReserved: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainfetch_quota_reserved",
			Help: "Quota currently held by outstanding reservations",
		}),
		unitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chainfetch_unit_latency_seconds",
			Help:    "Work unit execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.unitsDispatched,
		c.unitsDone,
		c.unitsFailed,
		c.unitsSkipped,
		c.partialWarnings,
		c.retries,
		c.quotaCommitted,
		c.quotaReserved,
		c.unitLatency,
	)
	return c
}

// RecordDispatch counts a dispatched unit.
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.unitsDispatched.Inc()
}

// RecordDone counts a completed unit and its committed cost.
func (c *Collector) RecordDone(cost int64, latency time.Duration, partial bool) {
	if c == nil {
		return
	}
	c.unitsDone.Inc()
	c.quotaCommitted.Add(float64(cost))
	c.unitLatency.Observe(latency.Seconds())
	if partial {
		c.partialWarnings.Inc()
	}
}

// RecordFailed counts a failed unit.
func (c *Collector) RecordFailed(kind string, latency time.Duration) {
	if c == nil {
		return
	}
	c.unitsFailed.WithLabelValues(kind).Inc()
	c.unitLatency.Observe(latency.Seconds())
}

// RecordSkipped counts a unit that will not be attempted again.
func (c *Collector) RecordSkipped(reason string) {
	if c == nil {
		return
	}
	c.unitsSkipped.WithLabelValues(reason).Inc()
}

// RecordRetry counts one transient retry.
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.retries.Inc()
}

// RecordCommitted counts quota committed outside a completed unit.
func (c *Collector) RecordCommitted(cost int64) {
	if c == nil {
		return
	}
	c.quotaCommitted.Add(float64(cost))
}

// SetReserved reports the quota currently held.
func (c *Collector) SetReserved(reserved int64) {
	if c == nil {
		return
	}
	c.quotaReserved.Set(float64(reserved))
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
