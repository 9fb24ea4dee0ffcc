package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes migration metrics.
type Collector struct {
	registry    *prometheus.Registry
	stagesTotal *prometheus.CounterVec
	bytesTotal  prometheus.Counter
	syncRanges  prometheus.Counter
	inflight    prometheus.Gauge
	duration    *prometheus.HistogramVec
}

// New creates a new metrics collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		stagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vmshift_stages_total",
				Help: "Total number of pipeline stage executions",
			},
			[]string{"stage", "status"},
		),
		bytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vmshift_bytes_total",
				Help: "Total bytes transferred from sources",
			},
		),
		syncRanges: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vmshift_sync_ranges_total",
				Help: "Total changed ranges applied by incremental sync",
			},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vmshift_inflight_jobs",
				Help: "Number of jobs currently running",
			},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vmshift_stage_duration_seconds",
				Help:    "Time taken by each pipeline stage",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"stage"},
		),
	}

	c.registry.MustRegister(c.stagesTotal)
	c.registry.MustRegister(c.bytesTotal)
	c.registry.MustRegister(c.syncRanges)
	c.registry.MustRegister(c.inflight)
	c.registry.MustRegister(c.duration)

	return c
}

// StageDone records one stage execution with its outcome.
func (c *Collector) StageDone(stage, status string) {
	c.stagesTotal.WithLabelValues(stage, status).Inc()
}

// AddBytes adds to total bytes transferred.
func (c *Collector) AddBytes(bytes int64) {
	c.bytesTotal.Add(float64(bytes))
}

// AddSyncRanges adds applied incremental ranges.
func (c *Collector) AddSyncRanges(n int) {
	c.syncRanges.Add(float64(n))
}

// JobStarted increments the inflight gauge.
func (c *Collector) JobStarted() { c.inflight.Inc() }

// JobFinished decrements the inflight gauge.
func (c *Collector) JobFinished() { c.inflight.Dec() }

// ObserveStage observes one stage duration.
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	c.duration.WithLabelValues(stage).Observe(d.Seconds())
}

// Handler returns the scrape handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics HTTP server until ctx is cancelled, then shuts the
// listener down gracefully.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}
