// Package metrics records refresh outcomes in a private Prometheus registry.
//
// The refresher is a batch job, so instead of serving /metrics the registry is
// flushed to a node-exporter textfile once a run completes.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const defaultNamespace = "fixturerefresh"

// Outcome labels used by the files counter.
const (
	OutcomeRefreshed = "refreshed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Option configures behaviour of a Registry.
type Option func(*options)

type options struct {
	namespace                 string
	registerDefaultCollectors bool
}

// WithNamespace overrides the metric namespace.
func WithNamespace(namespace string) Option {
	return func(o *options) {
		if ns := strings.TrimSpace(namespace); ns != "" {
			o.namespace = ns
		}
	}
}

// WithoutDefaultCollectors disables automatic registration of Go and process
// collectors. Useful for tests.
func WithoutDefaultCollectors() Option {
	return func(o *options) {
		o.registerDefaultCollectors = false
	}
}

// Registry wraps a Prometheus registry preloaded with the refresher collectors.
type Registry struct {
	registry      *prometheus.Registry
	files         *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	lastRun       prometheus.Gauge
}

// NewRegistry creates a registry with the refresher collectors registered.
func NewRegistry(opts ...Option) *Registry {
	settings := options{
		namespace:                 defaultNamespace,
		registerDefaultCollectors: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	reg := prometheus.NewRegistry()
	if settings.registerDefaultCollectors {
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	r := &Registry{
		registry: reg,
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: settings.namespace,
			Name:      "files_total",
			Help:      "Fixture files processed, partitioned by outcome.",
		}, []string{"outcome"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: settings.namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Latency of upstream record fetches.",
			Buckets:   prometheus.DefBuckets,
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: settings.namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last refresh run completed.",
		}),
	}
	reg.MustRegister(r.files, r.fetchDuration, r.lastRun)
	return r
}

// ObserveFile increments the files counter for outcome.
func (r *Registry) ObserveFile(outcome string) {
	if r == nil {
		return
	}
	r.files.WithLabelValues(outcome).Inc()
}

// ObserveFetch records the latency of a single upstream fetch.
func (r *Registry) ObserveFetch(d time.Duration) {
	if r == nil {
		return
	}
	r.fetchDuration.Observe(d.Seconds())
}

// MarkRunComplete stamps the completion time of a run.
func (r *Registry) MarkRunComplete(at time.Time) {
	if r == nil {
		return
	}
	r.lastRun.Set(float64(at.Unix()))
}

// WriteTextfile writes every registered metric to path in the text
// exposition format. The write is atomic.
func (r *Registry) WriteTextfile(path string) error {
	if r == nil || strings.TrimSpace(path) == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}

// Raw returns the underlying Prometheus registry for advanced use cases.
func (r *Registry) Raw() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}
