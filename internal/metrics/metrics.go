// Package metrics exposes storage engine instrumentation to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/myuser/strata/internal/storage"
)

const namespace = "strata"

// Registry holds every collector of this package. It is separate from the
// default registry so embedding programs choose what they expose.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	Operations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Engine operations by engine and operation.",
	}, []string{"engine", "op"})

	Errors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Failed engine operations by error kind.",
	}, []string{"engine", "op", "kind"})

	OperationSeconds = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Engine operation latency.",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"engine", "op"})

	Flushes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flushes_total",
		Help:      "Memtables flushed to sorted tables.",
	})

	FlushBytes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flush_bytes_total",
		Help:      "Bytes written by flushes.",
	})

	Compactions = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compactions_total",
		Help:      "Completed compactions.",
	})

	CompactionBytes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compaction_bytes_total",
		Help:      "Bytes written by compactions.",
	})

	BackgroundRetries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "background_retries_total",
		Help:      "Failed background attempts that were retried.",
	}, []string{"task"})

	Quarantined = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quarantined_tables_total",
		Help:      "Sorted tables removed from service after failing an integrity check.",
	})

	WriteStalls = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "write_stalls_total",
		Help:      "Writes that waited for a flush to make room.",
	})

	MemtableBytes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "memtable_bytes",
		Help:      "Approximate size of the active memtable.",
	})

	Runs = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "runs",
		Help:      "Live sorted tables.",
	})

	RunBytes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "run_bytes",
		Help:      "Total size of live sorted tables.",
	})
)

// Kind names the error class of err for the errors counter.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, storage.ErrClosed):
		return "closed"
	case storage.IsCorruption(err):
		return "corruption"
	case storage.IsIO(err):
		return "io"
	case storage.IsNotFound(err):
		return "not_found"
	default:
		return "other"
	}
}

// Observe records one finished operation.
func Observe(engine, op string, start time.Time, err error) {
	Operations.WithLabelValues(engine, op).Inc()
	OperationSeconds.WithLabelValues(engine, op).Observe(time.Since(start).Seconds())
	if err != nil {
		Errors.WithLabelValues(engine, op, Kind(err)).Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
