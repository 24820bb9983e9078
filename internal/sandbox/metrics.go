package sandbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// executionsTotal counts finished executions by engine and status
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandbox_executions_total",
		Help: "Total sandbox executions by engine and status",
	}, []string{"engine", "status"})

	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sandbox_execution_duration_seconds",
		Help:    "Sandbox execution wall time in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 9), // 1ms to ~65s
	}, []string{"engine"})

	queueRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sandbox_queue_rejections_total",
		Help: "Executions rejected because the queue was full",
	})

	// queueInflight is admitted work: running plus waiting for a slot
	queueInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sandbox_queue_inflight",
		Help: "Executions admitted to the queue and not yet finished",
	})
)

func observe(engine string, r Result) {
	executionsTotal.WithLabelValues(engine, r.Status()).Inc()
	executionDuration.WithLabelValues(engine).Observe(r.Duration.Seconds())
}
