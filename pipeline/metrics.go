package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the counters of one run. They live in a private registry so
// that concurrent runs in one process do not share them.
type metrics struct {
	registry *prometheus.Registry

	samples   *prometheus.CounterVec
	tasks     *prometheus.CounterVec
	reads     *prometheus.CounterVec
	duration  prometheus.Histogram
	workers   prometheus.Gauge
	inFlight  prometheus.Gauge
	retried   prometheus.Counter
	reusedRun prometheus.Counter

	maxInFlight int
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &metrics{
		registry: reg,
		samples: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "readcount",
			Name:      "samples_total",
			Help:      "Samples processed, by status.",
		}, []string{"status"}),
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "readcount",
			Name:      "tasks_total",
			Help:      "Extraction tasks, by status.",
		}, []string{"status"}),
		reads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "readcount",
			Name:      "reads_total",
			Help:      "Reads, by disposition: scanned, matched, ambiguous or counted.",
		}, []string{"kind"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "readcount",
			Name:      "sample_duration_seconds",
			Help:      "Wall time of a sample from staging to the written table.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		workers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "readcount",
			Name:      "workers",
			Help:      "Worker bound of the last sample.",
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "readcount",
			Name:      "max_tasks_in_flight",
			Help:      "Largest number of concurrent extraction tasks seen.",
		}),
		retried: f.NewCounter(prometheus.CounterOpts{
			Namespace: "readcount",
			Name:      "tasks_retried_total",
			Help:      "Extraction tasks retried after resource exhaustion.",
		}),
		reusedRun: f.NewCounter(prometheus.CounterOpts{
			Namespace: "readcount",
			Name:      "partitions_reused_total",
			Help:      "Samples whose staged partitions were reused.",
		}),
	}
}

func (m *metrics) observe(s *SampleReport) {
	status := "succeeded"
	if s.Err != nil {
		status = "failed"
	}
	m.samples.WithLabelValues(status).Inc()
	m.tasks.WithLabelValues("succeeded").Add(float64(s.Tasks.Succeeded))
	m.tasks.WithLabelValues("failed").Add(float64(s.Tasks.Failed))
	m.retried.Add(float64(s.Tasks.Retried))
	if s.Tasks.Workers > 0 {
		m.workers.Set(float64(s.Tasks.Workers))
	}
	if s.Tasks.MaxInFlight > m.maxInFlight {
		m.maxInFlight = s.Tasks.MaxInFlight
		m.inFlight.Set(float64(m.maxInFlight))
	}
	if s.Partitions.Reused {
		m.reusedRun.Inc()
	}
	m.reads.WithLabelValues("scanned").Add(float64(s.Counts.TotalReads))
	m.reads.WithLabelValues("matched").Add(float64(s.Counts.MatrixReads))
	m.reads.WithLabelValues("ambiguous").Add(float64(s.Counts.Ambiguous))
	m.reads.WithLabelValues("counted").Add(float64(s.Counts.Counted))
	m.duration.Observe(s.Duration.Seconds())
}

// write stores the metrics at path in the node-exporter textfile format.
func (m *metrics) write(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
