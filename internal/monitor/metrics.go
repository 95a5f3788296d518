package monitor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "compile"

// Metrics holds all Prometheus metrics for the compile service.
type Metrics struct {
	Registry *prometheus.Registry

	JobsSubmitted      prometheus.Counter
	DuplicateSubmits   prometheus.Counter
	JobOutcomes        *prometheus.CounterVec
	PhaseDuration      *prometheus.HistogramVec
	ActiveJobs         prometheus.Gauge
	SystemFaults       *prometheus.CounterVec
	SlotRecreations    *prometheus.CounterVec
	SlotUsage          *prometheus.GaugeVec
	DeadLetters        prometheus.Counter
	CallbackDeliveries *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	RequestsInFlight   prometheus.Gauge
	CodeSizeBytes      prometheus.Histogram
	OutputSizeBytes    prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted into the pending queue.",
		}),

		DuplicateSubmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_duplicate_total",
			Help:      "Submissions dropped because the job id was already locked.",
		}),

		JobOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_outcomes_total",
				Help:      "Finished jobs by terminal status and outcome kind.",
			},
			[]string{"status", "kind"},
		),

		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of pipeline phases in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30},
			},
			[]string{"phase"},
		),

		ActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Jobs currently held by a worker.",
		}),

		SystemFaults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "system_faults_total",
				Help:      "Attempts that could not run, by phase.",
			},
			[]string{"phase"},
		),

		SlotRecreations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "slot",
				Name:      "recreations_total",
				Help:      "Sandbox slot container recreations by reason.",
			},
			[]string{"reason"},
		),

		SlotUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "slot",
				Name:      "usage",
				Help:      "Attempts served by the current container of each slot.",
			},
			[]string{"worker"},
		),

		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Jobs moved to the dead-letter list.",
		}),

		CallbackDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "callback_deliveries_total",
				Help:      "Webhook deliveries by result.",
			},
			[]string{"result"},
		),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting in the pending FIFO at the last health probe.",
		}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed.",
		}),

		CodeSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "code_size_bytes",
			Help:      "Size of submitted source in bytes.",
			Buckets:   prometheus.ExponentialBuckets(100, 4, 6),
		}),

		OutputSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "output_size_bytes",
			Help:      "Size of stored job output in bytes.",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
		}),
	}

	reg.MustRegister(
		m.JobsSubmitted,
		m.DuplicateSubmits,
		m.JobOutcomes,
		m.PhaseDuration,
		m.ActiveJobs,
		m.SystemFaults,
		m.SlotRecreations,
		m.SlotUsage,
		m.DeadLetters,
		m.CallbackDeliveries,
		m.QueueDepth,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordOutcome records a finished job.
func (m *Metrics) RecordOutcome(status, kind string, outputBytes int) {
	m.JobOutcomes.WithLabelValues(status, kind).Inc()
	m.OutputSizeBytes.Observe(float64(outputBytes))
}

func (m *Metrics) RecordPhase(phase string, durationSec float64) {
	m.PhaseDuration.WithLabelValues(phase).Observe(durationSec)
}

func (m *Metrics) RecordFault(phase string) {
	m.SystemFaults.WithLabelValues(phase).Inc()
}

// RecordRecreation counts a slot rebuild and resets its usage gauge.
func (m *Metrics) RecordRecreation(workerID int, reason string) {
	m.SlotRecreations.WithLabelValues(reason).Inc()
	m.SlotUsage.WithLabelValues(strconv.Itoa(workerID)).Set(0)
}

func (m *Metrics) SetSlotUsage(workerID, usage int) {
	m.SlotUsage.WithLabelValues(strconv.Itoa(workerID)).Set(float64(usage))
}

func (m *Metrics) RecordCallback(result string) {
	m.CallbackDeliveries.WithLabelValues(result).Inc()
}
