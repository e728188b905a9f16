package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourusername/claims-workflow/pkg/tasks"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Counters
	assignmentsCreated *prometheus.CounterVec
	reassignments      *prometheus.CounterVec
	oracleRequests     *prometheus.CounterVec
	escalations        *prometheus.CounterVec
	jobRuns            *prometheus.CounterVec
	jobSkipped         *prometheus.CounterVec

	// Gauges
	tasksPending    *prometheus.GaugeVec
	tasksUnassigned *prometheus.GaugeVec
	tasksOverdue    *prometheus.GaugeVec

	// Histograms
	jobDuration    *prometheus.HistogramVec
	oracleDuration prometheus.Histogram
}

// NewMetrics creates all metrics and registers them with reg when it is not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		assignmentsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_assignments_created_total",
				Help: "Total number of assignments created",
			},
			[]string{"kind", "source"},
		),
		reassignments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_reassignments_total",
				Help: "Total number of active assignments moved to another handler",
			},
			[]string{"kind", "source"},
		),
		oracleRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_oracle_requests_total",
				Help: "Scoring oracle calls by outcome",
			},
			[]string{"outcome"},
		),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_escalations_total",
				Help: "SLA escalations by target role",
			},
			[]string{"kind", "target_role"},
		),
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_job_runs_total",
				Help: "Scheduled and manual job runs by outcome",
			},
			[]string{"job", "status"},
		),
		jobSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_job_skipped_total",
				Help: "Job ticks skipped because the pool lock was held",
			},
			[]string{"job"},
		),
		tasksPending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "workflow_tasks_pending",
				Help: "Non-terminal tasks seen by the last aggregation pass",
			},
			[]string{"kind"},
		),
		tasksUnassigned: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "workflow_tasks_unassigned",
				Help: "Tasks left without an eligible handler after the last run",
			},
			[]string{"kind"},
		),
		tasksOverdue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "workflow_tasks_overdue",
				Help: "Overdue tasks found by the last SLA sweep",
			},
			[]string{"kind"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_job_duration_seconds",
				Help:    "Job run duration in seconds",
				Buckets: []float64{.05, .1, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"job"},
		),
		oracleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "workflow_oracle_duration_seconds",
				Help:    "Time spent waiting on the scoring oracle",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.assignmentsCreated,
			m.reassignments,
			m.oracleRequests,
			m.escalations,
			m.jobRuns,
			m.jobSkipped,
			m.tasksPending,
			m.tasksUnassigned,
			m.tasksOverdue,
			m.jobDuration,
			m.oracleDuration,
		)
	}

	return m
}

// ObserveRun records one finished job run
func (m *Metrics) ObserveRun(job, status string, d time.Duration) {
	m.jobRuns.WithLabelValues(job, status).Inc()
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// ObserveSkip records a job tick skipped on lock contention
func (m *Metrics) ObserveSkip(job string) {
	m.jobSkipped.WithLabelValues(job).Inc()
}

// setByKind resets g and sets one sample per task kind
func setByKind(g *prometheus.GaugeVec, list []tasks.Task) {
	g.Reset()
	for _, kind := range tasks.Kinds {
		g.WithLabelValues(string(kind)).Set(0)
	}
	for _, t := range list {
		g.WithLabelValues(string(t.Kind)).Inc()
	}
}
