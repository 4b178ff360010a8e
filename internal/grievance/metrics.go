package grievance

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// SubmitEvent describes one finished submission for observers.
type SubmitEvent struct {
	Result         string // accepted, rejected, no_capacity, error
	Category       string
	Urgency        string
	Duplicate      bool
	DuplicateError bool
	Fallback       bool
	Priority       float64
	Duration       float64
}

// Hooks receives service lifecycle callbacks. Nil fields are skipped.
type Hooks struct {
	OnSubmit     func(e *SubmitEvent)
	OnTransition func(from, to Status)
	OnAssign     func(kind string)
	OnComment    func(kind EventKind, internal bool)
	OnNotify     func(template string, err error)
	OnEscalate   func()
}

// Metrics holds Prometheus metrics for the grievance workflow.
type Metrics struct {
	SubmissionsTotal   *prometheus.CounterVec
	SubmissionDuration prometheus.Histogram
	ClassifiedTotal    *prometheus.CounterVec
	PriorityScore      prometheus.Histogram
	DuplicatesTotal    prometheus.Counter
	DuplicateErrors    prometheus.Counter
	RoutingFallbacks   prometheus.Counter
	TransitionsTotal   *prometheus.CounterVec
	AssignmentsTotal   *prometheus.CounterVec
	AnnotationsTotal   *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	EscalationsTotal   prometheus.Counter
}

// NewMetrics registers and returns grievance metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grievd_submissions_total",
			Help: "Total grievance submissions by result.",
		}, []string{"result"}),
		SubmissionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grievd_submission_duration_seconds",
			Help:    "Duration of grievance submissions in seconds, triage and routing included.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}),
		ClassifiedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grievd_classified_total",
			Help: "Accepted grievances by category and urgency.",
		}, []string{"category", "urgency"}),
		PriorityScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grievd_priority_score",
			Help:    "Priority score of accepted grievances.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0 .. 1
		}),
		DuplicatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grievd_duplicates_total",
			Help: "Accepted grievances flagged as duplicates.",
		}),
		DuplicateErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grievd_duplicate_detection_errors_total",
			Help: "Duplicate checks that degraded to no match.",
		}),
		RoutingFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grievd_routing_fallbacks_total",
			Help: "Grievances routed outside their category's department code.",
		}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grievd_status_transitions_total",
			Help: "Accepted status transitions by source and target status.",
		}, []string{"from", "to"}),
		AssignmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grievd_assignments_total",
			Help: "Officer assignments by kind.",
		}, []string{"kind"}),
		AnnotationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grievd_annotations_total",
			Help: "Comments and attachments recorded on grievances.",
		}, []string{"kind", "internal"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grievd_notifications_total",
			Help: "Notification requests by template and status.",
		}, []string{"template", "status"}),
		EscalationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grievd_escalations_total",
			Help: "Escalation events recorded.",
		}),
	}

	reg.MustRegister(
		m.SubmissionsTotal,
		m.SubmissionDuration,
		m.ClassifiedTotal,
		m.PriorityScore,
		m.DuplicatesTotal,
		m.DuplicateErrors,
		m.RoutingFallbacks,
		m.TransitionsTotal,
		m.AssignmentsTotal,
		m.AnnotationsTotal,
		m.NotificationsTotal,
		m.EscalationsTotal,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnSubmit: func(e *SubmitEvent) {
			m.SubmissionsTotal.WithLabelValues(e.Result).Inc()
			m.SubmissionDuration.Observe(e.Duration)
			if e.DuplicateError {
				m.DuplicateErrors.Inc()
			}
			if e.Result != "accepted" {
				return
			}
			m.ClassifiedTotal.WithLabelValues(e.Category, e.Urgency).Inc()
			m.PriorityScore.Observe(e.Priority)
			if e.Duplicate {
				m.DuplicatesTotal.Inc()
			}
			if e.Fallback {
				m.RoutingFallbacks.Inc()
			}
		},
		OnTransition: func(from, to Status) {
			m.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		},
		OnAssign: func(kind string) {
			m.AssignmentsTotal.WithLabelValues(kind).Inc()
		},
		OnComment: func(kind EventKind, internal bool) {
			m.AnnotationsTotal.WithLabelValues(string(kind), strconv.FormatBool(internal)).Inc()
		},
		OnNotify: func(template string, err error) {
			status := "sent"
			if err != nil {
				status = "error"
			}
			m.NotificationsTotal.WithLabelValues(template, status).Inc()
		},
		OnEscalate: func() {
			m.EscalationsTotal.Inc()
		},
	}
}
