// README: Prometheus collectors for dispatch outcomes and HTTP traffic.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Dispatch counts what the coordinator did. The zero value is not usable; build
// it with NewDispatch.
type Dispatch struct {
	AssignmentsCreated  prometheus.Counter
	NoCandidates        prometheus.Counter
	AcceptOutcomes      *prometheus.CounterVec
	NotificationsFailed *prometheus.CounterVec
	Completions         prometheus.Counter
	Expired             prometheus.Counter
}

// NewDispatch creates the dispatch collectors and registers them on reg when
// reg is not nil.
func NewDispatch(reg prometheus.Registerer) *Dispatch {
	d := &Dispatch{
		AssignmentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_assignments_created_total",
			Help: "Total number of assignments broadcast to couriers",
		}),
		NoCandidates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_no_candidates_total",
			Help: "Total number of dispatch attempts that found no available courier",
		}),
		AcceptOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_accept_outcomes_total",
			Help: "Courier accept attempts by result",
		}, []string{"result"}),
		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_notifications_failed_total",
			Help: "Pushes that could not be delivered, by event",
		}, []string{"event"}),
		Completions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_completions_total",
			Help: "Total number of assignments completed",
		}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_broadcasts_expired_total",
			Help: "Total number of broadcasts closed by the TTL monitor",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			d.AssignmentsCreated,
			d.NoCandidates,
			d.AcceptOutcomes,
			d.NotificationsFailed,
			d.Completions,
			d.Expired,
		)
	}
	return d
}

// HTTP holds request counters used by the gin observability middleware.
type HTTP struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

func NewHTTP(reg prometheus.Registerer) *HTTP {
	h := &HTTP{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}
	if reg != nil {
		reg.MustRegister(h.Requests, h.Duration)
	}
	return h
}
