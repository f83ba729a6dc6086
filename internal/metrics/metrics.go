// Package metrics exposes Prometheus counters for the update engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cfu",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Requests processed by the client task.",
		},
		[]string{"kind", "outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cfu",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Time to process one request.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cfu",
			Subsystem: "component",
			Name:      "state_transitions_total",
			Help:      "Component state transitions.",
		},
		[]string{"component", "from", "to"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cfu",
			Subsystem: "component",
			Name:      "notifications_total",
			Help:      "Notifications published by components.",
		},
		[]string{"component", "kind"},
	)
	sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cfu",
			Subsystem: "host",
			Name:      "sessions_total",
			Help:      "Host update sessions by result.",
		},
		[]string{"component", "result"},
	)
	droppedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cfu",
			Subsystem: "telemetry",
			Name:      "events_dropped_total",
			Help:      "Component events dropped because the telemetry queue was full.",
		},
	)
)

// Register registers the collectors with the default registry. Safe to call repeatedly.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(requests, requestDuration, transitions, notifications, sessions, droppedEvents)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// RecordRequest counts one processed request.
func RecordRequest(kind string, err error, d time.Duration) {
	Register()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	requests.WithLabelValues(kind, outcome).Inc()
	requestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordTransition counts one state transition.
func RecordTransition(component uint8, from, to string) {
	Register()
	transitions.WithLabelValues(strconv.Itoa(int(component)), from, to).Inc()
}

// RecordNotification counts one component notification.
func RecordNotification(component uint8, kind string) {
	Register()
	notifications.WithLabelValues(strconv.Itoa(int(component)), kind).Inc()
}

// RecordSession counts one finished host update session.
func RecordSession(component uint8, result string) {
	Register()
	sessions.WithLabelValues(strconv.Itoa(int(component)), result).Inc()
}

// RecordDroppedEvent counts one telemetry event lost to a full queue.
func RecordDroppedEvent() {
	Register()
	droppedEvents.Inc()
}
