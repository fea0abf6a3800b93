// Package metrics exposes Prometheus counters for the session orchestrator
// and the audit queue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchorage_sessions_opened_total",
		Help: "Number of terminal sessions successfully opened.",
	})

	SessionsTerminated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anchorage_sessions_terminated_total",
		Help: "Number of terminal sessions that reached a terminal state.",
	}, []string{"status"})

	SessionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anchorage_sessions_rejected_total",
		Help: "Number of session open attempts rejected before creation.",
	}, []string{"reason"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "anchorage_active_sessions",
		Help: "Number of currently active terminal sessions.",
	})

	CaptureTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchorage_capture_ticks_total",
		Help: "Number of capture ticks executed across all sessions.",
	})

	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchorage_audit_events_dropped_total",
		Help: "Number of audit events dropped because the queue was full.",
	})
)
