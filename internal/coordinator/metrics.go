package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "simopt_coordinator_polls_total",
			Help: "Session status polls performed.",
		},
	)

	sessionsCompletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "simopt_coordinator_sessions_completed_total",
			Help: "Sessions driven to completion by this coordinator.",
		},
	)

	sessionsStalledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "simopt_coordinator_sessions_stalled_total",
			Help: "Sessions that exceeded the polling budget.",
		},
	)
)
