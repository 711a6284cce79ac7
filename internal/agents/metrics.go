package agents

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synthd",
			Subsystem: "agents",
			Name:      "generations_total",
			Help:      "Prompt generations by role, step and result (ok, error)",
		},
		[]string{"role", "step", "result"},
	)

	reviewsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synthd",
			Subsystem: "agents",
			Name:      "reviews_total",
			Help:      "Draft reviews by stage and verdict (pass, revise)",
		},
		[]string{"stage", "verdict"},
	)
)
