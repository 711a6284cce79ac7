package directive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synthd",
			Subsystem: "feedback",
			Name:      "grades_total",
			Help:      "Grades recorded by source",
		},
		[]string{"source"},
	)

	directivesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synthd",
			Subsystem: "feedback",
			Name:      "directives_issued_total",
			Help:      "Directives issued by severity",
		},
		[]string{"severity"},
	)
)
