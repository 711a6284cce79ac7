package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synthd",
			Subsystem: "memory",
			Name:      "queries_total",
			Help:      "Memory queries by result (ok, degraded)",
		},
		[]string{"result"},
	)

	upsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synthd",
			Subsystem: "memory",
			Name:      "upserts_total",
			Help:      "Memory upserts by result (ok, error)",
		},
		[]string{"result"},
	)
)

func recordUpsert(err error) {
	if err != nil {
		upsertsTotal.WithLabelValues("error").Inc()
		return
	}
	upsertsTotal.WithLabelValues("ok").Inc()
}
