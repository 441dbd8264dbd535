package targets

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	droppedAppends = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "netlock",
		Name:      "log_appends_dropped_total",
		Help:      "Log entries that could not be persisted to their partition.",
	})

	mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netlock",
		Name:      "target_mutations_total",
		Help:      "Snapshot mutations persisted, by operation.",
	}, []string{"op"})
)
