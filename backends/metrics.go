package backends

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	substitutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nnfuse_optimizer_substitutions_total",
		Help: "Total number of subgraph substitutions produced per backend",
	}, []string{"backend"})

	untouchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nnfuse_optimizer_untouched_views_total",
		Help: "Total number of untouched subgraph views reported per backend",
	}, []string{"backend"})

	allocatedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nnfuse_memory_allocated_bytes_total",
		Help: "Total bytes handed out by backend memory managers",
	}, []string{"backend"})

	freedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nnfuse_memory_freed_bytes_total",
		Help: "Total bytes returned to backend memory managers",
	}, []string{"backend"})
)
