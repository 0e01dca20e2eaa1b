package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	kindHostOverride    = "host_override"
	kindPortForwardRule = "port_forward_rule"

	resultSuccess        = "success"
	resultFailure        = "failure"
	resultInventoryError = "inventory_error"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opnsense_docker_sync_cycles_total",
			Help: "Number of reconciliation cycles by outcome.",
		},
		[]string{"result"},
	)

	createsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opnsense_docker_sync_creates_total",
			Help: "Number of create calls against OPNsense by object kind and outcome.",
		},
		[]string{"kind", "result"},
	)

	labelRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opnsense_docker_sync_label_rejections_total",
			Help: "Number of container labels skipped while building desired state.",
		},
		[]string{"reason"},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opnsense_docker_sync_cycle_duration_seconds",
			Help:    "Duration of reconciliation cycles in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(Collectors()...)
}

// Collectors returns all reconciler metric collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		cyclesTotal,
		createsTotal,
		labelRejectionsTotal,
		cycleDuration,
	}
}
