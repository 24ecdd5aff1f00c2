package controller

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	endpointStatusGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modelserve_endpoint_status",
		Help: "Current status of a serving endpoint (1 for the active status)",
	}, []string{
		"endpoint_id",
		"environment",
		"status",
	})

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modelserve_endpoint_transitions_total",
		Help: "Endpoint status transitions by from/to state",
	}, []string{
		"from",
		"to",
	})

	rollbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modelserve_endpoint_rollbacks_total",
		Help: "Rollback restore attempts by outcome",
	}, []string{
		"outcome",
	})

	reconcileErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modelserve_reconcile_errors_total",
		Help: "Classified adapter errors observed during reconciliation",
	}, []string{
		"kind",
	})

	registerOnce sync.Once
)

func registerMetrics() {
	registerOnce.Do(func() {
		metrics.Registry.MustRegister(
			endpointStatusGauge,
			transitionsTotal,
			rollbacksTotal,
			reconcileErrorsTotal,
		)
	})
}
