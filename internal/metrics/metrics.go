// Package metrics holds the prometheus collectors shared by the coordinator
// and node binaries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "torua"

const (
	MetricOwnershipChecks   = "ownership_checks_total"
	MetricCloneOperations   = "clone_total"
	MetricMapVersion        = "map_version"
	MetricCatalogOperations = "operations_total"
	MetricRefreshes         = "refresh_total"
)

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
	ResultOwned = "owned"
	ResultOther = "not_owned"
)

var CounterOwnershipChecks = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "partition",
		Name:      MetricOwnershipChecks,
		Help:      "Ownership decisions made against the local partition maps.",
	},
	[]string{"result"},
)

var CounterCloneOperations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "partition",
		Name:      MetricCloneOperations,
		Help:      "Partition map clone operations by kind and outcome.",
	},
	[]string{"op", "result"},
)

var GaugeMapVersion = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "partition",
		Name:      MetricMapVersion,
		Help:      "Version of the partition map currently installed per collection.",
	},
	[]string{"namespace"},
)

var CounterCatalogOperations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "catalog",
		Name:      MetricCatalogOperations,
		Help:      "Catalog mutations by kind and outcome.",
	},
	[]string{"op", "result"},
)

var CounterRefreshes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "node",
		Name:      MetricRefreshes,
		Help:      "Full partition map refreshes from the coordinator.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(CounterOwnershipChecks)
	prometheus.MustRegister(CounterCloneOperations)
	prometheus.MustRegister(GaugeMapVersion)
	prometheus.MustRegister(CounterCatalogOperations)
	prometheus.MustRegister(CounterRefreshes)
}

// Result maps an operation error to the result label.
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// Owned maps an ownership decision to the result label.
func Owned(owned bool) string {
	if owned {
		return ResultOwned
	}
	return ResultOther
}

// Handler serves the default registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
