// Package observability exposes prometheus metrics for the search subsystem.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons for search parameters that contributed no predicate. The
// compiler is fail-open: a dropped parameter broadens the result set instead
// of failing the request, so the drops need to be visible somewhere.
const (
	DropReasonUnresolvedPath = "unresolved_path"
	DropReasonValueParse     = "value_parse"
	DropReasonCompositeArity = "composite_arity"
)

var (
	parametersCompiled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "healthgrid_search_parameters_compiled_total",
		Help: "Search parameters successfully compiled into a predicate.",
	})

	parametersDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthgrid_search_parameters_dropped_total",
		Help: "Search parameters dropped without contributing a predicate, by reason.",
	}, []string{"reason"})

	searchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "healthgrid_search_duration_seconds",
		Help:    "Wall time of search query execution (count plus page fetch).",
		Buckets: prometheus.DefBuckets,
	}, []string{"resource_type"})
)

// SearchParameterCompiled counts a parameter that produced a predicate.
func SearchParameterCompiled() {
	parametersCompiled.Inc()
}

// SearchParameterDropped counts a fail-open parameter drop.
func SearchParameterDropped(reason string) {
	parametersDropped.WithLabelValues(reason).Inc()
}

// ObserveSearchDuration records how long one search execution took.
func ObserveSearchDuration(resourceType string, d time.Duration) {
	searchDuration.WithLabelValues(resourceType).Observe(d.Seconds())
}
