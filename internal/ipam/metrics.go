package ipam

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipamd",
			Subsystem: "address",
			Name:      "transitions_total",
			Help:      "Address state transitions by history action.",
		},
		[]string{"action"},
	)

	rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipamd",
			Subsystem: "address",
			Name:      "rejections_total",
			Help:      "Rejected assign/release attempts by error kind.",
		},
		[]string{"operation", "kind"},
	)

	bulkResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ipamd",
			Subsystem: "bulk",
			Name:      "addresses_total",
			Help:      "Addresses processed by bulk assignment, by outcome.",
		},
		[]string{"outcome"},
	)

	materialized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ipamd",
			Subsystem: "range",
			Name:      "materialized_addresses_total",
			Help:      "Address records created by range materialization.",
		},
	)

	lastSweep = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ipamd",
			Subsystem: "sweeper",
			Name:      "last_expired",
			Help:      "Quarantines expired by the most recent sweep.",
		},
	)
)

func init() {
	prometheus.MustRegister(transitions, rejections, bulkResults, materialized, lastSweep)
}

// errorKind maps an engine error onto a low-cardinality label.
func errorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrQuarantineActive):
		return "quarantine_active"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrMalformedInput):
		return "malformed_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return "internal"
}
