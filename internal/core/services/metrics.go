package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	txRoutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docbase",
		Subsystem: "engine",
		Name:      "tx_routed_total",
		Help:      "Transactions applied through the router, by domain.",
	}, []string{"domain"})

	txSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docbase",
		Subsystem: "engine",
		Name:      "tx_skipped_total",
		Help:      "Transactions skipped for an unsupported class or unresolvable domain.",
	})

	txDerivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docbase",
		Subsystem: "engine",
		Name:      "tx_derived_total",
		Help:      "Derived transactions generated by the derivation engine.",
	})

	derivePasses = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "docbase",
		Subsystem: "engine",
		Name:      "derive_passes",
		Help:      "Derivation work-queue passes per batch.",
		Buckets:   prometheus.LinearBuckets(1, 1, 10),
	})

	applyIfRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docbase",
		Subsystem: "engine",
		Name:      "applyif_rejected_total",
		Help:      "Conditional transactions whose predicates did not hold.",
	})
)
