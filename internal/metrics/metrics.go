// Package metrics exposes Prometheus collectors for the state engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statetrail_transitions_total",
		Help: "State transitions applied, by entity type and outcome.",
	}, []string{"entity_type", "outcome"})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statetrail_cache_hits_total",
		Help: "Current-state lookups served from cache.",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statetrail_cache_misses_total",
		Help: "Current-state lookups that fell through to the database.",
	})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statetrail_webhook_deliveries_total",
		Help: "Webhook delivery attempts, by outcome.",
	}, []string{"outcome"})
)
