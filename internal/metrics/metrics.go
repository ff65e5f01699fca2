// Package metrics defines the Prometheus collectors of the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fennac"

var (
	// ClientInitializations counts client handle initializations by result.
	ClientInitializations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "client_initializations_total",
		Help:      "Order-book client initializations by result.",
	}, []string{"result"})

	// MarketFetches counts market-data lookups by result.
	MarketFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "market_fetches_total",
		Help:      "Market-data lookups by result.",
	}, []string{"result"})

	// Submissions counts finished order submissions by outcome reason.
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_submissions_total",
		Help:      "Finished order submissions by outcome.",
	}, []string{"outcome"})

	SubmissionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "order_submission_duration_seconds",
		Help:      "Time from submit to success or failure.",
		Buckets:   prometheus.DefBuckets,
	})

	FeedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feed_messages_total",
		Help:      "Market websocket messages by event type.",
	}, []string{"event"})

	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "websocket_clients",
		Help:      "Connected browser websocket clients.",
	})
)
