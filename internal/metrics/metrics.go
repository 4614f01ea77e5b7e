// Package metrics holds the Prometheus collectors of the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all relay collectors.
type Metrics struct {
	// DeliveryRecords counts records created per status.
	DeliveryRecords *prometheus.CounterVec
	// Outcomes counts reconciled delivery outcomes per terminal status.
	Outcomes *prometheus.CounterVec
	// FetchFailures counts fetch and parse failures per kind.
	FetchFailures *prometheus.CounterVec
	// Disabled counts published disable events per target (feed, destination).
	Disabled *prometheus.CounterVec
	// RunDuration observes how long a feed run takes from event publish to its end.
	RunDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DeliveryRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rss_relay",
				Subsystem: "delivery",
				Name:      "records_total",
				Help:      "Delivery records created, by status",
			},
			[]string{"status"},
		),
		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rss_relay",
				Subsystem: "delivery",
				Name:      "outcomes_total",
				Help:      "Delivery outcomes reconciled, by terminal status and code",
			},
			[]string{"status", "code"},
		),
		FetchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rss_relay",
				Subsystem: "fetch",
				Name:      "failures_total",
				Help:      "Feed fetch failures, by kind",
			},
			[]string{"kind"},
		),
		Disabled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rss_relay",
				Subsystem: "pipeline",
				Name:      "disabled_total",
				Help:      "Disable events published, by target and rejection code",
			},
			[]string{"target", "code"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "rss_relay",
				Subsystem: "pipeline",
				Name:      "run_duration_seconds",
				Help:      "Seconds from feed event publish to the end of its run",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
	}
	reg.MustRegister(m.DeliveryRecords, m.Outcomes, m.FetchFailures, m.Disabled, m.RunDuration)
	return m
}
