// Package cometmetrics provides Prometheus instrumentation for the comet
// engine, following the same package-level-collector-plus-init()
// registration shape used elsewhere in this codebase's lineage.
package cometmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ChannelsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "comet_channels_total",
		Help: "Current number of live virtual channels.",
	})

	ChannelCreationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "comet_channel_creations_total",
		Help: "Total number of successful channel creations.",
	})

	ChannelRejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "comet_channel_rejections_total",
		Help: "Total number of channel creations rejected by the population cap.",
	})

	ListenersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "comet_listeners_total",
		Help: "Current sum of listener counts across all channels.",
	})

	EventsPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "comet_events_published_total",
		Help: "Total number of events published by producers.",
	})

	EventsDeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "comet_events_delivered_total",
		Help: "Total number of tagged events confirmed delivered to a client.",
	})

	EventsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "comet_events_failed_total",
		Help: "Total number of tagged events whose transmission failed.",
	})

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comet_request_duration_seconds",
			Help:    "Latency of comet requests from handler entry, by outcome.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(ChannelsTotal)
	prometheus.MustRegister(ChannelCreationsTotal)
	prometheus.MustRegister(ChannelRejectionsTotal)
	prometheus.MustRegister(ListenersTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsDeliveredTotal)
	prometheus.MustRegister(EventsFailedTotal)
	prometheus.MustRegister(RequestDuration)
}

// Handler returns the Prometheus scrape handler for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Outcome labels a completed request for RequestDuration.
type Outcome string

const (
	OutcomeDelivered     Outcome = "delivered"
	OutcomeFailed        Outcome = "failed"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeCanceled      Outcome = "canceled"
	OutcomeEnded         Outcome = "ended"
	OutcomeBadRequest    Outcome = "bad_request"
	OutcomeInputTooLarge Outcome = "input_too_large"
)

// RequestTimer measures one request's latency from handler entry.
type RequestTimer struct {
	start time.Time
}

// NewRequestTimer starts a timer at request entry.
func NewRequestTimer() *RequestTimer {
	return &RequestTimer{start: time.Now()}
}

// Observe records the elapsed duration under the given outcome label.
func (t *RequestTimer) Observe(outcome Outcome) {
	RequestDuration.WithLabelValues(string(outcome)).Observe(time.Since(t.start).Seconds())
}
