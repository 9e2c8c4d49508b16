// Package metrics holds the bridge's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_ticks_total",
			Help: "Reconciliation ticks by result (ok, degraded, failed).",
		},
		[]string{"result"},
	)
	TradeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_trade_events_total",
			Help: "Trade events written to the store by action and outcome.",
		},
		[]string{"action", "outcome"},
	)
	RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_retry_attempts_total",
			Help: "Retries performed per operation.",
		},
		[]string{"op"},
	)
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_open_positions",
			Help: "Open positions in the committed baseline.",
		},
	)
	Status = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_status",
			Help: "1 for the current heartbeat status, 0 otherwise.",
		},
		[]string{"status"},
	)
	DroppedRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_dropped_records_total",
			Help: "Source records dropped by the reconciler, by reason.",
		},
		[]string{"reason"},
	)
	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_ws_subscribers",
			Help: "Connected change-feed subscribers.",
		},
	)
	PushDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_ws_dropped_total",
			Help: "Change messages dropped because a subscriber or the hub was full.",
		},
	)
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bridge_tick_duration_seconds",
			Help:    "Wall time of a reconciliation tick.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
)

func init() {
	prometheus.MustRegister(Ticks, TradeEvents, RetryAttempts)
	prometheus.MustRegister(OpenPositions, Status, DroppedRecords, TickDuration)
	prometheus.MustRegister(Subscribers, PushDropped)
}

// SetStatus flips the status gauge so exactly one label reads 1.
func SetStatus(current string) {
	for _, s := range []string{"healthy", "degraded", "offline"} {
		v := 0.0
		if s == current {
			v = 1
		}
		Status.WithLabelValues(s).Set(v)
	}
}

func ObserveTick(d time.Duration) { TickDuration.Observe(d.Seconds()) }

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
