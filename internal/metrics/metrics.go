// Package metrics exposes the bot's Prometheus counters and gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "silencekick"

var (
	// confirmationsTotal counts speech confirmations by classifier path.
	confirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Total number of speech confirmations",
		},
		[]string{"path"}, // path: fast, sustained
	)

	// armsTotal counts arm attempts by outcome.
	armsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arms_total",
			Help:      "Total number of removal arm attempts",
		},
		[]string{"result"}, // result: armed, skipped_ineligible, skipped_absent
	)

	// removalsTotal counts deferred removals by outcome.
	removalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "removals_total",
			Help:      "Total number of deferred removals that reached their deadline",
		},
		[]string{"result"}, // result: removed, aborted, failed
	)

	// removalDuration is a histogram of platform removal call latency.
	removalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "removal_duration_seconds",
			Help:      "Duration of platform removal calls in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// cancelledTotal counts armed actions cancelled before firing.
	cancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancelled_total",
			Help:      "Total number of armed removals cancelled before their deadline",
		},
		[]string{"reason"}, // reason: speech, moved, departed, rearmed, actor_left
	)

	// decodeErrorsTotal counts dropped frames that failed to decode.
	decodeErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total number of audio frames dropped after a decode error",
		},
	)

	// droppedEventsTotal counts audio events discarded on a full queue.
	droppedEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Total number of audio events dropped because the event queue was full",
		},
	)

	// activeStreams is a gauge of open per-speaker audio streams.
	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of open per-speaker audio streams",
		},
	)

	// armedActions is a gauge of removals currently waiting on their deadline.
	armedActions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "armed_actions",
			Help:      "Number of armed removals waiting on their deadline",
		},
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		confirmationsTotal,
		armsTotal,
		removalsTotal,
		removalDuration,
		cancelledTotal,
		decodeErrorsTotal,
		droppedEventsTotal,
		activeStreams,
		armedActions,
	}
)

// RecordConfirmation records a speech confirmation.
func RecordConfirmation(path string) {
	confirmationsTotal.WithLabelValues(path).Inc()
}

// RecordArm records the outcome of an arm attempt.
func RecordArm(result string) {
	armsTotal.WithLabelValues(result).Inc()
}

// RecordRemoval records the outcome of a fired removal. Aborted removals
// never reached the platform and carry no duration.
func RecordRemoval(result string, durationSeconds float64) {
	removalsTotal.WithLabelValues(result).Inc()
	if result != "aborted" {
		removalDuration.Observe(durationSeconds)
	}
}

// RecordCancelled records an armed removal cancelled before its deadline.
func RecordCancelled(reason string) {
	cancelledTotal.WithLabelValues(reason).Inc()
}

// RecordDecodeError records a frame dropped after a decode error.
func RecordDecodeError() {
	decodeErrorsTotal.Inc()
}

// RecordDroppedEvent records an audio event dropped on a full queue.
func RecordDroppedEvent() {
	droppedEventsTotal.Inc()
}

// SetActiveStreams sets the open stream gauge.
func SetActiveStreams(n int) {
	activeStreams.Set(float64(n))
}

// SetArmedActions sets the armed removal gauge.
func SetArmedActions(n int) {
	armedActions.Set(float64(n))
}
