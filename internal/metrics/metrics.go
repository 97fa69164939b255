package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful resolution cycles and deliveries.
	OutcomeSuccess = "success"
	// OutcomeError labels failed cycles (store or evidence issues).
	OutcomeError = "error"

	// OutcomeMatched labels raw events that opened a resolved event.
	OutcomeMatched = "matched"
	// OutcomeUnmatched labels raw events no root rule accepted.
	OutcomeUnmatched = "unmatched"

	// OutcomeAccepted labels decoded ingest messages.
	OutcomeAccepted = "accepted"
	// OutcomeMalformed labels ingest messages dropped by the decoder.
	OutcomeMalformed = "malformed"
)

const namespace = "homesense_resolver"

var (
	rawEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raw_events_total",
			Help:      "Raw events evaluated against root rules, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolution_cycles_total",
			Help:      "Completed resolution cycles, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolution_cycle_seconds",
			Help:      "Resolution cycle latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	resolutionsUpdatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_updated_total",
			Help:      "Resolved events refined to a deeper rule.",
		},
	)

	corruptPathsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "corrupt_tree_paths_total",
			Help:      "Open resolved events skipped because their tree path is unknown.",
		},
	)

	skippedTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_ticks_total",
			Help:      "Scheduler ticks skipped because a cycle was already running.",
		},
	)

	ingestMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_messages_total",
			Help:      "Inbound sensor messages, partitioned by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Resolved event notifications, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches resolver collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		rawEventsTotal,
		cyclesTotal,
		cycleDurationSeconds,
		resolutionsUpdatedTotal,
		corruptPathsTotal,
		skippedTicksTotal,
		ingestMessagesTotal,
		notificationsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveRawEvent counts one raw event evaluation.
func ObserveRawEvent(outcome string) {
	rawEventsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCycle records a resolution cycle duration, outcome and its per-record tallies.
func ObserveCycle(duration time.Duration, outcome string, updated, corrupt int) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	cyclesTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	cycleDurationSeconds.Observe(duration.Seconds())
	resolutionsUpdatedTotal.Add(float64(updated))
	corruptPathsTotal.Add(float64(corrupt))
}

// ObserveSkippedTick counts a scheduler tick that found a cycle in progress.
func ObserveSkippedTick() {
	skippedTicksTotal.Inc()
}

// ObserveIngest counts one inbound message from source.
func ObserveIngest(source, outcome string) {
	ingestMessagesTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveNotification counts a publish attempt.
func ObserveNotification(outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	notificationsTotal.WithLabelValues(label).Inc()
}
