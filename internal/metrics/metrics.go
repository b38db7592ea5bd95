// Package metrics registers the Prometheus collectors shared by the bus,
// the side-effect adapter and the workflow engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txevents_bus_published_total",
		Help: "Total number of events published on the in-process bus",
	}, []string{"kind"})

	HandlerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txevents_bus_handler_failures_total",
		Help: "Total number of handler invocations that returned an error or panicked",
	}, []string{"kind"})

	PublishAbortsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txevents_bus_publish_aborts_total",
		Help: "Total number of publishes rejected by a before-interceptor",
	}, []string{"kind"})

	FeedDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txevents_bus_feed_drops_total",
		Help: "Total number of events dropped for slow feed subscribers",
	})

	PublishDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "txevents_bus_publish_duration_seconds",
		Help:    "Duration of publish fan-out including all handlers",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	EffectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txevents_side_effects_total",
		Help: "Total number of side effects executed by phase and outcome",
	}, []string{"phase", "outcome"})

	EffectRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txevents_side_effect_retries_total",
		Help: "Total number of side effect retry attempts by phase",
	}, []string{"phase"})

	EffectsDiscardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txevents_side_effects_discarded_total",
		Help: "Total number of queued side effects discarded on abort",
	})

	WorkflowTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txevents_workflow_transitions_total",
		Help: "Total number of workflow state transitions",
	}, []string{"from", "to"})

	WorkflowRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txevents_workflow_rejected_transitions_total",
		Help: "Total number of rejected workflow triggers",
	}, []string{"state", "trigger"})

	OutboxRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txevents_outbox_relayed_total",
		Help: "Total number of outbox rows relayed to the stream by outcome",
	}, []string{"outcome"})
)

const unknownLabel = "unknown"

// OtherLabel is the kind label shared by event kinds the catalog does not
// declare, keeping label cardinality bounded.
const OtherLabel = "other"

func label(v string) string {
	if v == "" {
		return unknownLabel
	}
	return v
}

// IncPublished records a published event.
func IncPublished(kind string) {
	EventsPublishedTotal.WithLabelValues(label(kind)).Inc()
}

// AddHandlerFailures records n failed handler invocations.
func AddHandlerFailures(kind string, n int) {
	if n <= 0 {
		return
	}
	HandlerFailuresTotal.WithLabelValues(label(kind)).Add(float64(n))
}

// IncPublishAbort records a publish rejected by an interceptor.
func IncPublishAbort(kind string) {
	PublishAbortsTotal.WithLabelValues(label(kind)).Inc()
}

// ObservePublish records the fan-out duration in seconds.
func ObservePublish(kind string, seconds float64) {
	PublishDuration.WithLabelValues(label(kind)).Observe(seconds)
}

// IncFeedDrop records an event dropped for a slow feed subscriber.
func IncFeedDrop() {
	FeedDropsTotal.Inc()
}

// IncEffect records an executed side effect.
func IncEffect(phase, outcome string) {
	EffectsTotal.WithLabelValues(label(phase), label(outcome)).Inc()
}

// AddEffectRetries records retry attempts made in phase.
func AddEffectRetries(phase string, n int) {
	if n <= 0 {
		return
	}
	EffectRetriesTotal.WithLabelValues(label(phase)).Add(float64(n))
}

// AddEffectsDiscarded records side effects discarded without execution.
func AddEffectsDiscarded(n int) {
	if n <= 0 {
		return
	}
	EffectsDiscardedTotal.Add(float64(n))
}

// IncWorkflowTransition records an accepted workflow transition.
func IncWorkflowTransition(from, to string) {
	WorkflowTransitionsTotal.WithLabelValues(label(from), label(to)).Inc()
}

// IncWorkflowRejected records a rejected workflow trigger.
func IncWorkflowRejected(state, trigger string) {
	WorkflowRejectedTotal.WithLabelValues(label(state), label(trigger)).Inc()
}

// IncOutboxRelayed records an outbox relay attempt.
func IncOutboxRelayed(outcome string) {
	OutboxRelayedTotal.WithLabelValues(label(outcome)).Inc()
}
