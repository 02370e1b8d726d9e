// Package metrics registers the Prometheus instrumentation for task
// execution, the event bus, the embedding worker, and email polling.
// The bus integration is a Sink: attach EventSink to a task's stream
// and every bus event also increments a counter, so dashboards and live
// subscribers always agree on what happened.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/haasonsaas/nova/internal/bus"
)

// Metrics holds every registered collector. Construct once at startup
// with New; collectors register against the default registry and are
// served by the standard promhttp handler.
type Metrics struct {
	// EventsTotal counts bus events by type — one counter per canonical
	// event type, mirroring the per-task streams.
	EventsTotal *prometheus.CounterVec

	// TaskDuration observes wall-clock seconds per task run by outcome
	// (completed|failed|awaiting_input).
	TaskDuration *prometheus.HistogramVec

	// TaskErrors counts terminal task failures by error category.
	TaskErrors *prometheus.CounterVec

	// EmbeddingsProcessed counts embedding worker transitions by kind
	// (day_segment|chunk) and outcome (ready|error).
	EmbeddingsProcessed *prometheus.CounterVec

	// EmailPollCycles counts email-poll trigger executions by outcome
	// (headers|empty|backlog_skipped|error).
	EmailPollCycles *prometheus.CounterVec
}

// New creates and registers all collectors. Call once at startup.
func New() *Metrics {
	return &Metrics{
		EventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nova_task_events_total",
				Help: "Total bus events emitted, by event type",
			},
			[]string{"type"},
		),
		TaskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nova_task_duration_seconds",
				Help:    "Duration of task runs in seconds, by outcome",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),
		TaskErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nova_task_errors_total",
				Help: "Terminal task failures, by error category",
			},
			[]string{"category"},
		),
		EmbeddingsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nova_embeddings_processed_total",
				Help: "Embedding rows transitioned by the worker, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		EmailPollCycles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nova_email_poll_cycles_total",
				Help: "Email poll trigger executions, by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// EventSink adapts Metrics to bus.Sink: every event increments
// EventsTotal, and task_error events additionally increment TaskErrors
// by category.
type EventSink struct {
	m *Metrics
}

// Sink returns the bus adapter for these metrics.
func (m *Metrics) Sink() *EventSink { return &EventSink{m: m} }

func (s *EventSink) Emit(_ context.Context, e bus.Event) {
	s.m.EventsTotal.WithLabelValues(string(e.Type)).Inc()
	if e.Type == bus.EventTaskError && e.Category != "" {
		s.m.TaskErrors.WithLabelValues(e.Category).Inc()
	}
}
