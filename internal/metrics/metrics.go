// Package metrics exposes Prometheus counters for the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the ingestion counters. Skipped figures track idempotent
// re-imports, error figures track isolated item failures.
type Metrics struct {
	ImportsTotal      prometheus.Counter
	ImportFailures    prometheus.Counter
	MessagesInserted  prometheus.Counter
	MessagesSkipped   prometheus.Counter
	ReactionsInserted prometheus.Counter
	ReactionsSkipped  prometheus.Counter
	ItemErrors        prometheus.Counter
}

// New registers the counters on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ImportsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatlens_imports_total",
			Help: "Completed import runs.",
		}),
		ImportFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatlens_import_failures_total",
			Help: "Import runs aborted by a fatal error.",
		}),
		MessagesInserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatlens_messages_inserted_total",
			Help: "Messages newly inserted by imports.",
		}),
		MessagesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatlens_messages_skipped_total",
			Help: "Messages skipped as already present.",
		}),
		ReactionsInserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatlens_reactions_inserted_total",
			Help: "Reactions newly inserted by imports.",
		}),
		ReactionsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatlens_reactions_skipped_total",
			Help: "Reactions skipped as already present or duplicated.",
		}),
		ItemErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatlens_item_errors_total",
			Help: "Item-level message and reaction failures.",
		}),
	}
}

// ObserveImport records the outcome of one completed import run.
func (m *Metrics) ObserveImport(messagesInserted, messagesSkipped, reactionsInserted, reactionsSkipped, itemErrors int) {
	m.ImportsTotal.Inc()
	m.MessagesInserted.Add(float64(messagesInserted))
	m.MessagesSkipped.Add(float64(messagesSkipped))
	m.ReactionsInserted.Add(float64(reactionsInserted))
	m.ReactionsSkipped.Add(float64(reactionsSkipped))
	m.ItemErrors.Add(float64(itemErrors))
}
