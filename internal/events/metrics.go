package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_events_published_total",
		Help: "Publish attempts by result",
	}, []string{"result"})

	processedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_events_processed_total",
		Help: "Consumed events by outcome",
	}, []string{"outcome"})

	trimmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_stream_entries_trimmed_total",
		Help: "Acknowledged stream entries removed by trimming",
	})
)
