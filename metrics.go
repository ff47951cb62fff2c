package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Event sources.
const (
	SourcePush  = "push"
	SourceLocal = "local"
	SourceFetch = "fetch"
)

// Metrics counts sync engine activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	eventsApplied *prometheus.CounterVec
	eventsIgnored *prometheus.CounterVec
	pageFetches   *prometheus.CounterVec
	mutations     *prometheus.CounterVec
	reconnects    prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_events_applied_total",
				Help: "Message and conversation events that changed local state.",
			},
			[]string{"source", "kind"},
		),
		eventsIgnored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_events_ignored_total",
				Help: "Events absorbed as duplicates or targeting unknown entities.",
			},
			[]string{"kind"},
		),
		pageFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_page_fetches_total",
				Help: "Message page fetches by outcome.",
			},
			[]string{"result"},
		),
		mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_mutations_total",
				Help: "Send, edit and delete requests by outcome.",
			},
			[]string{"kind", "result"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_realtime_reconnects_total",
				Help: "Push channel reconnect attempts.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.eventsApplied, m.eventsIgnored, m.pageFetches, m.mutations, m.reconnects)
	}
	return m
}

func (m *Metrics) eventApplied(source, kind string) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(source, kind).Inc()
}

func (m *Metrics) eventIgnored(kind string) {
	if m == nil {
		return
	}
	m.eventsIgnored.WithLabelValues(kind).Inc()
}

func (m *Metrics) pageFetch(result string) {
	if m == nil {
		return
	}
	m.pageFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) mutation(kind MutationKind, result string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
