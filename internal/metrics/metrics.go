// Package metrics exposes engine counters to Prometheus. A nil *Collector is
// valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "siteintel"

// Turn outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeFallback = "fallback"
	OutcomeError    = "error"
)

// Collector holds the engine's Prometheus metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	turns     *prometheus.CounterVec
	inference *prometheus.HistogramVec
	decisions prometheus.Counter
	topics    *prometheus.CounterVec
	purged    *prometheus.CounterVec
}

// New creates a Collector with Go runtime and process collectors registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Conversation turns processed, by outcome.",
			},
			[]string{"outcome"},
		),
		inference: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "inference_duration_seconds",
				Help:      "Latency of upstream model calls.",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
			},
			[]string{"result"},
		),
		decisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_recorded_total",
			Help:      "Decisions extracted from assistant replies.",
		}),
		topics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "memory_topics_total",
				Help:      "Preference topics written to long-term memory, by action.",
			},
			[]string{"action"},
		),
		purged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "memory_purged_total",
				Help:      "Expired rows removed by the janitor, by kind.",
			},
			[]string{"kind"},
		),
	}
	c.registry.MustRegister(
		c.turns, c.inference, c.decisions, c.topics, c.purged,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) TurnProcessed(outcome string) {
	if c == nil {
		return
	}
	c.turns.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveInference(d time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.inference.WithLabelValues(result).Observe(d.Seconds())
}

func (c *Collector) DecisionRecorded() {
	if c == nil {
		return
	}
	c.decisions.Inc()
}

// TopicUpdated counts one preference write.
func (c *Collector) TopicUpdated(created bool) {
	if c == nil {
		return
	}
	action := "reinforced"
	if created {
		action = "created"
	}
	c.topics.WithLabelValues(action).Inc()
}

// Purged adds the row counts removed by one purge run.
func (c *Collector) Purged(shortTerm, sessionContext int64) {
	if c == nil {
		return
	}
	c.purged.WithLabelValues("short_term").Add(float64(shortTerm))
	c.purged.WithLabelValues("session_context").Add(float64(sessionContext))
}
