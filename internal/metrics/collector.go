// internal/metrics/collector.go
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricType identifies a collector inside Collector.
type MetricType string

const (
	ConnectionStateType MetricType = "connection_state"
	ReconnectsType      MetricType = "reconnects"
	MessagesType        MetricType = "messages"
	ParseErrorsType     MetricType = "parse_errors"
	HandlerFailuresType MetricType = "handler_failures"
	PollsType           MetricType = "polls"
	PollLatencyType     MetricType = "poll_latency"
)

const namespace = "eventstream"

// Collector owns the stream layer metrics on its own registry, so several
// clients (and tests) can coexist in one process. A nil *Collector is valid
// and records nothing.
type Collector struct {
	registry *prometheus.Registry
	metrics  sync.Map
}

// NewCollector creates a collector with a private registry.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}
	c.initializeMetrics()
	return c
}

func (c *Collector) initializeMetrics() {
	metricsMap := map[MetricType]prometheus.Collector{
		ConnectionStateType: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "1 for the current state of each logical connection, 0 otherwise",
			},
			[]string{"key", "state"},
		),
		ReconnectsType: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnects_total",
				Help:      "Reconnect attempts scheduled after an unplanned close",
			},
			[]string{"key"},
		),
		MessagesType: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Envelopes dispatched, by event type",
			},
			[]string{"type"},
		),
		ParseErrorsType: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parse_errors_total",
				Help:      "Inbound messages dropped because they could not be parsed",
			},
		),
		HandlerFailuresType: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_failures_total",
				Help:      "Subscription handlers that returned an error or panicked",
			},
			[]string{"type"},
		),
		PollsType: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallback_polls_total",
				Help:      "Fallback snapshot polls, by result",
			},
			[]string{"name", "result"},
		),
		PollLatencyType: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fallback_poll_duration_seconds",
				Help:      "Fallback snapshot poll duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
			},
			[]string{"name"},
		),
	}

	for metricType, metric := range metricsMap {
		c.metrics.Store(metricType, metric)
		c.registry.MustRegister(metric)
	}
}

// Registry exposes the private registry, e.g. for promhttp.HandlerFor.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) counterVec(t MetricType) *prometheus.CounterVec {
	if c == nil {
		return nil
	}
	m, ok := c.metrics.Load(t)
	if !ok {
		return nil
	}
	vec, _ := m.(*prometheus.CounterVec)
	return vec
}

// Reset clears every vector (useful in tests).
func (c *Collector) Reset() {
	if c == nil {
		return
	}
	c.metrics.Range(func(_, value interface{}) bool {
		switch m := value.(type) {
		case *prometheus.CounterVec:
			m.Reset()
		case *prometheus.GaugeVec:
			m.Reset()
		case *prometheus.HistogramVec:
			m.Reset()
		}
		return true
	})
}

// SetConnectionState marks state as the current one for key.
func (c *Collector) SetConnectionState(key, state string, all []string) {
	if c == nil {
		return
	}
	m, ok := c.metrics.Load(ConnectionStateType)
	if !ok {
		return
	}
	gauge := m.(*prometheus.GaugeVec)
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		gauge.WithLabelValues(key, s).Set(v)
	}
}

// RecordReconnect counts a scheduled reconnect.
func (c *Collector) RecordReconnect(key string) {
	if vec := c.counterVec(ReconnectsType); vec != nil {
		vec.WithLabelValues(key).Inc()
	}
}

// RecordMessage counts a dispatched envelope.
func (c *Collector) RecordMessage(eventType string) {
	if vec := c.counterVec(MessagesType); vec != nil {
		vec.WithLabelValues(eventType).Inc()
	}
}

// RecordHandlerFailure counts a failed or panicking handler.
func (c *Collector) RecordHandlerFailure(eventType string) {
	if vec := c.counterVec(HandlerFailuresType); vec != nil {
		vec.WithLabelValues(eventType).Inc()
	}
}

// RecordParseError counts a dropped malformed message.
func (c *Collector) RecordParseError() {
	if c == nil {
		return
	}
	if m, ok := c.metrics.Load(ParseErrorsType); ok {
		m.(prometheus.Counter).Inc()
	}
}

// RecordPoll records a fallback poll outcome.
func (c *Collector) RecordPoll(name string, duration time.Duration, success bool) {
	if c == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	if vec := c.counterVec(PollsType); vec != nil {
		vec.WithLabelValues(name, result).Inc()
	}
	if m, ok := c.metrics.Load(PollLatencyType); ok {
		m.(*prometheus.HistogramVec).WithLabelValues(name).Observe(duration.Seconds())
	}
}
