// Package metrics exports subscription manager metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/glimte/mmate-relay/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "relay"

// PrometheusCollector implements messaging.MetricsCollector
type PrometheusCollector struct {
	registry *prometheus.Registry

	messagesTotal     *prometheus.CounterVec
	processingSeconds *prometheus.HistogramVec
	subscribeAttempts *prometheus.CounterVec
	resubscriptions   *prometheus.CounterVec
	acksTotal         *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
}

// Option configures the collector
type Option func(*options)

type options struct {
	namespace string
	registry  *prometheus.Registry
	buckets   []float64
}

// WithNamespace sets the metric namespace
func WithNamespace(namespace string) Option {
	return func(o *options) {
		o.namespace = namespace
	}
}

// WithRegistry registers the metrics with registry instead of a private one
func WithRegistry(registry *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithBuckets sets the processing duration histogram buckets
func WithBuckets(buckets []float64) Option {
	return func(o *options) {
		o.buckets = buckets
	}
}

// NewPrometheusCollector creates and registers the relay metrics
func NewPrometheusCollector(opts ...Option) (*PrometheusCollector, error) {
	o := &options{
		namespace: DefaultNamespace,
		buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	c := &PrometheusCollector{
		registry: o.registry,
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "messages_total",
			Help:      "Messages handed to subscription callbacks by outcome",
		}, []string{"group", "type", "outcome"}),
		processingSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "processing_duration_seconds",
			Help:      "Time spent in subscription callbacks",
			Buckets:   o.buckets,
		}, []string{"group"}),
		subscribeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "subscribe_attempts_total",
			Help:      "Broker subscribe attempts by result",
		}, []string{"destination", "result"}),
		resubscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "resubscriptions_total",
			Help:      "Resubscriptions scheduled after a failure",
		}, []string{"destination"}),
		acksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "acks_total",
			Help:      "Acknowledgements passed to transports",
		}, []string{"mode", "result"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: o.namespace,
			Name:      "queue_depth",
			Help:      "Messages waiting for a worker",
		}, []string{"group"}),
	}

	for _, collector := range []prometheus.Collector{
		c.messagesTotal,
		c.processingSeconds,
		c.subscribeAttempts,
		c.resubscriptions,
		c.acksTotal,
		c.queueDepth,
	} {
		if err := o.registry.Register(collector); err != nil {
			return nil, err
		}
	}

	return c, nil
}

var _ messaging.MetricsCollector = (*PrometheusCollector)(nil)

// RecordMessage implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordMessage(group, messageType string, duration time.Duration, outcome string) {
	c.messagesTotal.WithLabelValues(group, messageType, outcome).Inc()
	c.processingSeconds.WithLabelValues(group).Observe(duration.Seconds())
}

// RecordSubscribeAttempt implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordSubscribeAttempt(destination string, success bool) {
	c.subscribeAttempts.WithLabelValues(destination, result(success)).Inc()
}

// RecordResubscription implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordResubscription(destination string) {
	c.resubscriptions.WithLabelValues(destination).Inc()
}

// RecordAck implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordAck(deferred bool, success bool) {
	mode := "immediate"
	if deferred {
		mode = "deferred"
	}
	c.acksTotal.WithLabelValues(mode, result(success)).Inc()
}

// RecordQueueDepth implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordQueueDepth(group string, depth int) {
	c.queueDepth.WithLabelValues(group).Set(float64(depth))
}

// Registry returns the registry holding the metrics
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
