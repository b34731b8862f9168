package metrics

import (
	"strconv"
	"time"

	"github.com/core-tools/hsu-podpilot/pkg/logging"
	"github.com/core-tools/hsu-podpilot/pkg/monitoring"
	"github.com/core-tools/hsu-podpilot/pkg/retry"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultNamespace = "podpilot"

	// TeardownTotal is the service label of the whole-teardown observation
	TeardownTotal = "total"
)

// Collector holds the supervisor's Prometheus metrics on a private registry
type Collector struct {
	logLines         *prometheus.CounterVec
	retries          *prometheus.CounterVec
	teardownDuration *prometheus.HistogramVec
	phase            *prometheus.GaugeVec
	appHealth        *prometheus.GaugeVec
	childExits       *prometheus.CounterVec

	registry *prometheus.Registry
}

func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.logLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_lines_total",
			Help:      "Child output lines forwarded to the log sink",
		},
		[]string{"service", "level"},
	)

	c.retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_failures_total",
			Help:      "Failed attempts of retried operations",
		},
		[]string{"operation"},
	)

	c.teardownDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "teardown_duration_seconds",
			Help:      "Time taken to stop each child and the whole teardown",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"service"},
	)

	c.phase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase",
			Help:      "Current lifecycle phase (1 for the active phase)",
		},
		[]string{"phase"},
	)

	c.appHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "app_healthy",
			Help:      "Application port health (1 healthy, 0.5 degraded, 0 otherwise)",
		},
		[]string{"app"},
	)

	c.childExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "child_exits_total",
			Help:      "Child process exits by service and exit code",
		},
		[]string{"service", "code"},
	)

	c.registry.MustRegister(
		c.logLines,
		c.retries,
		c.teardownDuration,
		c.phase,
		c.appHealth,
		c.childExits,
	)

	return c
}

// RecordLine counts one emitted child output record
func (c *Collector) RecordLine(service string, level logging.Level) {
	c.logLines.WithLabelValues(service, level.String()).Inc()
}

// RetryObserver returns a callback that counts failed attempts of operation
func (c *Collector) RetryObserver(operation string) retry.Observer {
	counter := c.retries.WithLabelValues(operation)
	return func(int, error) {
		counter.Inc()
	}
}

func (c *Collector) ObserveTeardown(service string, d time.Duration) {
	c.teardownDuration.WithLabelValues(service).Observe(d.Seconds())
}

// SetPhase marks phase as the only active phase
func (c *Collector) SetPhase(phase string) {
	c.phase.Reset()
	c.phase.WithLabelValues(phase).Set(1)
}

func (c *Collector) SetAppHealth(app string, status monitoring.HealthCheckStatus) {
	var v float64
	switch status {
	case monitoring.HealthCheckStatusHealthy:
		v = 1
	case monitoring.HealthCheckStatusDegraded:
		v = 0.5
	}
	c.appHealth.WithLabelValues(app).Set(v)
}

func (c *Collector) RecordExit(service string, code int) {
	c.childExits.WithLabelValues(service, strconv.Itoa(code)).Inc()
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
