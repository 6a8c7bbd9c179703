// Package metrics instruments the pool, resolver, and auth cache for a
// single mongocore.Client, adapted from the teacher's per-tenant Collector
// and relabeled from tenant/db_type to address, since this client talks to
// one deployment rather than many tenants.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric this module exposes.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	commandDuration *prometheus.HistogramVec
	commandErrors   *prometheus.CounterVec

	resolutionDuration *prometheus.HistogramVec
	resolutionErrors   *prometheus.CounterVec
	memberHealth       *prometheus.GaugeVec

	authReconciles *prometheus.CounterVec
}

// New creates and registers every metric on an independent registry. Safe to
// call more than once (tests, multiple Clients in one process).
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mongocore_connections_active",
				Help: "Checked-out connections per address",
			},
			[]string{"address"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mongocore_connections_idle",
				Help: "Idle connections per address",
			},
			[]string{"address"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mongocore_connections_waiting",
				Help: "Goroutines waiting on a pool permit per address",
			},
			[]string{"address"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mongocore_pool_wait_queue_timeouts_total",
				Help: "Total WaitQueueTimeout errors per address",
			},
			[]string{"address"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mongocore_command_duration_seconds",
				Help:    "Duration of SendMessage/SendMessageWithResponse calls",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"address"},
		),
		commandErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mongocore_command_errors_total",
				Help: "Command errors by taxonomy class",
			},
			[]string{"address", "class"},
		),
		resolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mongocore_resolution_duration_seconds",
				Help:    "Duration of topology resolution attempts",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"outcome"},
		),
		resolutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mongocore_resolution_errors_total",
				Help: "Resolution failures by error class",
			},
			[]string{"class"},
		),
		memberHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mongocore_member_health",
				Help: "Last liveness probe outcome for the resolved member (1=healthy, 0=unhealthy)",
			},
			[]string{"address"},
		),
		authReconciles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mongocore_auth_reconciles_total",
				Help: "Credential cache reconciliations by outcome",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsWaiting,
		c.poolExhausted,
		c.commandDuration,
		c.commandErrors,
		c.resolutionDuration,
		c.resolutionErrors,
		c.memberHealth,
		c.authReconciles,
	)

	return c
}

// CommandDuration observes one SendMessage/SendMessageWithResponse call.
func (c *Collector) CommandDuration(address string, d time.Duration) {
	c.commandDuration.WithLabelValues(address).Observe(d.Seconds())
}

// CommandError increments the error counter for address, tagged by taxonomy
// class (e.g. "ConnectionFailure", "OperationFailure", "DuplicateKeyError",
// "DocumentTooLarge").
func (c *Collector) CommandError(address, class string) {
	c.commandErrors.WithLabelValues(address, class).Inc()
}

// PoolExhausted increments the wait-queue-timeout counter for address.
func (c *Collector) PoolExhausted(address string) {
	c.poolExhausted.WithLabelValues(address).Inc()
}

// UpdatePoolStats sets the gauge triple from a pool.Stats snapshot.
func (c *Collector) UpdatePoolStats(address string, active, idle, waiting int) {
	c.connectionsActive.WithLabelValues(address).Set(float64(active))
	c.connectionsIdle.WithLabelValues(address).Set(float64(idle))
	c.connectionsWaiting.WithLabelValues(address).Set(float64(waiting))
}

// ResolutionDuration observes one Resolver.Resolve call; outcome is "ok" or
// "error".
func (c *Collector) ResolutionDuration(outcome string, d time.Duration) {
	c.resolutionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ResolutionError increments the resolution-error counter by class
// ("ConfigurationError" or "AutoReconnect").
func (c *Collector) ResolutionError(class string) {
	c.resolutionErrors.WithLabelValues(class).Inc()
}

// SetMemberHealth records the last liveness probe outcome for address.
func (c *Collector) SetMemberHealth(address string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.memberHealth.WithLabelValues(address).Set(val)
}

// AuthReconcile increments the reconcile counter by outcome ("ok" or
// "error").
func (c *Collector) AuthReconcile(outcome string) {
	c.authReconciles.WithLabelValues(outcome).Inc()
}

// RemoveAddress drops every series labeled for address, e.g. after a
// topology change retires a member.
func (c *Collector) RemoveAddress(address string) {
	c.connectionsActive.DeleteLabelValues(address)
	c.connectionsIdle.DeleteLabelValues(address)
	c.connectionsWaiting.DeleteLabelValues(address)
	c.poolExhausted.DeleteLabelValues(address)
	c.commandDuration.DeleteLabelValues(address)
	c.commandErrors.DeletePartialMatch(prometheus.Labels{"address": address})
	c.memberHealth.DeleteLabelValues(address)
}
