// Package metrics exposes authentication outcomes and HTTP traffic to
// Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeSuccess            = "success"
	OutcomeInvalidCredentials = "invalid_credentials"
	OutcomeLocked             = "locked"
	OutcomeConflict           = "conflict"
	OutcomeError              = "error"
)

// Login methods.
const (
	MethodPassword  = "password"
	MethodFederated = "federated"
	MethodRefresh   = "refresh"
)

// AuthRecorder is what the service layer reports to.
type AuthRecorder interface {
	RecordLogin(method, outcome string)
	RecordRegistration(outcome string)
	RecordIdentityLinked(provider string)
	RecordLockout()
}

// HTTPRecorder is what the request middleware reports to.
type HTTPRecorder interface {
	ObserveHTTPRequest(method, route string, status int, d time.Duration)
}

// Nop discards everything. Useful in tests that do not assert on metrics.
type Nop struct{}

func (Nop) RecordLogin(string, string) {}
func (Nop) RecordRegistration(string) {}
func (Nop) RecordIdentityLinked(string) {}
func (Nop) RecordLockout() {}
func (Nop) ObserveHTTPRequest(string, string, int, time.Duration) {}

var (
	_ AuthRecorder = (*Collector)(nil)
	_ HTTPRecorder = (*Collector)(nil)
	_ AuthRecorder = Nop{}
	_ HTTPRecorder = Nop{}
)

// Collector holds the Prometheus series.
type Collector struct {
	logins        *prometheus.CounterVec
	registrations *prometheus.CounterVec
	linked        *prometheus.CounterVec
	lockouts      prometheus.Counter
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// NewCollector creates the series and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_logins_total",
			Help: "Login attempts by method and outcome.",
		}, []string{"method", "outcome"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_registrations_total",
			Help: "Local registrations by outcome.",
		}, []string{"outcome"}),
		linked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_linked_identities_total",
			Help: "External identities linked to an account, by provider.",
		}, []string{"provider"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "identity_lockouts_total",
			Help: "Accounts locked after repeated failed logins.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_http_requests_total",
			Help: "HTTP requests by method, route pattern and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "identity_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		c.logins,
		c.registrations,
		c.linked,
		c.lockouts,
		c.httpRequests,
		c.httpDuration,
	)
	return c
}

func (c *Collector) RecordLogin(method, outcome string) {
	c.logins.WithLabelValues(method, outcome).Inc()
}

func (c *Collector) RecordRegistration(outcome string) {
	c.registrations.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordIdentityLinked(provider string) {
	c.linked.WithLabelValues(provider).Inc()
}

func (c *Collector) RecordLockout() {
	c.lockouts.Inc()
}

// ObserveHTTPRequest records one request. route must be the router pattern
// (e.g. "/auth/oauth2/{provider}/login"), never the raw path, to keep label
// cardinality bounded.
func (c *Collector) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
