package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Provider core metrics. Defined in a standalone package to avoid import
// cycles between the flow engine and HTTP packages.

var (
	TokensMinted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokens_minted_total",
		Help: "Tokens minted, by token type",
	}, []string{"type"})

	AuthorizationOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authorization_outcomes_total",
		Help: "Authorization flow outcomes: proceed, needs_authentication, denied",
	}, []string{"outcome"})

	LogoutDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logout_deliveries_total",
		Help: "Back-channel logout delivery attempts, by result",
	}, []string{"result"})

	PushedRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pushed_authorization_requests_total",
		Help: "Pushed authorization requests accepted",
	})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency, by path and status class",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "status"})
)

// Register registers the core metrics on the given registry (or default if nil).
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		TokensMinted, AuthorizationOutcomes, LogoutDeliveries, PushedRequests,
		RequestDuration,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
