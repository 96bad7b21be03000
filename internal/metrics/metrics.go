package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks identity provider traffic, token refreshes and profile reconciliation.
type Metrics struct {
	registry          *prometheus.Registry
	ProviderRequests  *prometheus.CounterVec
	ProviderDuration  *prometheus.HistogramVec
	TokenRefreshes    *prometheus.CounterVec
	ReconciledFields  *prometheus.CounterVec
	ReconcileRequests prometheus.Counter
}

// New registers all collectors on registry. A nil registry gets a fresh one.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		ProviderRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "accounts_idp_requests_total",
			Help: "Identity provider management API requests by method and status code (0 for transport failures)",
		}, []string{"method", "status"}),
		ProviderDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "accounts_idp_request_duration_seconds",
			Help:    "Duration of identity provider management API requests",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method"}),
		TokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "accounts_idp_token_refreshes_total",
			Help: "Management API token exchanges by reason (missing, expiring, rejected)",
		}, []string{"reason"}),
		ReconciledFields: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "accounts_profile_fields_reconciled_total",
			Help: "Local fields overwritten from the remote profile",
		}, []string{"field"}),
		ReconcileRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "accounts_profile_reconciliations_total",
			Help: "Profile reconciliation passes",
		}),
	}
}

// ObserveRequest records one management API round trip.
func (m *Metrics) ObserveRequest(method string, status int, elapsed time.Duration) {
	m.ProviderRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.ProviderDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// TokenRefreshed records one token exchange.
func (m *Metrics) TokenRefreshed(reason string) {
	m.TokenRefreshes.WithLabelValues(reason).Inc()
}

// FieldsReconciled records one reconciliation pass and the fields it changed.
func (m *Metrics) FieldsReconciled(fields []string) {
	m.ReconcileRequests.Inc()
	for _, field := range fields {
		m.ReconciledFields.WithLabelValues(field).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
