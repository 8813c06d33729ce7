package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Route metrics
	RoutesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatehouse_routes_total",
			Help: "Total number of declared routes",
		},
	)

	HostsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatehouse_hosts_total",
			Help: "Total number of hosts with declared routes",
		},
	)

	// Certificate metrics
	CertificatesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gatehouse_certificates_total",
			Help: "Total number of certificate assignments by source and state",
		},
		[]string{"source", "state"},
	)

	CertAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_cert_acquisitions_total",
			Help: "Total certificate acquisition attempts by source and result",
		},
		[]string{"source", "result"},
	)

	CertRenewalFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gatehouse_cert_renewal_failures_total",
			Help: "Total failed certificate renewal attempts",
		},
	)

	CertsExpiringSoon = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatehouse_certs_expiring_soon",
			Help: "Number of certificates inside the renewal window",
		},
	)

	// Convergence metrics
	ConvergencePassesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gatehouse_convergence_passes_total",
			Help: "Total number of convergence passes",
		},
	)

	ConvergenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gatehouse_convergence_duration_seconds",
			Help:    "Duration of convergence passes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProxyMutationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gatehouse_proxy_mutations_total",
			Help: "Total number of applied proxy state mutations",
		},
	)

	ConvergeHostFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_converge_host_failures_total",
			Help: "Total per-host convergence failures by reason",
		},
		[]string{"reason"},
	)

	// Proxy metrics
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_proxy_requests_total",
			Help: "Total proxied requests by status code class",
		},
		[]string{"code"},
	)
)

func init() {
	prometheus.MustRegister(
		RoutesTotal,
		HostsTotal,
		CertificatesTotal,
		CertAcquisitionsTotal,
		CertRenewalFailuresTotal,
		CertsExpiringSoon,
		ConvergencePassesTotal,
		ConvergenceDuration,
		ProxyMutationsTotal,
		ConvergeHostFailuresTotal,
		ProxyRequestsTotal,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
