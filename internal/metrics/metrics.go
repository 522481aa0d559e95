// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paycore_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "route"})

	Transactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_transactions_total",
		Help: "Submitted transactions by outcome",
	}, []string{"outcome"})

	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_reconciliations_total",
		Help: "Reconciliation passes by result",
	}, []string{"result"})

	ThrottleDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_throttle_decisions_total",
		Help: "Caller breaker decisions",
	}, []string{"decision"})

	VendorHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "paycore_vendor_health_status",
		Help: "Vendor health: 0 healthy, 1 unstable, 2 down",
	}, []string{"vendor"})

	VendorFailureRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "paycore_vendor_failure_rate",
		Help: "Vendor failure rate over the trailing window",
	}, []string{"vendor"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_delivery_attempts_total",
		Help: "Delivery attempts by job kind and outcome",
	}, []string{"kind", "outcome"})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
