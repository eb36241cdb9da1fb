package observability

import (
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	dropsMetricsOnce sync.Once
	dropsRegistry    *DropsMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// DropsMetrics tracks claim issuance and settlement.
type DropsMetrics struct {
	claims            *prometheus.CounterVec
	budgetRejections  *prometheus.CounterVec
	assetRefunds      *prometheus.CounterVec
	assetSkips        *prometheus.CounterVec
	refundAmount      prometheus.Counter
	inFlight          prometheus.Gauge
	resolutionLatency prometheus.Histogram
}

// Drops returns the lazily-initialised drops metrics registry.
func Drops() *DropsMetrics {
	dropsMetricsOnce.Do(func() {
		dropsRegistry = &DropsMetrics{
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keydrop",
				Subsystem: "drops",
				Name:      "claims_total",
				Help:      "Count of claims segmented by entrypoint and outcome.",
			}, []string{"entrypoint", "outcome"}),
			budgetRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keydrop",
				Subsystem: "drops",
				Name:      "budget_rejections_total",
				Help:      "Count of claims rejected for an insufficient gas budget.",
			}, []string{"entrypoint"}),
			assetRefunds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keydrop",
				Subsystem: "drops",
				Name:      "asset_refunds_total",
				Help:      "Count of failed asset deliveries rolled back, segmented by asset kind.",
			}, []string{"kind"}),
			assetSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keydrop",
				Subsystem: "drops",
				Name:      "asset_skips_total",
				Help:      "Count of asset deliveries skipped because the asset ledger could not back the claim.",
			}, []string{"kind"}),
			refundAmount: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "keydrop",
				Subsystem: "drops",
				Name:      "refund_amount_total",
				Help:      "Native amount credited back to funders (approximate float).",
			}),
			inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "keydrop",
				Subsystem: "drops",
				Name:      "claims_in_flight",
				Help:      "Claims issued and awaiting resolution.",
			}),
			resolutionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "keydrop",
				Subsystem: "drops",
				Name:      "resolution_latency_seconds",
				Help:      "Time between claim issuance and settlement.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			dropsRegistry.claims,
			dropsRegistry.budgetRejections,
			dropsRegistry.assetRefunds,
			dropsRegistry.assetSkips,
			dropsRegistry.refundAmount,
			dropsRegistry.inFlight,
			dropsRegistry.resolutionLatency,
		)
	})
	return dropsRegistry
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}

// ObserveClaim records an issued or rejected claim.
func (m *DropsMetrics) ObserveClaim(entrypoint, outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(normalizeLabel(entrypoint), normalizeLabel(outcome)).Inc()
}

// RecordBudgetRejection counts a claim refused before any state change.
func (m *DropsMetrics) RecordBudgetRejection(entrypoint string) {
	if m == nil {
		return
	}
	m.budgetRejections.WithLabelValues(normalizeLabel(entrypoint)).Inc()
}

// RecordAssetRefund counts one rolled back asset delivery.
func (m *DropsMetrics) RecordAssetRefund(kind string) {
	if m == nil {
		return
	}
	m.assetRefunds.WithLabelValues(normalizeLabel(kind)).Inc()
}

// RecordAssetSkip counts an asset delivery skipped for an empty ledger.
func (m *DropsMetrics) RecordAssetSkip(kind string) {
	if m == nil {
		return
	}
	m.assetSkips.WithLabelValues(normalizeLabel(kind)).Inc()
}

// AddRefund accumulates the amount credited back to a funder.
func (m *DropsMetrics) AddRefund(amount *big.Int) {
	if m == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	value, _ := new(big.Float).SetInt(amount).Float64()
	if math.IsInf(value, 0) || math.IsNaN(value) {
		return
	}
	m.refundAmount.Add(value)
}

// ClaimIssued marks a claim as awaiting resolution.
func (m *DropsMetrics) ClaimIssued() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// ClaimSettled records the settlement of an issued claim.
func (m *DropsMetrics) ClaimSettled(latency time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	if latency < 0 {
		latency = 0
	}
	m.resolutionLatency.Observe(latency.Seconds())
}

// GatewayMetrics tracks HTTP gateway traffic.
type GatewayMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// Gateway returns the lazily-initialised gateway metrics registry.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keydrop",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total gateway requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keydrop",
				Subsystem: "gateway",
				Name:      "errors_total",
				Help:      "Total gateway errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "keydrop",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keydrop",
				Subsystem: "gateway",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by the rate limiter.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.errors,
			gatewayRegistry.latency,
			gatewayRegistry.throttles,
		)
	})
	return gatewayRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *GatewayMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = normalizeLabel(route)
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, strconv.Itoa(status)).Inc()
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *GatewayMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(normalizeLabel(route), normalizeLabel(reason)).Inc()
}
