package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(gatewayRequestsTotal, gatewayLatency) }

var (
	gatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsaconvert_gateway_requests_total",
			Help: "Requests to the processing service by operation and outcome.",
		},
		[]string{"op", "outcome"}, // outcome: ok, rejected, unreachable, protocol
	)

	gatewayLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dsaconvert_gateway_request_seconds",
			Help:    "Processing service request latency.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op"},
	)
)

// ObserveGatewayCall records one request to the processing service.
func ObserveGatewayCall(op, outcome string, d time.Duration) {
	gatewayRequestsTotal.WithLabelValues(norm(op), norm(outcome)).Inc()
	gatewayLatency.WithLabelValues(norm(op)).Observe(d.Seconds())
}
