package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vectoraiz_http_requests_total",
		Help: "HTTP requests served, by method, path and status class.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vectoraiz_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	bundlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vectoraiz_diagnostic_bundles_total",
		Help: "Diagnostic bundle builds, by outcome.",
	}, []string{"outcome"})

	meteringDenialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vectoraiz_metering_denials_total",
		Help: "Chargeable operations denied, by error kind.",
	}, []string{"kind"})
)
