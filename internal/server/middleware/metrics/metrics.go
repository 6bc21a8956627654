// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics instruments the HTTP surface with Prometheus counters
// and latency histograms.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Instrumentator owns the HTTP metrics and the /metrics handler.
type Instrumentator struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New creates an instrumentator with its own registry, so tests never
// collide on the global one.
func New() *Instrumentator {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests by method, route pattern and status.",
	}, []string{"method", "handler", "status"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by method and route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "handler"})
	registry.MustRegister(requests, duration)
	return &Instrumentator{
		registry: registry,
		requests: requests,
		duration: duration,
	}
}

// Handler serves the scrape endpoint.
func (i *Instrumentator) Handler() http.Handler {
	return promhttp.HandlerFor(i.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records per-request metrics, labelled by the matched route
// pattern rather than the raw path so tool names do not explode
// cardinality.
func (i *Instrumentator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		handler := r.Pattern
		if handler == "" {
			handler = r.URL.Path
		}
		i.requests.WithLabelValues(r.Method, handler, strconv.Itoa(rw.statusCode)).Inc()
		i.duration.WithLabelValues(r.Method, handler).Observe(time.Since(start).Seconds())
	})
}
