// Copyright 2026 The Sapporo-WES Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics bundles the Prometheus instruments of the service.
type metrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	runsByState *prometheus.GaugeVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sapporo_http_requests_total",
			Help: "HTTP requests served, by method and status code.",
		}, []string{"method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sapporo_http_request_duration_seconds",
			Help:    "HTTP request latency, by method and status code.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "code"}),
		runsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sapporo_runs_by_state",
			Help: "Runs on disk by state, refreshed on each index pass.",
		}, []string{"state"}),
	}
	m.registry.MustRegister(
		m.requests,
		m.duration,
		m.runsByState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// instrument wraps an HTTP handler with the request counter and latency
// histogram.
func (m *metrics) instrument(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(m.duration,
		promhttp.InstrumentHandlerCounter(m.requests, next))
}

// setStateCounts replaces the runs-by-state gauge with a fresh snapshot.
func (m *metrics) setStateCounts(counts map[string]int) {
	m.runsByState.Reset()
	for st, n := range counts {
		m.runsByState.WithLabelValues(st).Set(float64(n))
	}
}

// handler serves the /metrics scrape endpoint.
func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
