/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package metrics provides Prometheus metrics for excalmq.

METRIC CATEGORIES:
==================
- Requests: count and latency per request type and status
- Routing: messages delivered and dropped per queue
- Sessions: active and total
- Queues: live queue count and total mailbox backlog

PROMETHEUS ENDPOINT:
====================
Metrics are exposed at /metrics in Prometheus text format.

EXAMPLE METRICS:
================

	excalmq_requests_total{request="Publish",status="success"} 12345
	excalmq_messages_delivered_total{queue="orders"} 12340
	excalmq_request_duration_seconds_bucket{request="Pull",le="0.005"} 880
	excalmq_sessions_active 42

Metrics implements broker.Observer, so it is handed to the engine as its
observer.
*/
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"excalmq/internal/logging"
	"excalmq/internal/protocol"
	"excalmq/internal/registry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "excalmq"

// Metrics holds the broker's collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	delivered       *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
	sessionsTotal   prometheus.Counter
}

// New creates a Metrics with its own registry, including the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Requests handled, by request type and response status.",
			},
			[]string{"request", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time spent handling a request.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"request"},
		),
		delivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_delivered_total",
				Help:      "Messages placed in a recipient mailbox.",
			},
			[]string{"queue"},
		),
		dropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dropped_total",
				Help:      "Message copies not delivered to an addressed recipient.",
			},
			[]string{"queue"},
		),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently open.",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions opened since start.",
		}),
	}
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// QueueSource reports the live queues. *registry.Registry implements it.
type QueueSource interface {
	Queues() []registry.QueueInfo
}

// WatchQueues registers gauges that read queue totals from src at scrape
// time. Call it once per Metrics.
func (m *Metrics) WatchQueues(src QueueSource) {
	factory := promauto.With(m.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queues",
		Help:      "Live queues.",
	}, func() float64 {
		return float64(len(src.Queues()))
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mailbox_backlog",
		Help:      "Messages waiting in mailboxes across all queues.",
	}, func() float64 {
		total := 0
		for _, q := range src.Queues() {
			total += q.Backlog
		}
		return float64(total)
	})
}

// statusLabel is "success", "pending" or the numeric error code.
func statusLabel(s protocol.Status) string {
	switch {
	case s.IsSuccess():
		return "success"
	case s.IsPending():
		return "pending"
	case s.Err() != nil:
		return strconv.Itoa(int(s.Err().Code()))
	default:
		return "error"
	}
}

// RequestHandled records one handled request.
func (m *Metrics) RequestHandled(req protocol.RequestType, status protocol.Status, elapsed time.Duration) {
	m.requests.WithLabelValues(req.String(), statusLabel(status)).Inc()
	m.requestDuration.WithLabelValues(req.String()).Observe(elapsed.Seconds())
}

// MessageRouted records the outcome of routing one published message.
func (m *Metrics) MessageRouted(queue string, delivered, dropped int) {
	if delivered > 0 {
		m.delivered.WithLabelValues(queue).Add(float64(delivered))
	}
	if dropped > 0 {
		m.dropped.WithLabelValues(queue).Add(float64(dropped))
	}
}

func (m *Metrics) SessionOpened() {
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

func (m *Metrics) SessionClosed() {
	m.sessionsActive.Dec()
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Server exposes /metrics over HTTP.
type Server struct {
	addr    string
	metrics *Metrics
	logger  *logging.Logger
}

// NewServer creates a metrics server listening on addr.
func NewServer(addr string, m *Metrics) *Server {
	return &Server{
		addr:    addr,
		metrics: m,
		logger:  logging.NewLogger("metrics"),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting metrics server", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("Stopping metrics server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
