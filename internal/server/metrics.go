package server

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type serverMetrics struct {
	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	rateLimited prometheus.Counter
}

func newServerMetrics(svc *ThreadService, hub *changeHub) *serverMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &serverMetrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadsd",
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "threadsd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "threadsd",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-caller rate limit.",
		}),
	}
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "threadsd",
		Name:      "threads",
		Help:      "Live threads held by the server.",
	}, func() float64 {
		threads, _ := svc.Stats()
		return float64(threads)
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "threadsd",
		Name:      "unread_notifications",
		Help:      "Unread inbox notifications across all users.",
	}, func() float64 {
		_, unread := svc.Stats()
		return float64(unread)
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "threadsd",
		Name:      "change_feed_clients",
		Help:      "Connected websocket change feed clients.",
	}, func() float64 {
		return float64(hub.count())
	})
	return m
}

func (m *serverMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *serverMetrics) observe(route string, code int, elapsed time.Duration) {
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.durations.WithLabelValues(route).Observe(elapsed.Seconds())
}

// statusRecorder remembers the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is needed by the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
