package backend

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/juaninavos/jerseymarket/core/logger"
)

type marketMetrics struct {
	registry       *prometheus.Registry
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	bids           *prometheus.CounterVec
	auctionsClosed *prometheus.CounterVec
	ordersPlaced   prometheus.Counter
}

func newMarketMetrics(registry *prometheus.Registry) *marketMetrics {
	m := &marketMetrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "jersey_market",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "jersey_market",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
			},
			[]string{"method", "route"},
		),
		bids: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "jersey_market",
				Subsystem: "auction",
				Name:      "bids_total",
				Help:      "Bids by outcome.",
			},
			[]string{"outcome"},
		),
		auctionsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "jersey_market",
				Subsystem: "auction",
				Name:      "closed_total",
				Help:      "Closed auctions, by whether the jersey was sold.",
			},
			[]string{"sold"},
		),
		ordersPlaced: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "jersey_market",
				Subsystem: "purchase",
				Name:      "orders_placed_total",
				Help:      "Fixed price orders placed.",
			},
		),
	}
	registry.MustRegister(m.httpRequests, m.httpDuration, m.bids, m.auctionsClosed, m.ordersPlaced)
	return m
}

func (m *marketMetrics) bidAccepted() {
	m.bids.WithLabelValues("accepted").Inc()
}

func (m *marketMetrics) bidRejected(status int) {
	m.bids.WithLabelValues("rejected_" + strconv.Itoa(status)).Inc()
}

func (m *marketMetrics) auctionClosed(sold bool) {
	m.auctionsClosed.WithLabelValues(strconv.FormatBool(sold)).Inc()
}

// instrument is a middleware which counts requests per route template
func (m *marketMetrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if template, err := current.GetPathTemplate(); err == nil {
				route = template
			}
		}
		method := strings.ToUpper(r.Method)
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (b *Backend) handleMetrics(router *mux.Router, registry *prometheus.Registry) {
	logger.Default().Debugln("metrics")
	logger.Default().Debugln("  handle route: /metrics GET")
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodOptions, http.MethodGet)
}
