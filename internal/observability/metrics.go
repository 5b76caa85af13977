package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "umbra",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests on the inspection surface.",
		},
		[]string{"host", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "umbra",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"host", "method", "path", "status"},
	)
	hostSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "umbra",
			Subsystem: "host",
			Name:      "spawns_total",
			Help:      "Worker host creation attempts by outcome.",
		},
		[]string{"outcome"},
	)
	hostTeardowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "umbra",
			Subsystem: "host",
			Name:      "teardowns_total",
			Help:      "Worker host teardowns by outcome.",
		},
		[]string{"outcome"},
	)
	hostUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "umbra",
			Subsystem: "host",
			Name:      "up",
			Help:      "Whether a live worker host handle exists.",
		},
	)
	closeVetoes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "umbra",
			Subsystem: "host",
			Name:      "close_vetoes_total",
			Help:      "Worker close requests intercepted by the coordinator.",
		},
	)
	handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "umbra",
			Subsystem: "handshake",
			Name:      "duration_seconds",
			Help:      "Time from milestone trigger to resolution.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"milestone"},
	)
	channelsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "umbra",
			Subsystem: "broker",
			Name:      "channels_opened_total",
			Help:      "Channels brokered to the worker host.",
		},
		[]string{"service"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			hostSpawns,
			hostTeardowns,
			hostUp,
			closeVetoes,
			handshakeDuration,
			channelsOpened,
		)
	})
}

func RecordHTTPRequest(host, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(host, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(host, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordHostSpawn(outcome string) {
	RegisterMetrics()
	hostSpawns.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		hostUp.Set(1)
	}
}

func RecordHostTeardown(outcome string) {
	RegisterMetrics()
	hostTeardowns.WithLabelValues(outcome).Inc()
	hostUp.Set(0)
}

func RecordCloseVeto() {
	RegisterMetrics()
	closeVetoes.Inc()
}

func RecordHandshake(milestone string, duration time.Duration) {
	RegisterMetrics()
	handshakeDuration.WithLabelValues(milestone).Observe(duration.Seconds())
}

func RecordChannelOpened(service string) {
	RegisterMetrics()
	channelsOpened.WithLabelValues(service).Inc()
}
