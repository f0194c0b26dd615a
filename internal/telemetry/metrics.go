package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hydrophone-downloader/internal/errkind"
	"hydrophone-downloader/internal/events"
)

var (
	once sync.Once

	TransitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "hydrodl_job_transitions_total", Help: "Job state transitions by target state"}, []string{"state"})
	RetryCounter      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "hydrodl_job_retries_total", Help: "Scheduled retries by error kind"}, []string{"kind"})
	BytesCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "hydrodl_bytes_downloaded_total", Help: "Bytes transferred to disk"})
	ActiveGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "hydrodl_jobs_active", Help: "Jobs in submitted, polling or downloading state"})
	GatewayRequests   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "hydrodl_gateway_requests_total", Help: "Remote API calls by operation and outcome"}, []string{"op", "outcome"})
	GatewayLatency    = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "hydrodl_gateway_request_seconds", Help: "Remote API call latency", Buckets: prometheus.DefBuckets}, []string{"op"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TransitionCounter,
			RetryCounter,
			BytesCounter,
			ActiveGauge,
			GatewayRequests,
			GatewayLatency,
		)
	})
	return promhttp.Handler()
}

// Sink feeds tracker events into the collectors.
type Sink struct{}

var _ events.Sink = Sink{}

func (Sink) Emit(e events.Event) {
	switch e.Type {
	case events.Transition:
		TransitionCounter.WithLabelValues(string(e.To)).Inc()
		switch {
		case e.To.Active() && !e.From.Active():
			ActiveGauge.Inc()
		case e.From.Active() && !e.To.Active():
			ActiveGauge.Dec()
		}
	case events.Retry:
		RetryCounter.WithLabelValues(string(e.Kind)).Inc()
	}
}

// ObserveBytes counts transferred bytes.
func ObserveBytes(n int64) {
	BytesCounter.Add(float64(n))
}

// ObserveRequest records a completed gateway call. An empty kind is a success.
func ObserveRequest(op string, kind errkind.Kind, elapsed time.Duration) {
	outcome := "ok"
	if kind != "" {
		outcome = string(kind)
	}
	GatewayRequests.WithLabelValues(op, outcome).Inc()
	GatewayLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}
