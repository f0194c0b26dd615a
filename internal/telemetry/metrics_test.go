package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydrophone-downloader/internal/errkind"
	"hydrophone-downloader/internal/events"
	"hydrophone-downloader/internal/models"
)

func TestSinkTracksActiveJobs(t *testing.T) {
	before := testutil.ToFloat64(ActiveGauge)
	completed := testutil.ToFloat64(TransitionCounter.WithLabelValues("completed"))

	s := Sink{}
	s.Emit(events.Event{Type: events.Transition, From: models.StatePending, To: models.StateSubmitted})
	s.Emit(events.Event{Type: events.Transition, From: models.StateSubmitted, To: models.StatePolling})
	assert.Equal(t, before+1, testutil.ToFloat64(ActiveGauge))

	s.Emit(events.Event{Type: events.Transition, From: models.StatePolling, To: models.StateReady})
	s.Emit(events.Event{Type: events.Transition, From: models.StateReady, To: models.StateDownloading})
	s.Emit(events.Event{Type: events.Transition, From: models.StateDownloading, To: models.StateCompleted})
	assert.Equal(t, before, testutil.ToFloat64(ActiveGauge))
	assert.Equal(t, completed+1, testutil.ToFloat64(TransitionCounter.WithLabelValues("completed")))
}

func TestSinkCountsRetries(t *testing.T) {
	before := testutil.ToFloat64(RetryCounter.WithLabelValues("rate_limit"))
	Sink{}.Emit(events.Event{Type: events.Retry, Kind: errkind.RateLimit})
	assert.Equal(t, before+1, testutil.ToFloat64(RetryCounter.WithLabelValues("rate_limit")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	ObserveBytes(42)
	ObserveRequest("submit", "", 20*time.Millisecond)
	ObserveRequest("submit", errkind.Auth, time.Millisecond)

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "hydrodl_bytes_downloaded_total")
	assert.Contains(t, string(body), `hydrodl_gateway_requests_total{op="submit",outcome="auth"}`)
}
