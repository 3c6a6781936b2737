package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerServesMetrics(t *testing.T) {
	FramesReadTotal.WithLabelValues("live").Add(3)

	s := NewServer("127.0.0.1:0", "")
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `canlens_frames_read_total{mode="live"}`)
}

func TestServerStartFailsOnBadAddress(t *testing.T) {
	s := NewServer("256.0.0.1:bad", "/m")
	assert.Error(t, s.Start(context.Background()))
	assert.NoError(t, s.Stop(context.Background()))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(SinkErrorsTotal.WithLabelValues("test"))
	SinkErrorsTotal.WithLabelValues("test").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(SinkErrorsTotal.WithLabelValues("test")))
}

func TestHealthReportsSessionState(t *testing.T) {
	SetSessionState(SessionStatePaused)
	defer SetSessionState(SessionStateIdle)

	s := NewServer("127.0.0.1:0", "")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, HealthPath, nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok","session":"paused","uptime":""}`, rec.Body.String())
	assert.Equal(t, float64(SessionStatePaused), testutil.ToFloat64(SessionState))
}

func TestSessionStateNameUnknown(t *testing.T) {
	SetSessionState(9)
	defer SetSessionState(SessionStateIdle)
	assert.Equal(t, "unknown", SessionStateName())
}
