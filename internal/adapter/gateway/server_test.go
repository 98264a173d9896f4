package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/domain"
	"parley/internal/infra/metrics"
	"parley/internal/infra/middleware"
)

type fixedActors []domain.ActorStatus

func (f fixedActors) Status() []domain.ActorStatus { return f }

func testActors() fixedActors {
	return fixedActors{
		{AgentID: "a1", State: domain.ActorRunning, MailboxDepth: 2, Channels: []string{"topic:t1"}},
		{AgentID: "a2", State: domain.ActorRunning},
	}
}

func newTestServer(t *testing.T, gatherer prometheus.Gatherer) *httptest.Server {
	t.Helper()
	s := NewServer("127.0.0.1:0", "", testActors(), gatherer, slog.Default())
	s.Use(middleware.SecurityHeaders)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestActorsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/v1/actors")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body ActorsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body.Running)
	assert.Equal(t, 2, body.Queued)
	require.Len(t, body.Actors, 2)
	assert.Equal(t, []string{"topic:t1"}, body.Actors[0].Channels)
}

func TestActorsEndpointFilter(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/v1/actors?agent=a2")
	require.NoError(t, err)
	var body ActorsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	require.Len(t, body.Actors, 1)
	assert.Equal(t, "a2", body.Actors[0].AgentID)
	assert.Equal(t, 0, body.Queued)

	resp, err = http.Get(ts.URL + "/api/v1/actors?agent=ghost")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestActorsEndpointMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := http.Post(ts.URL+"/api/v1/actors", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Routed("new_message")

	ts := newTestServer(t, reg)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `parley_envelopes_routed_total{event="new_message"} 1`)
}

func TestMetricsDisabledWithoutGatherer(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerLifecycle(t *testing.T) {
	s := NewServer("127.0.0.1:0", "/metrics", testActors(), nil, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	require.Eventually(t, func() bool {
		addr := s.BoundAddr()
		if addr == "" {
			return false
		}
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
