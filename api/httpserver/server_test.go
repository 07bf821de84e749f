package httpserver

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thibmeu/daphne/aggregator"
	"github.com/thibmeu/daphne/dap"
)

func newTestServer(t *testing.T, registrars ...RouteRegistrar) *httptest.Server {
	t.Helper()
	srv, err := New(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      slog.New(slog.NewTextHandler(io.Discard, nil)),
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}, registrars...)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp.StatusCode, string(body)
}

func TestLivenessCarriesVersion(t *testing.T) {
	ts := newTestServer(t)

	status, body := get(t, ts.URL+"/livez")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"status":"alive"`)
	assert.Contains(t, body, `"version"`)
}

func TestDrainFlipsReadiness(t *testing.T) {
	ts := newTestServer(t)

	status, body := get(t, ts.URL+"/readyz")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "ready")

	status, body = get(t, ts.URL+"/drain")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "draining")

	status, _ = get(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, status)

	_, body = get(t, ts.URL+"/drain")
	assert.Contains(t, body, "already draining")

	status, _ = get(t, ts.URL+"/undrain")
	require.Equal(t, http.StatusOK, status)

	status, _ = get(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusOK, status)
}

func TestAggregatorRoutesMountUnderBasePath(t *testing.T) {
	agg, err := aggregator.New(aggregator.Config{
		Role: dap.RoleNameLeader,
		Log:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	ts := newTestServer(t, NewAggregatorHandler(agg, DefaultBasePath))

	resp, err := http.Post(ts.URL+DefaultBasePath+"/internal/test/ready", "application/json", nil)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// the same route without the version prefix must not exist
	resp, err = http.Post(ts.URL+"/internal/test/ready", "application/json", nil)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
