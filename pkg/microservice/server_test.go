package microservice_test

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/jackjduggan/ds-eda-ca/pkg/microservice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestBaseServer_Endpoints(t *testing.T) {
	// Arrange
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_requests_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	server := microservice.NewBaseServer(zerolog.Nop(), ":0", reg)
	server.Mux().HandleFunc("/annotations", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})
	base := "http://localhost" + server.GetHTTPPort()

	// Act
	healthStatus, healthBody := get(t, base+"/healthz")
	metricsStatus, metricsBody := get(t, base+"/metrics")
	customStatus, _ := get(t, base+"/annotations")

	// Assert
	assert.Equal(t, http.StatusOK, healthStatus)
	assert.Equal(t, "OK", healthBody)
	assert.Equal(t, http.StatusOK, metricsStatus)
	assert.Contains(t, metricsBody, "test_requests_total 1")
	assert.Equal(t, http.StatusAccepted, customStatus)
}

func TestBaseServer_NoMetricsWithoutGatherer(t *testing.T) {
	server := microservice.NewBaseServer(zerolog.Nop(), ":0", nil)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Shutdown(context.Background()) })

	status, _ := get(t, "http://localhost"+server.GetHTTPPort()+"/metrics")

	assert.Equal(t, http.StatusNotFound, status)
}

func TestBaseServer_Readiness(t *testing.T) {
	// Arrange
	server := microservice.NewBaseServer(zerolog.Nop(), ":0", nil)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Shutdown(context.Background()) })
	url := "http://localhost" + server.GetHTTPPort() + "/readyz"

	// Act
	before, _ := get(t, url)
	server.SetReady(true)
	after, body := get(t, url)

	// Assert
	assert.Equal(t, http.StatusServiceUnavailable, before)
	assert.Equal(t, http.StatusOK, after)
	assert.Equal(t, "READY", body)
}

func TestBaseServer_PortBeforeStart(t *testing.T) {
	server := microservice.NewBaseServer(zerolog.Nop(), ":8080", nil)

	assert.Equal(t, ":8080", server.GetHTTPPort())
}
