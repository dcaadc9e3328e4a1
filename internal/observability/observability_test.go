package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessions/internal/backend"
	"sessions/internal/clock"
	"sessions/internal/models"
	"sessions/internal/version"
)

func TestSetup_MetricsOnly(t *testing.T) {
	p, err := Setup(
		models.MetricsConfig{Enabled: true},
		models.TracingConfig{},
		version.GetInfo(),
	)
	require.NoError(t, err)
	assert.NotNil(t, p.PrometheusExporter())

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSetup_UnsupportedExporter(t *testing.T) {
	_, err := Setup(
		models.MetricsConfig{},
		models.TracingConfig{Enabled: true, Exporter: "carrier-pigeon"},
		version.GetInfo(),
	)
	assert.Error(t, err)
}

func TestMetricsServer_ServesScrapeEndpoint(t *testing.T) {
	p, err := Setup(
		models.MetricsConfig{Enabled: true},
		models.TracingConfig{},
		version.GetInfo(),
	)
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	// Record something through the instrumented backend so the scrape has
	// session metrics to show.
	b, err := NewInstrumentedBackend(backend.NewMemory(0, clock.Real{}))
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Set(context.Background(), "k", []byte("v"), 60))

	ms := p.MetricsServer(9090, "/metrics")
	srv := httptest.NewServer(ms.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "backend_operation"),
		"scrape output should include backend operation metrics")
}

func TestMetricsServer_DisabledProviderAnswers503(t *testing.T) {
	p, err := Setup(models.MetricsConfig{}, models.TracingConfig{}, version.GetInfo())
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	ms := p.MetricsServer(9090, "/metrics")
	srv := httptest.NewServer(ms.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode,
		"a metrics-disabled session must not scrape as silently healthy")
}

func TestInstrumentedBackend_Passthrough(t *testing.T) {
	ctx := context.Background()
	inner := backend.NewMemory(0, clock.Real{})

	b, err := NewInstrumentedBackend(inner)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Set(ctx, "k", []byte("v"), 60))
	v, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	n, err := b.Incr(ctx, "c", 5, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	require.NoError(t, b.ZAdd(ctx, "z", 1.5, "m", 60))
	count, err := b.ZCount(ctx, "z", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	swapped, err := b.CAS(ctx, "s", nil, []byte("x"), 60)
	require.NoError(t, err)
	assert.True(t, swapped)

	require.NoError(t, b.Clear(ctx, "k"))
	_, ok, err = b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
