package telemetry

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	require.NotNil(t, tel.Meter)
	require.NotNil(t, tel.Tracer)
	assert.Empty(t, tel.Addr)
	require.NoError(t, shutdown(context.Background()))
}

func TestNew_ServesMetrics(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "gojounit-test", MetricsAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()

	counter, err := tel.Meter.Int64Counter("gojounit.test.hits_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	_, span := tel.Tracer.Start(context.Background(), "test-span")
	span.End()

	resp, err := http.Get("http://" + tel.Addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "hits_total")
}
