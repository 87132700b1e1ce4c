package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func pollInto(t *testing.T, m *MetricsCollector, refs ...string) *Poller {
	t.Helper()

	d := newTestDevice(&fakeTransport{responses: testResponses()}, nil)
	p, err := NewPoller(d, PollConfig{Interval: time.Second, Registers: refs}, WithSink(m))
	require.NoError(t, err)
	p.PollOnce(context.Background())
	return p
}

func TestMetricsCollector_Record(t *testing.T) {
	m := NewMetricsCollector(zap.NewNop())
	pollInto(t, m, "04:3100", "04:311A", "04:1234")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.readsTotal.WithLabelValues(ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.readsTotal.WithLabelValues(ResultUnsupported)))

	pv := m.registerValue.WithLabelValues("04", "3100", "B1", "V")
	assert.InDelta(t, 26.89, testutil.ToFloat64(pv), 1e-9)

	soc := m.registerValue.WithLabelValues("04", "311a", "B27", "%%")
	assert.Equal(t, 77.0, testutil.ToFloat64(soc))

	assert.Equal(t, 1, testutil.CollectAndCount(m.sweepDuration))
}

func TestMetricsCollector_Snapshot(t *testing.T) {
	m := NewMetricsCollector(nil)
	pollInto(t, m, "04:311A", "04:3100")

	snap := m.Snapshot()
	require.Len(t, snap.Readings, 2)
	assert.Equal(t, "3100", snap.Readings[0].Register, "依功能碼與位址排序")
	assert.Equal(t, "311a", snap.Readings[1].Register)
	assert.False(t, snap.LastSweep.IsZero())
}

func TestMetricsCollector_MetricsEndpoint(t *testing.T) {
	m := NewMetricsCollector(zap.NewNop())
	pollInto(t, m, "04:3100")

	srv := httptest.NewServer(m.Handler("/metrics"))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `epever_register_value{fcode="04",identifier="B1",register="3100",unit="V"} 26.89`)
	assert.Contains(t, text, `epever_reads_total{result="ok"} 1`)
	assert.Contains(t, text, "epever_sweep_duration_seconds_count 1")
}

func TestMetricsCollector_ReadingsEndpoint(t *testing.T) {
	m := NewMetricsCollector(zap.NewNop())
	pollInto(t, m, "04:3200")

	srv := httptest.NewServer(m.Handler("/metrics"))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readings")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap MetricsSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Len(t, snap.Readings, 1)
	assert.Equal(t, "0000000000000101", snap.Readings[0].Value.Bits)
	assert.Equal(t, EncodingBitField, snap.Readings[0].Value.Kind)
}

func TestMetricsCollector_Health(t *testing.T) {
	m := NewMetricsCollector(zap.NewNop())
	srv := httptest.NewServer(m.Handler("/metrics"))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// 輪詢器未運行
	m.SetPoller(pollInto(t, m, "04:3100"))

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "stopped"))
}

func TestMetricsCollector_ShutdownWithoutStart(t *testing.T) {
	m := NewMetricsCollector(zap.NewNop())
	assert.NoError(t, m.Shutdown(context.Background()))
}
