package observability_test

import (
	"MarginWatch/internal/observability"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_IsolatedRegistries(t *testing.T) {
	// Two instances on separate registries must not collide.
	m1 := observability.NewMetrics(prometheus.NewRegistry())
	m2 := observability.NewMetrics(prometheus.NewRegistry())

	m1.Ticks.WithLabelValues("completed").Inc()
	m1.Ticks.WithLabelValues("completed").Inc()
	m2.Ticks.WithLabelValues("skipped_overlap").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m1.Ticks.WithLabelValues("completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m2.Ticks.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m2.Ticks.WithLabelValues("skipped_overlap")))
}

func TestNewMetrics_Registered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	m.AccountResults.WithLabelValues("liquidated").Inc()
	m.StoreErrors.WithLabelValues("apply_liquidation", "stale").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["mw_watcher_running"])
	assert.True(t, names["mw_account_results_total"])
	assert.True(t, names["mw_store_errors_total"])
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, observability.ParseLogLevel(tt.in), "input %q", tt.in)
	}
}

func TestNewLoggerTo_ComponentField(t *testing.T) {
	var buf bytes.Buffer
	log := observability.NewLoggerTo(&buf, "watcher", zerolog.InfoLevel)
	log.Info().Msg("tick")
	log.Debug().Msg("hidden")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "watcher", entry["component"])
	assert.Equal(t, "tick", entry["message"])
}

func TestHealthChecker(t *testing.T) {
	var transitions []bool
	h := observability.NewHealthChecker(func(ready bool) { transitions = append(transitions, ready) })

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetReady(true)
	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.SetReady(false)
	assert.Equal(t, []bool{true, false}, transitions)

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
