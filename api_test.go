package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/cwsl/ka9q_wefax/audio_extensions/wefax"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeControl records the commands the API and display clients send
type fakeControl struct {
	mu        sync.Mutex
	calls     []string
	receiving bool
	stations  []Station
	alignX    float64
	startErr  error
	selectErr error
}

func (f *fakeControl) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeControl) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeControl) Start() error {
	f.record("start")
	return f.startErr
}

func (f *fakeControl) Stop() { f.record("stop") }
func (f *fakeControl) Skip() { f.record("skip") }

func (f *fakeControl) Align(x float64) error {
	f.record("align")
	if !f.receiving {
		return ErrNotReceiving
	}
	f.mu.Lock()
	f.alignX = x
	f.mu.Unlock()
	return nil
}

func (f *fakeControl) Tune(ctx context.Context, x float64) (int, error) {
	f.record("tune")
	if !f.receiving {
		return 0, ErrNotReceiving
	}
	if x < 0 || x >= 600 {
		return 0, fmt.Errorf("tune: %w", wefax.ErrColumnRange)
	}
	return 4610000 + int(x), nil
}

func (f *fakeControl) Spectrum() ([]float64, error) {
	if !f.receiving {
		return nil, ErrNotReceiving
	}
	return []float64{0, 0.5, 1}, nil
}

func (f *fakeControl) Status(ctx context.Context) ReceiverStatus {
	return ReceiverStatus{Receiving: f.receiving, Input: InputRadiod, Frequency: 4610000}
}

func (f *fakeControl) Stations() []Station { return f.stations }

func (f *fakeControl) SetStations(stations []Station) error {
	f.stations = stations
	return nil
}

func (f *fakeControl) SelectStation(ctx context.Context, idx int) (Station, error) {
	if f.selectErr != nil {
		return Station{}, f.selectErr
	}
	return f.stations[idx], nil
}

func newTestAPI(t *testing.T, ctl *fakeControl, mutate func(*Config)) http.Handler {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	reg := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(reg, reg, log.New(io.Discard))
	hub := NewDisplayHub(metrics, log.New(io.Discard))
	return NewAPIServer(ctl, hub, metrics, cfg, log.New(io.Discard)).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPIStatus(t *testing.T) {
	h := newTestAPI(t, &fakeControl{receiving: true}, nil)

	rec := do(t, h, "GET", "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, true, status["receiving"])
	assert.Equal(t, "radiod", status["input"])
	assert.Equal(t, 4610000.0, status["frequency"])

	rec = do(t, h, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), Version)
}

func TestAPICommands(t *testing.T) {
	ctl := &fakeControl{receiving: true}
	h := newTestAPI(t, ctl, nil)

	assert.Equal(t, http.StatusOK, do(t, h, "POST", "/api/start", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, "POST", "/api/skip", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, "POST", "/api/stop", "").Code)
	assert.Equal(t, []string{"start", "skip", "stop"}, ctl.recorded())

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, "GET", "/api/start", "").Code)

	ctl.startErr = errors.New("already receiving")
	rec := do(t, h, "POST", "/api/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "already receiving", resp.Message)
}

func TestAPITuneAndAlign(t *testing.T) {
	ctl := &fakeControl{receiving: true}
	h := newTestAPI(t, ctl, nil)

	rec := do(t, h, "POST", "/api/tune?x=250", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tune TuneResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tune))
	assert.Equal(t, 4610250, tune.Frequency)

	assert.Equal(t, http.StatusBadRequest, do(t, h, "POST", "/api/tune", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "POST", "/api/tune?x=abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "POST", "/api/tune?x=5000", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "POST", "/api/align?x=-1", "").Code)

	assert.Equal(t, http.StatusOK, do(t, h, "POST", "/api/align?x=600", "").Code)
	assert.Equal(t, 600.0, ctl.alignX)

	rec = do(t, h, "GET", "/api/spectrum", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[0,0.5,1]", rec.Body.String())

	ctl.receiving = false
	assert.Equal(t, http.StatusConflict, do(t, h, "POST", "/api/tune?x=1", "").Code)
	assert.Equal(t, http.StatusConflict, do(t, h, "POST", "/api/align?x=1", "").Code)
	assert.Equal(t, http.StatusConflict, do(t, h, "GET", "/api/spectrum", "").Code)
}

func TestAPIStations(t *testing.T) {
	ctl := &fakeControl{}
	h := newTestAPI(t, ctl, nil)

	rec := do(t, h, "GET", "/api/stations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = do(t, h, "PUT", "/api/stations", `[{"name":"Northwood","frequency":4610000,"sideband":"USB","lpm":120}]`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ctl.stations, 1)
	assert.Equal(t, "Northwood", ctl.stations[0].Name)

	assert.Equal(t, http.StatusBadRequest, do(t, h, "PUT", "/api/stations", `[{"name":" "}]`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "PUT", "/api/stations", `[{"name":"X","frequency":-1}]`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "PUT", "/api/stations", `{`).Code)

	rec = do(t, h, "POST", "/api/stations/0/select", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Northwood")

	assert.Equal(t, http.StatusNotFound, do(t, h, "POST", "/api/stations/5/select", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, "POST", "/api/stations/x/select", "").Code)

	ctl.selectErr = errors.New("rig not answering")
	assert.Equal(t, http.StatusBadGateway, do(t, h, "POST", "/api/stations/0/select", "").Code)
}

func TestAPIMetricsAccess(t *testing.T) {
	h := newTestAPI(t, &fakeControl{}, nil)
	assert.Equal(t, http.StatusNotFound, do(t, h, "GET", "/metrics", "").Code, "disabled by default")

	h = newTestAPI(t, &fakeControl{}, func(c *Config) {
		c.Prometheus.Enabled = true
		c.Prometheus.AllowedHosts = []string{"10.0.0.0/8"}
		require.NoError(t, c.Prometheus.parseAllowedHosts())
	})
	// httptest requests come from 192.0.2.1
	assert.Equal(t, http.StatusForbidden, do(t, h, "GET", "/metrics", "").Code)

	h = newTestAPI(t, &fakeControl{}, func(c *Config) {
		c.Prometheus.Enabled = true
	})
	rec := do(t, h, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wefax_lines_decoded_total")
}

func TestAPICORS(t *testing.T) {
	h := newTestAPI(t, &fakeControl{}, func(c *Config) { c.Server.EnableCORS = true })

	rec := do(t, h, "OPTIONS", "/api/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(t, h, "GET", "/api/status", "")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	h = newTestAPI(t, &fakeControl{}, nil)
	rec = do(t, h, "GET", "/api/status", "")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
