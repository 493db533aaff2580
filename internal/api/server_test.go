// ABOUTME: Tests for the REST control surface
// ABOUTME: Drives a real manager with an in-memory sink through httptest
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Resonate-Protocol/resonate-eq/internal/manager"
	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	"github.com/Resonate-Protocol/resonate-eq/pkg/audio/dsp"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output/receiver"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSink accepts everything it is given
type stubSink struct {
	name    string
	devices []output.Device

	mu     sync.Mutex
	open   bool
	cfg    audio.OutputConfig
	volume float64
	stats  output.Counters
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Capabilities() output.Capabilities {
	return output.Capabilities{
		SampleRates:    output.StandardRates,
		Formats:        []audio.SampleFormat{audio.FormatF32, audio.FormatS16LE},
		MinChannels:    1,
		MaxChannels:    2,
		NeedsDiscovery: s.devices != nil,
	}
}

func (s *stubSink) Open(ctx context.Context, cfg audio.OutputConfig) error {
	if err := s.Capabilities().Check(cfg); err != nil {
		return output.OpenFailed(s.name, "unsupported config", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open, s.cfg = true, cfg
	return nil
}

func (s *stubSink) Write(ctx context.Context, b audio.Block) error {
	s.stats.AddWritten(b.Frames(), len(b.Samples)*4)
	return nil
}

func (s *stubSink) Drain(ctx context.Context) error { return nil }

func (s *stubSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func (s *stubSink) LatencyMs() int { return 42 }

func (s *stubSink) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *stubSink) Config() audio.OutputConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *stubSink) Stats() audio.SinkStats { return s.stats.Snapshot(0) }

// volumeSink reports volume errors the way a network receiver does
type volumeSink struct {
	stubSink
}

func (s *volumeSink) SetVolume(ctx context.Context, value float64, curve output.VolumeCurve) error {
	if value < 0 || value > 1 {
		return receiver.NewError(receiver.CodeVolumeOutOfRange, "out of range")
	}
	if curve == output.CurveExponential {
		return receiver.NewError(receiver.CodeVolumeUnsupported, "software only")
	}
	s.mu.Lock()
	s.volume = value
	s.mu.Unlock()
	return nil
}

func (s *volumeSink) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

type discoverSink struct {
	stubSink
}

func (s *discoverSink) Discover(ctx context.Context, timeout time.Duration) ([]output.Device, error) {
	return s.devices, nil
}

type fixture struct {
	mgr  *manager.Manager
	srv  *Server
	http *httptest.Server
	vol  *volumeSink
	disc *discoverSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mgr, err := manager.New(dsp.DefaultSettings())
	require.NoError(t, err)

	f := &fixture{
		mgr:  mgr,
		vol:  &volumeSink{stubSink{name: "local_dac"}},
		disc: &discoverSink{stubSink{name: "dlna", devices: []output.Device{{Name: "Kitchen", ID: "uuid:1"}}}},
	}
	require.NoError(t, mgr.Register(f.vol))
	require.NoError(t, mgr.Register(f.disc))

	f.srv = New(mgr)
	f.srv.metricsInterval = 10 * time.Millisecond
	f.http = httptest.NewServer(f.srv.Handler())
	t.Cleanup(func() {
		f.http.Close()
		mgr.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if s, ok := body.(string); ok {
		rd = bytes.NewReader([]byte(s))
	} else if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "ok", decode[HealthResponse](t, body).Status)
}

func TestSelectAndListOutputs(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/outputs/select",
		`{"name":"local_dac","config":{"sample_rate":48000,"channels":2,"format":"F32","buffer_ms":150,"exclusive":false}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.True(t, decode[SuccessResponse](t, body).Success)

	_, body = f.do(t, http.MethodGet, "/v1/outputs", nil)
	infos := decode[[]manager.SinkInfo](t, body)
	require.Len(t, infos, 2)
	assert.Equal(t, "local_dac", infos[0].Name)
	assert.True(t, infos[0].IsActive)
	assert.True(t, infos[0].IsOpen)
	assert.Equal(t, 42, infos[0].LatencyMs)
	require.NotNil(t, infos[0].Config)
	assert.Equal(t, audio.FormatF32, infos[0].Config.Format)
	assert.False(t, infos[1].IsActive)
}

func TestSelectErrors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed", `{"name":`, http.StatusBadRequest},
		{"missing name", `{}`, http.StatusBadRequest},
		{"unknown sink", `{"name":"nope"}`, http.StatusNotFound},
		{"unsupported format", `{"name":"local_dac","config":{"sample_rate":48000,"channels":2,"format":"S24LE","buffer_ms":150}}`, http.StatusBadRequest},
		{"unknown format", `{"name":"local_dac","config":{"format":"U8"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/v1/outputs/select", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
			assert.NotEmpty(t, decode[ErrorResponse](t, body).Error)
		})
	}
}

func TestStartStopAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/outputs/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/outputs/select", `{"name":"dlna"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, f.mgr.Write(context.Background(), audio.NewBlock(make([]float64, 960), 48000, 2)))

	_, body := f.do(t, http.MethodGet, "/v1/outputs/metrics", nil)
	metrics := decode[map[string]any](t, body)
	assert.Equal(t, "dlna", metrics["output_name"])
	assert.EqualValues(t, 48000, metrics["sample_rate"])
	assert.Equal(t, "F32", metrics["format"])
	assert.EqualValues(t, 42, metrics["latency_ms"])
	assert.EqualValues(t, 3840, metrics["bytes_written"])
	assert.Equal(t, "active", metrics["state"])
	for _, key := range []string{"channels", "underruns", "overruns"} {
		assert.Contains(t, metrics, key)
	}

	resp, _ = f.do(t, http.MethodPost, "/v1/outputs/stop", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.disc.IsOpen())

	resp, _ = f.do(t, http.MethodPost, "/v1/outputs/start", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.disc.IsOpen())
}

func TestRoute(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/route", manager.Route{Output: "dlna", Device: "Kitchen"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	route := decode[manager.Route](t, body)
	assert.Equal(t, "dlna", route.Output)
	assert.True(t, route.Active)
	assert.Equal(t, 48000, route.Config.SampleRate)

	_, body = f.do(t, http.MethodGet, "/v1/route", nil)
	assert.Equal(t, route.ID, decode[manager.Route](t, body).ID)

	resp, _ = f.do(t, http.MethodPost, "/v1/route", `{"device":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCapabilities(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodGet, "/v1/capabilities", nil)
	caps := decode[[]map[string]any](t, body)
	require.Len(t, caps, 2)
	assert.Equal(t, "local_dac", caps[0]["name"])
	assert.Equal(t, false, caps[0]["needs_discovery"])
	assert.Equal(t, true, caps[1]["needs_discovery"])
	assert.Contains(t, caps[0], "sample_rates")
	assert.Contains(t, caps[0], "min_channels")
	assert.Contains(t, caps[0], "exclusive")
}

func TestDSPSettings(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodGet, "/v1/dsp", nil)
	settings := decode[dsp.Settings](t, body)
	assert.Equal(t, -3.0, settings.HeadroomDB)

	resp, body := f.do(t, http.MethodPut, "/v1/dsp", `{"tube_enabled":true,"tape_enabled":true}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode[ErrorResponse](t, body).Details, "mutually exclusive")

	resp, body = f.do(t, http.MethodPut, "/v1/dsp", `{"crossfeed_enabled":true,"headroom_db":-6}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	applied := decode[dsp.Settings](t, body)
	assert.True(t, applied.CrossfeedEnabled)
	assert.Equal(t, -6.0, applied.HeadroomDB)
	assert.True(t, applied.ClipDetection, "fields absent from the body keep their value")
	assert.False(t, applied.UpdatedAt.Before(settings.UpdatedAt))
}

func TestVolume(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/outputs/volume", VolumeRequest{Value: 0.5})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "no active sink")

	resp, _ = f.do(t, http.MethodPost, "/v1/outputs/select", `{"name":"local_dac"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/outputs/volume", VolumeRequest{Value: 0.25, Curve: "linear"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0.25, f.vol.Volume())

	resp, body := f.do(t, http.MethodPost, "/v1/outputs/volume", VolumeRequest{Value: 1.5})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode[ErrorResponse](t, body).Details, "E602")

	resp, body = f.do(t, http.MethodPost, "/v1/outputs/volume", VolumeRequest{Value: 0.5, Curve: "exponential"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, decode[ErrorResponse](t, body).Details, "E601")

	resp, _ = f.do(t, http.MethodPost, "/v1/outputs/volume", VolumeRequest{Value: 0.5, Curve: "cubic"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/outputs/select", `{"name":"dlna"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/v1/outputs/volume", VolumeRequest{Value: 0.5})
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestDiscover(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/v1/discover?output=dlna&timeout_ms=100", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	devices := decode[[]output.Device](t, body)
	require.Len(t, devices, 1)
	assert.Equal(t, "Kitchen", devices[0].Name)

	resp, _ = f.do(t, http.MethodGet, "/v1/discover?output=local_dac", nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/discover?output=nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/discover?output=dlna&timeout_ms=soon", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/discover", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/v1/nothing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/v1/route", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsStream(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/v1/outputs/select", `{"name":"local_dac"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/v1/outputs/metrics/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var m manager.Metrics
		require.NoError(t, conn.ReadJSON(&m), fmt.Sprintf("message %d", i))
		assert.Equal(t, "local_dac", m.OutputName)
		assert.Equal(t, manager.StateActive, m.State)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{output.ErrUnknownSink, http.StatusNotFound},
		{output.ErrNoActiveSink, http.StatusConflict},
		{output.OpenFailed("x", "connect", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{output.OpenFailed("x", "connect", fmt.Errorf("refused")), http.StatusBadGateway},
		{output.OpenFailed("x", "caps", output.ErrCapabilityMismatch), http.StatusBadRequest},
		{receiver.NewError(receiver.CodeVolumeOutOfRange, ""), http.StatusBadRequest},
		{receiver.NewError(receiver.CodeVolumeCurveUnsupported, ""), http.StatusConflict},
		{receiver.NewError(receiver.CodeVersionMismatch, ""), http.StatusBadGateway},
		{manager.ErrClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, StatusFor(tt.err), tt.err.Error())
	}
}
