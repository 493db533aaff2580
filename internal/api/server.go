// ABOUTME: REST control surface for the output manager
// ABOUTME: Routes select/start/stop/metrics/route/dsp/volume/discovery and a live metrics WebSocket
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Resonate-Protocol/resonate-eq/internal/manager"
	"github.com/Resonate-Protocol/resonate-eq/internal/version"
	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	defaultDiscoveryTimeout = 3 * time.Second
	maxDiscoveryTimeout     = 30 * time.Second
	writeWait               = 5 * time.Second
)

// Server exposes a manager over HTTP
type Server struct {
	mgr             *manager.Manager
	log             *logrus.Entry
	mux             *http.ServeMux
	upgrader        websocket.Upgrader
	httpServer      *http.Server
	metricsInterval time.Duration
}

// New creates the API server for mgr
func New(mgr *manager.Manager) *Server {
	s := &Server{
		mgr:             mgr,
		log:             logrus.WithField("component", "api"),
		mux:             http.NewServeMux(),
		metricsInterval: time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /v1/outputs", s.handleOutputs)
	s.mux.HandleFunc("POST /v1/outputs/select", s.handleSelect)
	s.mux.HandleFunc("POST /v1/outputs/start", s.handleStart)
	s.mux.HandleFunc("POST /v1/outputs/stop", s.handleStop)
	s.mux.HandleFunc("GET /v1/outputs/metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /v1/outputs/metrics/ws", s.handleMetricsStream)
	s.mux.HandleFunc("POST /v1/outputs/volume", s.handleVolume)
	s.mux.HandleFunc("GET /v1/route", s.handleGetRoute)
	s.mux.HandleFunc("POST /v1/route", s.handleSetRoute)
	s.mux.HandleFunc("GET /v1/capabilities", s.handleCapabilities)
	s.mux.HandleFunc("GET /v1/dsp", s.handleGetDSP)
	s.mux.HandleFunc("PUT /v1/dsp", s.handlePutDSP)
	s.mux.HandleFunc("GET /v1/discover", s.handleDiscover)
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler { return s.mux }

// Serve accepts connections on l until Shutdown
func (s *Server) Serve(l net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Infof("Control API listening on http://%s", l.Addr())
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds addr and serves
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(l)
}

// Shutdown stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// SuccessResponse acknowledges a command
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is the liveness body
type HealthResponse struct {
	Status  string `json:"status"`
	Product string `json:"product"`
	Version string `json:"version"`
}

// SelectRequest names a sink; a missing config selects the defaults
type SelectRequest struct {
	Name   string              `json:"name"`
	Device string              `json:"device,omitempty"`
	Config *audio.OutputConfig `json:"config,omitempty"`
}

// VolumeRequest sets the active sink's volume
type VolumeRequest struct {
	Value float64 `json:"value"`
	Curve string  `json:"curve,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Product: version.Product, Version: version.Version})
}

func (s *Server) handleOutputs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.ListSinks())
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", "")
		return
	}
	cfg := audio.DefaultOutputConfig()
	if req.Config != nil {
		cfg = *req.Config
	}
	if err := s.mgr.Select(r.Context(), req.Name, req.Device, cfg); err != nil {
		s.fail(w, "select failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: fmt.Sprintf("output %s selected", req.Name)})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Start(r.Context()); err != nil {
		s.fail(w, "start failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "output started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Stop(r.Context()); err != nil {
		s.fail(w, "stop failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "output stopped"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Metrics())
}

// handleMetricsStream pushes a metrics snapshot every interval until the
// client goes away
func (s *Server) handleMetricsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("Metrics stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.metricsInterval)
	defer ticker.Stop()
	for {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(s.mgr.Metrics()); err != nil {
			s.log.Debugf("Metrics stream closed: %v", err)
			return
		}
		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	var req VolumeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	curve, err := output.ParseVolumeCurve(req.Curve)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid curve", err.Error())
		return
	}
	if err := s.mgr.SetVolume(r.Context(), req.Value, curve); err != nil {
		s.fail(w, "volume change failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "volume set"})
}

func (s *Server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Route())
}

func (s *Server) handleSetRoute(w http.ResponseWriter, r *http.Request) {
	var route manager.Route
	if !decodeBody(w, r, &route) {
		return
	}
	if route.Output == "" {
		writeError(w, http.StatusBadRequest, "output is required", "")
		return
	}
	if route.Config == (audio.OutputConfig{}) {
		route.Config = audio.DefaultOutputConfig()
	}
	if err := s.mgr.SetRoute(r.Context(), route); err != nil {
		s.fail(w, "route change failed", err)
		return
	}
	writeJSON(w, http.StatusOK, s.mgr.Route())
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Capabilities())
}

func (s *Server) handleGetDSP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Settings())
}

func (s *Server) handlePutDSP(w http.ResponseWriter, r *http.Request) {
	settings := s.mgr.Settings()
	if !decodeBody(w, r, &settings) {
		return
	}
	applied, err := s.mgr.ApplySettings(settings)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid dsp settings", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, applied)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("output")
	if name == "" {
		writeError(w, http.StatusBadRequest, "output is required", "")
		return
	}
	timeout := defaultDiscoveryTimeout
	if v := r.URL.Query().Get("timeout_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout_ms", v)
			return
		}
		timeout = min(time.Duration(ms)*time.Millisecond, maxDiscoveryTimeout)
	}
	devices, err := s.mgr.Discover(r.Context(), name, timeout)
	if err != nil {
		s.fail(w, "discovery failed", err)
		return
	}
	if devices == nil {
		devices = []output.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Errorf("%s: %v", msg, err)
	} else {
		s.log.Warnf("%s: %v", msg, err)
	}
	writeError(w, status, msg, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithField("component", "api").Debugf("Encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg, details string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Details: details})
}
