// Package monitor serves session diagnostics over HTTP and renders
// registration residual charts.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/depthfuse/internal/monitoring"
	"github.com/banshee-data/depthfuse/internal/pipeline"
	"github.com/banshee-data/depthfuse/internal/timeutil"
	"github.com/banshee-data/depthfuse/internal/version"
)

// Source is the read side of a running session.
type Source interface {
	Diagnostics() []pipeline.DeviceStatus
	Info() pipeline.SessionInfo
}

// WebServer exposes device diagnostics, session state and Prometheus
// metrics.
type WebServer struct {
	address string
	source  Source
	metrics *monitoring.Metrics
	clock   timeutil.Clock
	server  *http.Server
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address string
	Source  Source
	// Metrics is optional; /metrics returns 404 without it.
	Metrics *monitoring.Metrics
	Clock   timeutil.Clock
}

// NewWebServer creates a web server for src.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address: config.Address,
		source:  config.Source,
		metrics: config.Metrics,
		clock:   config.Clock,
	}
	if ws.clock == nil {
		ws.clock = timeutil.RealClock{}
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.setupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

// Start serves until ctx is cancelled, then shuts the server down.
func (ws *WebServer) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}
	monitoring.Debugf("HTTP server stopped")
	return nil
}

// Close shuts down the web server immediately.
func (ws *WebServer) Close() error {
	return ws.server.Close()
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/devices", ws.handleDevices)
	mux.HandleFunc("/api/session", ws.handleSession)
	mux.HandleFunc("/debug/registration/chart", ws.handleResidualChart)
	if ws.metrics != nil {
		mux.Handle("/metrics", ws.metrics.Handler())
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("failed to encode json response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   "depthfuse",
		"version":   version.Version,
		"timestamp": ws.clock.Now().UTC().Format(time.RFC3339),
	})
}

// handleDevices returns the diagnostics of every device, or of one device
// when the index query parameter is given.
func (ws *WebServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	devices := ws.source.Diagnostics()
	q := r.URL.Query().Get("index")
	if q == "" {
		if devices == nil {
			devices = []pipeline.DeviceStatus{}
		}
		writeJSON(w, http.StatusOK, devices)
		return
	}
	idx, err := strconv.Atoi(q)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "index must be an integer")
		return
	}
	for _, d := range devices {
		if d.DeviceIndex == idx {
			writeJSON(w, http.StatusOK, d)
			return
		}
	}
	writeJSONError(w, http.StatusNotFound, "no such device")
}

func (ws *WebServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, ws.source.Info())
}
