// Package monitor serves the simulator's HTTP status interface: sensor
// state as JSON, point cloud charts and plots, the websocket frame feed and
// the capture log admin routes.
package monitor

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/lidarsim/internal/httputil"
	"github.com/banshee-data/lidarsim/internal/lidar/sensor"
	"github.com/banshee-data/lidarsim/internal/lidardb"
	"github.com/banshee-data/lidarsim/internal/monitoring"
)

//go:embed status.html
var statusHTML embed.FS

var statusTemplate = template.Must(template.ParseFS(statusHTML, "status.html"))

var logf = monitoring.Component("Monitor")

// WebServer handles the HTTP interface for monitoring simulated sensors.
type WebServer struct {
	address  string
	registry *sensor.Registry
	stats    *CaptureStats
	ws       http.Handler
	db       *lidardb.DB
	server   *http.Server
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address  string
	Registry *sensor.Registry
	Stats    *CaptureStats

	// WebSocket serves /ws when set (typically a *publish.Hub).
	WebSocket http.Handler

	// DB enables /api/captures and the /debug admin routes.
	DB *lidardb.DB
}

// SensorInfo is one entry of /api/sensors.
type SensorInfo struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Model              string          `json:"model"`
	Rays               int             `json:"rays"`
	AutomaticCaptureHz float64         `json:"automatic_capture_hz"`
	DistanceNoise      bool            `json:"distance_noise"`
	AngularNoise       bool            `json:"angular_noise"`
	VelocityDistortion bool            `json:"velocity_distortion"`
	Captures           uint64          `json:"captures"`
	Stats              *SensorSnapshot `json:"stats,omitempty"`
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) (*WebServer, error) {
	if config.Stats == nil {
		config.Stats = NewCaptureStats()
	}
	ws := &WebServer{
		address:  config.Address,
		registry: config.Registry,
		stats:    config.Stats,
		ws:       config.WebSocket,
		db:       config.DB,
	}
	mux, err := ws.setupRoutes()
	if err != nil {
		return nil, err
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws, nil
}

// Handler returns the route multiplexer.
func (ws *WebServer) Handler() http.Handler {
	return ws.server.Handler
}

// Start serves until ctx is cancelled, then shuts down.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		logf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			logf("HTTP server force close error: %v", err)
		}
	}
	logf("HTTP server routine stopped")
	return nil
}

func (ws *WebServer) setupRoutes() (*http.ServeMux, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/", ws.handleStatus)
	mux.HandleFunc("/api/sensors", ws.handleSensors)
	mux.HandleFunc("/chart", ws.handlePointCloudChart)
	mux.HandleFunc("/plot.png", ws.handlePlot)
	if ws.ws != nil {
		mux.Handle("/ws", ws.ws)
	}
	if ws.db != nil {
		mux.HandleFunc("/api/captures", ws.handleCaptures)
		if err := ws.db.AttachAdminRoutes(mux); err != nil {
			return nil, fmt.Errorf("admin routes: %w", err)
		}
	}
	return mux, nil
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"status":    "ok",
		"service":   "lidarsim",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (ws *WebServer) sensors() []SensorInfo {
	out := []SensorInfo{}
	if ws.registry == nil {
		return out
	}
	for _, s := range ws.registry.Snapshot() {
		cfg := s.Configuration()
		st := s.Settings()
		info := SensorInfo{
			ID:                 s.ID().String(),
			Name:               s.Name(),
			Model:              cfg.Name,
			AutomaticCaptureHz: st.AutomaticCaptureHz,
			DistanceNoise:      st.ApplyDistanceNoise,
			AngularNoise:       st.ApplyAngularNoise,
			VelocityDistortion: st.ApplyVelocityDistortion,
			Captures:           s.Captures(),
		}
		if rays, err := cfg.Rays(); err == nil {
			info.Rays = rays.Len()
		}
		if snap, ok := ws.stats.Sensor(s.Name()); ok {
			info.Stats = &snap
		}
		out = append(out, info)
	}
	return out
}

func (ws *WebServer) handleSensors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, ws.sensors())
}

// handleCaptures returns recent captures of one sensor from the capture log.
// Query params: sensor (required), limit (optional, default 20).
func (ws *WebServer) handleCaptures(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("sensor")
	if name == "" {
		httputil.BadRequest(w, "missing 'sensor' parameter")
		return
	}
	limit, err := httputil.QueryInt(r, "limit", 20, 1, 1000)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	var target *sensor.Sensor
	if ws.registry != nil {
		for _, s := range ws.registry.Snapshot() {
			if s.Name() == name {
				target = s
				break
			}
		}
	}
	if target == nil {
		httputil.NotFound(w, fmt.Sprintf("unknown sensor '%s'", name))
		return
	}
	captures, err := ws.db.Captures(r.Context(), target.ID(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("reading captures: %v", err))
		return
	}
	httputil.WriteJSONOK(w, captures)
}

func (ws *WebServer) handlePlot(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("sensor")
	if name == "" {
		httputil.BadRequest(w, "missing 'sensor' parameter")
		return
	}
	b := ws.stats.Latest(name)
	if b == nil {
		httputil.NotFound(w, fmt.Sprintf("no frame captured for sensor '%s'", name))
		return
	}
	var buf bytes.Buffer
	if err := WritePlot(&buf, b, 6*vg.Inch); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	data := struct {
		HTTPAddress string
		Uptime      string
		Sensors     []SensorInfo
		WebSocket   bool
		Admin       bool
	}{
		HTTPAddress: ws.address,
		Uptime:      ws.stats.GetUptime().Round(time.Second).String(),
		Sensors:     ws.sensors(),
		WebSocket:   ws.ws != nil,
		Admin:       ws.db != nil,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusTemplate.Execute(w, data); err != nil {
		http.Error(w, "Error executing template: "+err.Error(), http.StatusInternalServerError)
	}
}

// Close shuts down the web server.
func (ws *WebServer) Close() error {
	if ws.server != nil {
		return ws.server.Close()
	}
	return nil
}
