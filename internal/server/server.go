// Package server serves the local viewer: the mirrored video, the landmark
// overlay and the status readout.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ayusman/handwave/internal/app"
	"github.com/ayusman/handwave/internal/capture"
)

// Pipeline is the part of the app the viewer reads and controls.
type Pipeline interface {
	Display() *app.Display
	Status() string
	Session() string
	Ready() bool
	Stats() capture.Stats
	Reload(ctx context.Context) error
	SetEnabled(enabled bool)
	IsEnabled() bool
}

// Config holds the server configuration.
type Config struct {
	StaticDir string
	App       Pipeline
	Log       *logrus.Entry

	// FrameInterval paces the MJPEG stream. Defaults to 50ms.
	FrameInterval time.Duration
}

// Server is the viewer's HTTP handler.
type Server struct {
	config Config
	router *mux.Router
	log    *logrus.Entry
	start  time.Time
}

func New(config Config) *Server {
	if config.FrameInterval <= 0 {
		config.FrameInterval = 50 * time.Millisecond
	}
	log := config.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		config: config,
		router: mux.NewRouter(),
		log:    log.WithField("component", "server"),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)

	if s.config.App != nil {
		r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
		r.HandleFunc("/api/reload", s.handleReload).Methods(http.MethodPost)
		r.HandleFunc("/api/enabled", s.handleEnabled).Methods(http.MethodPost)
		r.HandleFunc("/api/overlay.png", s.handleOverlay).Methods(http.MethodGet)
		r.Handle("/api/stream", NewStreamHandler(s.config.App.Display(), s.config.FrameInterval)).Methods(http.MethodGet)
		r.Handle("/api/events", NewEventsHandler(s.config.App.Display(), s.log)).Methods(http.MethodGet)
	}

	if s.config.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(s.config.StaticDir))).Methods(http.MethodGet, http.MethodHead)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	})
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	app.Snapshot
	Ready      bool   `json:"ready"`
	Dispatched uint64 `json:"frames_dispatched"`
	Dropped    uint64 `json:"frames_dropped"`
	Stale      uint64 `json:"frames_stale"`
}

func (s *Server) status() StatusResponse {
	a := s.config.App
	d := a.Display()
	st := a.Stats()
	snap := d.Snapshot()
	snap.Status = a.Status()
	snap.Enabled = a.IsEnabled()
	return StatusResponse{
		Snapshot:   snap,
		Ready:      a.Ready(),
		Dispatched: st.Dispatched,
		Dropped:    st.Dropped,
		Stale:      d.Stale(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.config.App.Reload(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, s.status())
}

func (s *Server) handleEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": `body must be {"enabled": true|false}`})
		return
	}
	s.config.App.SetEnabled(*req.Enabled)
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	png := s.config.App.Display().Overlay()
	w.Header().Set("Cache-Control", "no-store")
	if png == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Handler:     s,
		Addr:        addr,
		ReadTimeout: 60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("viewer listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "viewer")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "viewer shutdown")
	}
	return nil
}
