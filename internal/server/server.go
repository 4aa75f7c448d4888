// Package server exposes the run controller to a desktop front end over
// HTTP, server-sent events, WebSocket and gRPC health checks.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"mapfree/internal/events"
	"mapfree/internal/pipeline"
	"mapfree/internal/storage"
)

const defaultRunLimit = 100

// Server wraps the HTTP control API.
type Server struct {
	addr    string
	ctl     *pipeline.Controller
	bus     *events.Bus
	history *storage.Store
	hub     *Hub
	log     *slog.Logger
	server  *http.Server
}

// NewServer returns a server for ctl. history may be nil.
func NewServer(addr string, ctl *pipeline.Controller, bus *events.Bus, history *storage.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:    addr,
		ctl:     ctl,
		bus:     bus,
		history: history,
		hub:     NewHub(log),
		log:     log,
	}
}

// Handler returns the routed API. The WebSocket hub only delivers while
// Start or RunHub is running.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs", s.handleStartRun).Methods("POST")
	r.HandleFunc("/runs/current", s.handleCurrent).Methods("GET")
	r.HandleFunc("/runs/current/stop", s.handleStop).Methods("POST")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.ServeWS).Methods("GET")
}

// RunHub forwards bus events to WebSocket clients until ctx is done.
func (s *Server) RunHub(ctx context.Context) {
	ch, unsubscribe := s.bus.Chan(256)
	defer unsubscribe()
	s.hub.Run(ctx, ch)
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go s.RunHub(ctx)

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down control API")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctxShutdown); err != nil {
			s.log.Warn("control API shutdown", "error", err)
		}
	}()

	s.log.Info("control API starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []storage.RunRecord{})
		return
	}
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	recs, err := s.history.RecentRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ImageDir == "" || req.ProjectDir == "" {
		writeError(w, http.StatusBadRequest, errors.New("image_dir and project_dir are required"))
		return
	}
	id, err := s.ctl.Start(req)
	if errors.Is(err, pipeline.ErrBusy) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("run started", "run_id", id, "images", req.ImageDir, "project", req.ProjectDir)
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.Stop(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctl.Status())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	// Subscribe before the headers go out so no event after the
	// response starts is missed
	ch, unsubscribe := s.bus.Chan(256)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			// One SSE frame per event, named by its type
			payload, _ := json.Marshal(e)
			_, _ = w.Write([]byte("event: " + string(e.Type) + "\ndata: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}
