package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/normanking/antigravity/internal/backend"
	"github.com/normanking/antigravity/internal/models"
	"github.com/normanking/antigravity/internal/orchestrator"
	"github.com/normanking/antigravity/internal/session"
)

// Orchestrator is the slice of *orchestrator.Orchestrator the server uses.
type Orchestrator interface {
	SubmitTurn(ctx context.Context, req orchestrator.TurnRequest) iter.Seq2[orchestrator.Update, error]
	DescribeModels(ctx context.Context) []models.Descriptor
	LoadModel(ctx context.Context, selection string) string
	AddSearchRoot(path string) string
	ListDownloadable(ctx context.Context) []models.Candidate
	ListVoices() []string
	GenerateImage(ctx context.Context, req backend.ImageRequest) (backend.ImageResult, error)
	Health(ctx context.Context) map[string]error
	Store() session.Store
}

// Transcriber turns an audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Server is the HTTP front end.
type Server struct {
	cfg        Config
	orch       Orchestrator
	stt        Transcriber
	gatherer   prometheus.Gatherer
	upgrader   websocket.Upgrader
	httpServer *http.Server
	handler    http.Handler
	startTime  time.Time
	log        zerolog.Logger
}

// New creates a server. stt and gatherer may be nil; the transcription
// endpoint then reports 503 and /metrics is not mounted.
func New(cfg Config, orch Orchestrator, stt Transcriber, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:      cfg,
		orch:     orch,
		stt:      stt,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
		log:       log.With().Str("component", "server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)

	mux.HandleFunc("GET /api/models", s.listModelsHandler)
	mux.HandleFunc("POST /api/models/load", s.loadModelHandler)
	mux.HandleFunc("POST /api/models/roots", s.addRootHandler)
	mux.HandleFunc("GET /api/models/downloadable", s.downloadableHandler)
	mux.HandleFunc("GET /api/voices", s.voicesHandler)

	mux.HandleFunc("POST /api/chat", s.chatHandler)
	mux.HandleFunc("POST /api/image", s.imageHandler)
	mux.HandleFunc("POST /api/transcribe", s.transcribeHandler)
	mux.HandleFunc("GET /api/ws/chat", s.wsChatHandler)

	mux.HandleFunc("POST /api/session", s.createSessionHandler)
	mux.HandleFunc("GET /api/session/{id}", s.getSessionHandler)
	mux.HandleFunc("DELETE /api/session/{id}", s.deleteSessionHandler)
	mux.HandleFunc("GET /api/sessions", s.listSessionsHandler)

	if gatherer != nil {
		RegisterMetricsRoutes(mux, gatherer)
	}

	s.handler = s.logRequests(mux)
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe blocks until ctx is cancelled or the listener fails. On
// cancellation the server drains for up to ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("HTTP server starting")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	<-errCh
	s.log.Info().Msg("HTTP server stopped")
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// healthHandler reports 503 when any component fails its probe.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "ok",
		Version:    s.cfg.Version,
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: map[string]string{},
	}
	status := http.StatusOK
	for name, err := range s.orch.Health(r.Context()) {
		if err != nil {
			resp.Components[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			s.log.Warn().Err(err).Str("check", name).Msg("health check failed")
			continue
		}
		resp.Components[name] = "ok"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// statusRecorder captures the response code for request logging. It keeps
// Hijack reachable so websocket upgrades pass through.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
