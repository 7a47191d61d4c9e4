// Package control exposes a small loopback HTTP surface over the transfer
// engine: a queue snapshot endpoint and an SSE progress stream, standing
// in for other local processes that consume the engine outside the Wails
// bridge.
package control

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lurenjia534/SkyDrive-X-Desktop/internal/core"
)

// Server is the loopback control surface. It never binds beyond
// 127.0.0.1, enforcing that at the listener itself as an extra layer on
// top of the bearer-token check.
type Server struct {
	downloads *core.DownloadManager
	uploads   *core.UploadManager
	token     string
	logger    *slog.Logger
	router    *chi.Mux
}

func New(logger *slog.Logger, downloads *core.DownloadManager, uploads *core.UploadManager, token string) *Server {
	s := &Server{downloads: downloads, uploads: uploads, token: token, logger: logger, router: chi.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.authMiddleware)

	s.router.Get("/v1/downloads", s.handleDownloadSnapshot)
	s.router.Get("/v1/uploads", s.handleUploadSnapshot)
	s.router.Get("/v1/downloads/stream", s.handleDownloadStream)
	s.router.Get("/v1/uploads/stream", s.handleUploadStream)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start binds the loopback listener and serves in the background.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control: binding %s: %w", addr, err)
	}
	s.logger.Info("control server listening", "addr", addr)
	go func() {
		if err := http.Serve(listener, s.router); err != nil {
			s.logger.Error("control server stopped", "error", err)
		}
	}()
	return nil
}

func (s *Server) handleDownloadSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.downloads.Snapshot())
}

func (s *Server) handleUploadSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.uploads.Snapshot())
}

func (s *Server) handleDownloadStream(w http.ResponseWriter, r *http.Request) {
	id, ch := s.downloads.Subscribe()
	defer s.downloads.Unsubscribe(id)
	s.streamSSE(w, r, ch)
}

func (s *Server) handleUploadStream(w http.ResponseWriter, r *http.Request) {
	id, ch := s.uploads.Subscribe()
	defer s.uploads.Unsubscribe(id)
	s.streamSSE(w, r, ch)
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, ch <-chan core.ProgressUpdate) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case update, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(update)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
