// Package server exposes the directory a capture run wrote to over HTTP: the
// PNGs, the optional per-URL JSON files, and the running index.json summary.
// It is an external collaborator per spec.md §1 ("the static file /
// directory browsing HTTP server"), independent of the WorkerPool it trails
// behind.
package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Server serves dir as a static directory and exposes a summary endpoint
// reading its index.json.
type Server struct {
	dir string
	mux *http.ServeMux
}

// New creates a Server rooted at dir.
func New(dir string) *Server {
	s := &Server{dir: dir}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /api/index", s.handleIndex)
	s.mux.Handle("GET /", http.FileServer(http.Dir(dir)))

	return s
}

// Handler returns the server's routes, for embedding or testing without
// binding a port.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv.ListenAndServe()
}

// handleIndex returns the current contents of index.json, the periodically
// written {id, url, status_code, title} summary (spec.md §6).
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(filepath.Join(s.dir, "index.json"))
	if err != nil {
		writeError(w, http.StatusNotFound, "index.json not available yet")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
