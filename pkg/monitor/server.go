package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Server exposes the dashboard over HTTP
type Server struct {
	dashboard *Dashboard
	router    *mux.Router
	http      *http.Server
}

// NewServer builds the router; nothing listens until Start
func NewServer(d *Dashboard) *Server {
	s := &Server{
		dashboard: d,
		router:    mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/ping", s.handlePing).Methods("GET")
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/transfers", s.handleTransfers).Methods("GET")
	s.router.HandleFunc("/transfers/{id}", s.handleTransfer).Methods("GET")
	s.router.HandleFunc("/peers", s.handlePeers).Methods("GET")
	s.router.HandleFunc("/history", s.handleHistory).Methods("GET")
}

// Handler returns the router for embedding in another server
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on the given listener until Shutdown
func (s *Server) Start(ln net.Listener) error {
	s.http = &http.Server{
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	err := s.http.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ListenAndServe binds addr and serves until Shutdown
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Infow("dashboard listening", "addr", ln.Addr())
	return s.Start(ln)
}

// Shutdown stops the HTTP server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.dashboard.Report())
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.dashboard.Transfers())
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, ok := s.dashboard.Transfer(id)
	if !ok {
		http.Error(w, "transfer not found", http.StatusNotFound)
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.dashboard.Report().Connections)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.dashboard.History())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugw("encode response", "err", err)
	}
}
