package api

import (
	"io"
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "pong\n")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.pool.Closed() {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "closed"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pool.Stats())
}
