package api

import (
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
}

type readyResponse struct {
	Status  string `json:"status"`
	Workers int    `json:"workers"`
	Queued  int    `json:"queued"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleReadyz reports 200 once at least one dispatcher engine initialized.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	available := s.dispatcher.Available()
	resp := readyResponse{Status: "ready", Workers: available, Queued: s.dispatcher.Queued()}

	if available > 0 {
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	select {
	case <-s.dispatcher.Ready():
		resp.Status = "unavailable"
	default:
		resp.Status = "initializing"
	}
	s.writeJSON(w, http.StatusServiceUnavailable, resp)
}
