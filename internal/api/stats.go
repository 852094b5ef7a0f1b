package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByOperation   map[string]int `json:"by_operation"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	OutputBytes   int64          `json:"output_bytes"`
	Queued        int            `json:"queued"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetJobStats(r.Context())
	if err != nil {
		s.logger.Error("get job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByOperation:   stats.CountByOperation,
		AvgDurationMS: stats.AvgDurationMS,
		OutputBytes:   stats.OutputBytes,
		Queued:        s.dispatcher.Queued(),
	})
}

func (s *Server) handleListPasses(w http.ResponseWriter, _ *http.Request) {
	catalog, ok := s.dispatcher.Catalog()
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, "engine not ready")
		return
	}
	s.writeJSON(w, http.StatusOK, catalog)
}
