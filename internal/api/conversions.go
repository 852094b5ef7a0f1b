package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zengqingfu1442/onnx-simplifier/internal/dispatch"
	"github.com/zengqingfu1442/onnx-simplifier/internal/jobs"
	"github.com/zengqingfu1442/onnx-simplifier/internal/model"
	"github.com/zengqingfu1442/onnx-simplifier/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// listConversionsResponse wraps the paginated list response.
type listConversionsResponse struct {
	Conversions []*model.Job `json:"conversions"`
	Total       int          `json:"total"`
	Limit       int          `json:"limit"`
	Offset      int          `json:"offset"`
}

// handleCreateConversion accepts a positional conversion request such as
// ["optimize", "<base64 model>", ["eliminate_deadend"]] and queues it.
func (s *Server) handleCreateConversion(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	req, err := dispatch.DecodeRequest(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid conversion request: "+err.Error())
		return
	}

	job, err := s.jobs.Submit(r.Context(), req)
	if errors.Is(err, dispatch.ErrUnavailable) || errors.Is(err, dispatch.ErrClosed) || errors.Is(err, jobs.ErrNotAttached) {
		s.writeError(w, http.StatusServiceUnavailable, "no conversion engine available")
		return
	}
	if err != nil {
		s.logger.Error("submit conversion", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit conversion")
		return
	}

	observeUpload(req)
	w.Header().Set("Location", "/v1/conversions/"+job.ID)
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetConversion(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListConversions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobList, total, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list conversions")
		return
	}

	if jobList == nil {
		jobList = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listConversionsResponse{
		Conversions: jobList,
		Total:       total,
		Limit:       limit,
		Offset:      offset,
	})
}

// handleGetResult serves the converted model bytes of a completed job.
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	if job.Status != model.StatusCompleted {
		s.writeError(w, http.StatusConflict, "conversion is "+job.Status)
		return
	}

	w.Header().Set("Content-Type", dispatch.ResultMediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(job.Output)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.ID+".onnx"))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(job.Output); err != nil {
		s.logger.Error("write result", "job_id", job.ID, "error", err)
	}
}

// lookupJob loads the job named by the {id} URL parameter, writing a 404 or
// 500 response when it cannot.
func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (*model.Job, bool) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "conversion not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get conversion")
		return nil, false
	}
	return job, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
