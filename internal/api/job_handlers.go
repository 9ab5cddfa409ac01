package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/linkkeep/progress-stream/internal/metrics"
	"github.com/linkkeep/progress-stream/internal/progress"
	"github.com/linkkeep/progress-stream/internal/store"
)

type createJobRequest struct {
	UnitIDs []string `json:"unit_ids"`
}

type jobDTO struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	TotalUnits     int       `json:"total_units"`
	ProcessedCount int       `json:"processed_count"`
	FailedCount    int       `json:"failed_count"`
	Progress       int       `json:"progress"`
	Status         string    `json:"status"`
	Error          *string   `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func toJobDTO(job store.Job) jobDTO {
	return jobDTO{
		ID:             job.ID.String(),
		OwnerID:        job.OwnerID,
		TotalUnits:     job.TotalUnits,
		ProcessedCount: job.ProcessedCount,
		FailedCount:    job.FailedCount,
		Progress:       job.Progress(),
		Status:         string(job.Status),
		Error:          job.ErrorMessage,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}
}

func toJobDTOs(in []store.Job) []jobDTO {
	out := make([]jobDTO, 0, len(in))
	for _, job := range in {
		out = append(out, toJobDTO(job))
	}
	return out
}

// createJob handles POST /v1/jobs. The job is created, announced and all
// units are scheduled before the 202 goes out, so a client that
// immediately opens the stream or history never sees an unknown job.
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	ownerID, err := ownerFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	units := make([]string, 0, len(req.UnitIDs))
	for _, unit := range req.UnitIDs {
		if trimmed := strings.TrimSpace(unit); trimmed != "" {
			units = append(units, trimmed)
		}
	}
	if len(units) == 0 {
		writeError(w, http.StatusBadRequest, "unit_ids is required")
		return
	}

	job, err := s.orch.Start(r.Context(), ownerID, units)
	if err != nil {
		s.logger.Error("start job failed", zap.Error(err))
		if job.ID != uuid.Nil {
			// The job exists but scheduling failed; expose the failed row.
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error": "job scheduling failed",
				"job":   toJobDTO(job),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": toJobDTO(job)})
}

// listJobs handles GET /v1/jobs?status=&limit=&offset=.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	ownerID, err := ownerFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := parseStatusFilter(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := s.jobs.ListJobs(r.Context(), ownerID, status, limit, offset)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": toJobDTOs(jobs)})
}

// getJob handles GET /v1/jobs/{job_id}. Jobs belonging to other owners
// read as absent, not forbidden, so job IDs cannot be probed.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	ownerID, err := ownerFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job.OwnerID != ownerID {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": toJobDTO(job)})
}

// getHistory handles GET /v1/jobs/{job_id}/progress-history?since=&limit=&offset=.
// The since cursor is inclusive: a reconnecting client replays from its
// last seen sequence number without losing the boundary event.
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	ownerID, err := ownerFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var since int64
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		val, parseErr := strconv.ParseInt(sinceStr, 10, 64)
		if parseErr != nil || val < 0 {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = val
	}

	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job.OwnerID != ownerID {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	events, err := s.events.History(r.Context(), jobID, since, limit, offset)
	if err != nil {
		s.logger.Error("load history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	metrics.ObserveHistoryRequest()

	frames := make([]progress.Frame, 0, len(events))
	for _, evt := range events {
		frames = append(frames, evt.ToFrame())
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": frames})
}
