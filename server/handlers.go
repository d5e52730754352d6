package server

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/pulse"
	"github.com/teranos/herald/pulse/async"
	"github.com/teranos/herald/pulse/schedule"
	"github.com/teranos/herald/version"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Jobs        pulse.StatusSummary     `json:"jobs"`
	Ticker      pulse.TickerStats       `json:"ticker"`
	Pool        *async.Stats            `json:"pool,omitempty"`
	Maintenance []pulse.MaintenanceTask `json:"maintenance,omitempty"`
	Clients     int                     `json:"clients"`
	Version     string                  `json:"version"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type sweepRequest struct {
	// At overrides the sweep instant; defaults to now.
	At *time.Time `json:"at,omitempty"`
}

type countResponse struct {
	Cancelled int `json:"cancelled"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Get().Version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.GetStatusSummary(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	resp := StatusResponse{
		Jobs:        summary,
		Ticker:      s.engine.TickerStats(),
		Maintenance: s.engine.MaintenanceTasks(),
		Clients:     s.hub.ClientCount(),
		Version:     version.Get().Version,
	}
	if pool := s.engine.Pool(); pool != nil {
		stats := pool.Stats()
		resp.Pool = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListJobs lists jobs filtered by ?status= and ?workflow_id=.
// status accepts a comma-separated list.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	store := s.engine.Store()
	ctx := r.Context()

	var jobs []*schedule.ScheduledJob
	if wfID := strings.TrimSpace(r.URL.Query().Get("workflow_id")); wfID != "" {
		jobs, err = store.FindByWorkflow(ctx, wfID, statuses...)
	} else {
		if len(statuses) == 0 {
			statuses = schedule.AllStatuses
		}
		for _, st := range statuses {
			var found []*schedule.ScheduledJob
			found, err = store.FindByStatus(ctx, st)
			if err != nil {
				break
			}
			jobs = append(jobs, found...)
		}
		sort.SliceStable(jobs, func(i, j int) bool {
			return jobs[i].ScheduledAt.Before(jobs[j].ScheduledAt)
		})
	}
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*schedule.ScheduledJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func parseStatuses(raw string) ([]schedule.Status, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []schedule.Status
	for _, part := range strings.Split(raw, ",") {
		st := schedule.Status(strings.ToLower(strings.TrimSpace(part)))
		if !st.IsValid() {
			return nil, errors.NewInvalidRequestError("unknown status %q", part)
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Store().GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobLog(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		s.writeErr(w, r, errors.WithHint(
			errors.Wrap(errors.ErrUnavailable, "dispatch log is not queryable"),
			"set dispatch.log_sink = \"sqlite\""))
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.engine.Store().GetJob(r.Context(), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	entries, err := s.logs.ListByJob(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// handleRegister registers the provider's current definition of the workflow.
// Immediate workflows run synchronously and answer 202 with no job.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	wf, err := s.provider.Workflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	job, err := s.engine.RegisterSchedule(r.Context(), wf)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"workflow_id": wf.ID, "status": string(wf.Status)})
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.DeactivateWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Cancelled: n})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := readJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if req.Reason == "" {
		req.Reason = r.URL.Query().Get("reason")
	}
	n, err := s.engine.CancelSchedules(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Cancelled: n})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := readJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	result, err := s.engine.ForceSweep(r.Context(), req.At)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Sync(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
