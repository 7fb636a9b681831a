package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"starknet-etl/internal/config"
	"starknet-etl/internal/engine"
	"starknet-etl/internal/eventbus"
	"starknet-etl/internal/sink"
)

// handleJobs acts as a multiplexer: POST creates new job, other verbs not allowed.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createJob(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobByID routes GET/DELETE for specific job IDs, and GET for the
// /jobs/{id}/topics and /jobs/{id}/metrics sub-resources.
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if rest == "" {
		http.Error(w, "job id missing", http.StatusBadRequest)
		return
	}

	if id, ok := strings.CutSuffix(rest, "/topics"); ok {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.getTopics(w, r, id)
		return
	}

	if id, ok := strings.CutSuffix(rest, "/metrics"); ok {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.getMetrics(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getJob(w, r, rest)
	case http.MethodDelete:
		s.cancelJob(w, r, rest)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// createJob handles POST /jobs: it loads the named config file, builds an
// engine.Engine and launches it in the background, returning a job id the
// caller can poll or cancel (adapted from the teacher's job-management
// server; job ids are now minted with google/uuid rather than raw crypto/rand
// hex, matching the id scheme already used by internal/eventbus).
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req JobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ConfigPath == "" {
		http.Error(w, "config_path is required", http.StatusBadRequest)
		return
	}

	jobID := uuid.NewString()
	status := &JobStatus{JobID: jobID, Status: "queued", StartedAt: time.Now()}

	s.mu.Lock()
	s.jobs[jobID] = &jobEntry{status: status}
	s.mu.Unlock()

	go s.runJob(jobID, req.ConfigPath)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(JobResponse{JobID: jobID})
}

// runJob loads the config, builds the engine and runs its orchestrator to
// completion (or cancellation), updating the job's status throughout.
func (s *Server) runJob(jobID, configPath string) {
	s.mu.Lock()
	entry := s.jobs[jobID]
	entry.status.Status = "running"
	s.mu.Unlock()

	cfg, err := config.Load(configPath)
	if err != nil {
		s.markJobError(jobID, err)
		return
	}

	eng, err := engine.Build(cfg)
	if err != nil {
		s.markJobError(jobID, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	entry.engine = eng
	entry.cancel = cancel
	s.mu.Unlock()

	if err := eng.Orchestrator.Initialize(ctx, sink.Context{Bus: eng.Bus}); err != nil {
		s.markJobError(jobID, err)
		return
	}

	if err := eng.Orchestrator.Run(ctx); err != nil {
		s.markJobError(jobID, err)
		return
	}

	s.mu.Lock()
	entry.status.Status = "finished"
	finished := time.Now()
	entry.status.FinishedAt = &finished
	s.mu.Unlock()
}

// getJob handles GET /jobs/{id}
func (s *Server) getJob(w http.ResponseWriter, r *http.Request, id string) {
	s.mu.RLock()
	entry, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry.status)
}

// getTopics handles GET /jobs/{id}/topics, exposing the job's sinks'
// discovery catalogue for an external subscription facade to consume.
func (s *Server) getTopics(w http.ResponseWriter, r *http.Request, id string) {
	s.mu.RLock()
	entry, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if entry.engine == nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TopicsResponse{})
		return
	}

	topics := entry.engine.Bus.Topics()
	resp := TopicsResponse{Topics: make([]TopicView, 0, len(topics))}
	for _, t := range topics {
		resp.Topics = append(resp.Topics, topicView(t))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// getMetrics handles GET /jobs/{id}/metrics, exposing the job's Prometheus
// registry (spec §7's counter/gauge surface: events fetched, envelopes
// emitted, decode failures, sink retries/failures, bus lag drops, batches
// committed, head block) for scraping.
func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request, id string) {
	s.mu.RLock()
	entry, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if entry.engine == nil {
		http.Error(w, "job not yet initialized", http.StatusServiceUnavailable)
		return
	}

	promhttp.HandlerFor(entry.engine.Registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func topicView(t eventbus.TopicInfo) TopicView {
	return TopicView{Topic: t.Topic, FilterKeys: t.FilterKeys, Description: t.Description}
}

// cancelJob handles DELETE /jobs/{id}
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request, id string) {
	s.mu.Lock()
	entry, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	if entry.cancel != nil {
		entry.cancel()
	}

	s.mu.Lock()
	entry.status.Status = "cancelled"
	finished := time.Now()
	entry.status.FinishedAt = &finished
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// markJobError sets the status of the job to error with the provided err.
func (s *Server) markJobError(jobID string, err error) {
	logrus.Errorf("job %s failed: %v", jobID, err)
	s.mu.Lock()
	if entry, ok := s.jobs[jobID]; ok {
		entry.status.Status = "error"
		entry.status.Error = err.Error()
		finished := time.Now()
		entry.status.FinishedAt = &finished
	}
	s.mu.Unlock()
}
