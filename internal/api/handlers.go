// Package api exposes the crawler's JSON status surface: job submission,
// job inspection, and component stats.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"devicecrawl/internal/httputil"
	"devicecrawl/internal/job"
	"devicecrawl/internal/logger"
	"devicecrawl/internal/middleware"
	"devicecrawl/internal/proxy"
	"devicecrawl/internal/ratelimit"
	"devicecrawl/internal/requestqueue"
	"devicecrawl/internal/scheduler"
	"devicecrawl/internal/storage"
)

type API struct {
	queue    *scheduler.Queue
	limiter  *ratelimit.Limiter
	proxies  *proxy.Manager
	requests *requestqueue.Queue
	mux      *http.ServeMux
	log      zerolog.Logger
}

type CreateJobRequest struct {
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Priority    *job.Priority  `json:"priority"`
	MaxAttempts int            `json:"max_attempts"`
	ScheduleIn  *int           `json:"schedule_in"`
	Deduplicate bool           `json:"deduplicate"`
}

func NewAPI(q *scheduler.Queue, limiter *ratelimit.Limiter, proxies *proxy.Manager, requests *requestqueue.Queue) *API {
	api := &API{
		queue:    q,
		limiter:  limiter,
		proxies:  proxies,
		requests: requests,
		mux:      http.NewServeMux(),
		log:      logger.WithComponent("API"),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/api/jobs", a.handleJobs)
	a.mux.HandleFunc("/api/jobs/", a.handleJobByID)
	a.mux.HandleFunc("/api/stats", a.handleStats)
	a.mux.HandleFunc("/healthz", a.handleHealth)
	a.mux.Handle("/metrics", promhttp.Handler())
}

func (a *API) Handler() http.Handler {
	return middleware.MetricsMiddleware(a.mux)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createJob(w, r)
	case http.MethodGet:
		a.listJobs(w, r)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close request body")
		}
	}()

	var req CreateJobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.Type == "" {
		httputil.WriteJSONError(w, "Job type is required", http.StatusBadRequest)
		return
	}

	opts := job.EnqueueOptions{
		Deduplicate: req.Deduplicate,
		MaxAttempts: req.MaxAttempts,
	}
	if req.Priority != nil {
		opts.Priority = *req.Priority
	}
	if req.ScheduleIn != nil {
		opts.RunAt = time.Now().UTC().Add(time.Duration(*req.ScheduleIn) * time.Second)
	}

	j, created, err := a.queue.Enqueue(r.Context(), req.Type, req.Payload, opts)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusAccepted
	if !created {
		// Collapsed into an existing active job.
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, j)
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := job.Filter{
		Status: job.Status(r.URL.Query().Get("status")),
		Type:   r.URL.Query().Get("type"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			httputil.WriteJSONError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	jobs, err := a.queue.ListJobs(r.Context(), filter)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}

	httputil.WriteJSON(w, http.StatusOK, jobs)
}

func (a *API) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if rest == "" {
		httputil.WriteJSONError(w, "Job ID is required", http.StatusBadRequest)
		return
	}

	if jobID, ok := strings.CutSuffix(rest, "/logs"); ok {
		a.getJobLogs(w, r, strings.TrimSuffix(jobID, "/"))
		return
	}
	a.getJob(w, r, rest)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request, jobID string) {
	j, err := a.queue.GetJob(r.Context(), jobID)
	if errors.Is(err, storage.ErrJobNotFound) {
		httputil.WriteJSONError(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, j)
}

func (a *API) getJobLogs(w http.ResponseWriter, r *http.Request, jobID string) {
	if jobID == "" {
		httputil.WriteJSONError(w, "Job ID is required", http.StatusBadRequest)
		return
	}

	logs, err := a.queue.GetLogs(r.Context(), jobID)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []job.LogEntry{}
	}

	httputil.WriteJSON(w, http.StatusOK, logs)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]any{
		"rate_limiter": a.limiter.Stats(),
	}
	if a.requests != nil {
		stats["request_queue"] = a.requests.Stats()
	}
	if a.proxies != nil {
		stats["proxies"] = a.proxies.GetStats()
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
