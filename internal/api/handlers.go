package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/PentesterFlow/qadocgen/internal/document"
	"github.com/PentesterFlow/qadocgen/internal/model"
	"github.com/PentesterFlow/qadocgen/internal/store"
)

// JobRequest is the body of POST /jobs.
type JobRequest struct {
	URLs       []string          `json:"urls"`
	AuthConfig *model.AuthConfig `json:"auth_config,omitempty"`
	RateLimit  *int              `json:"rate_limit_requests_per_minute,omitempty"`
}

// Validate checks the request and returns a message suitable for a 400.
func (req *JobRequest) Validate() error {
	if err := model.ValidateURLs(req.URLs); err != nil {
		return err
	}
	if req.AuthConfig != nil {
		if err := req.AuthConfig.Validate(); err != nil {
			return err
		}
	}
	if req.RateLimit != nil && *req.RateLimit <= 0 {
		return errors.New("rate_limit_requests_per_minute must be positive")
	}
	return nil
}

// JobResponse describes a job without its credentials.
type JobResponse struct {
	JobID     string          `json:"job_id"`
	Status    model.JobStatus `json:"status"`
	URLs      []string        `json:"urls"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
	Message   string          `json:"message,omitempty"`
}

func jobResponse(job *model.Job) JobResponse {
	resp := JobResponse{
		JobID:     job.ID,
		Status:    job.Status,
		URLs:      job.URLs,
		CreatedAt: job.CreatedAt,
		Message:   job.Message,
	}
	if !job.UpdatedAt.IsZero() {
		updated := job.UpdatedAt
		resp.UpdatedAt = &updated
	}
	return resp
}

// ResultLinks points at the renderings of one document.
type ResultLinks struct {
	JSON     string `json:"json"`
	Markdown string `json:"markdown"`
	YAML     string `json:"yaml"`
}

// ResultEntry is one item of GET /jobs/{id}/results.
type ResultEntry struct {
	DocID             string      `json:"doc_id"`
	URL               string      `json:"url"`
	PageTitle         string      `json:"page_title"`
	AnalysisTimestamp string      `json:"analysis_timestamp"`
	ElementCount      int         `json:"element_count"`
	TestCaseCount     int         `json:"test_case_count"`
	Links             ResultLinks `json:"links"`
}

func resultEntry(doc *model.Document) ResultEntry {
	title := "Unknown"
	if doc.Result.PageTitle != nil {
		title = *doc.Result.PageTitle
	}
	return ResultEntry{
		DocID:             doc.ID,
		URL:               doc.Result.SourceURL,
		PageTitle:         title,
		AnalysisTimestamp: document.CanonicalTime(doc.Result.Timestamp),
		ElementCount:      len(doc.Result.Elements),
		TestCaseCount:     len(doc.Result.TestCases),
		Links: ResultLinks{
			JSON:     "/docs/" + doc.ID + "/json",
			Markdown: "/docs/" + doc.ID + "/markdown",
			YAML:     "/docs/" + doc.ID + "/yaml",
		},
	}
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	if s.submits != nil {
		if next, ok := s.submits.Allow(clientKey(r)); !ok {
			retry := int(math.Ceil(time.Until(next).Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "too many job submissions, retry later")
			return
		}
	}

	var req JobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := s.config.DefaultRateLimit
	if req.RateLimit != nil {
		limit = *req.RateLimit
	}

	now := s.now().UTC()
	job := &model.Job{
		ID:         s.newID(),
		URLs:       req.URLs,
		AuthConfig: req.AuthConfig,
		RateLimit:  limit,
		Status:     model.JobPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	ctx := r.Context()
	log := s.logger.WithJob(job.ID)
	if err := s.store.CreateJob(ctx, job); err != nil {
		log.WithError(err).Error("Error creating job")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Error creating job: %v", err))
		return
	}

	if err := s.submitter.Submit(job.ID); err != nil {
		log.WithError(err).Error("Error scheduling job")
		msg := fmt.Sprintf("Error scheduling job: %v", err)
		if uerr := s.store.UpdateJobStatus(ctx, job.ID, model.JobFailed, msg); uerr != nil {
			log.WithError(uerr).Warn("Failed to mark unscheduled job failed")
		}
		writeError(w, http.StatusServiceUnavailable, msg)
		return
	}

	log.WithField("urls", len(job.URLs)).Info("Job created")
	resp := jobResponse(job)
	resp.UpdatedAt = nil
	resp.Message = "Job created and scheduled for processing"
	writeJSON(w, http.StatusCreated, resp)
}

// lookupJob writes a 404 and returns nil when the job does not exist.
func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) *model.Job {
	id := r.PathValue("id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Job %s not found", id))
		return nil
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil
	}
	return job
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job := s.lookupJob(w, r)
	if job == nil {
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

func (s *Server) getResults(w http.ResponseWriter, r *http.Request) {
	job := s.lookupJob(w, r)
	if job == nil {
		return
	}

	docs, err := s.store.ListDocuments(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entries := make([]ResultEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, resultEntry(doc))
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	format, err := document.ParseFormat(r.PathValue("format"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	id := r.PathValue("id")
	doc, err := s.store.GetDocument(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Documentation %s not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	body, err := document.Render(format, &doc.Result)
	if err != nil {
		s.logger.WithError(err).WithField("doc_id", id).Error("Error rendering documentation")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Error generating %s documentation: %v", format, err))
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	job := s.lookupJob(w, r)
	if job == nil {
		return
	}
	if err := s.stream.Serve(w, r, job.ID); err != nil {
		s.logger.WithJob(job.ID).WithError(err).Debug("event stream ended")
	}
}

// DependencyHealth is the state of one dependency.
type DependencyHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string                      `json:"status"`
	Version      string                      `json:"version"`
	Uptime       string                      `json:"uptime"`
	Dependencies map[string]DependencyHealth `json:"dependencies"`
	RateLimits   map[string]int              `json:"rate_limits,omitempty"`
	Metrics      map[string]interface{}      `json:"metrics,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:       "healthy",
		Version:      Version,
		Uptime:       s.now().Sub(s.started).Round(time.Second).String(),
		Dependencies: make(map[string]DependencyHealth),
	}

	ctx := r.Context()
	check := func(name string, err error) {
		if err != nil {
			resp.Status = "unhealthy"
			resp.Dependencies[name] = DependencyHealth{Status: "error", Message: err.Error()}
			return
		}
		resp.Dependencies[name] = DependencyHealth{Status: "ok"}
	}

	check("store", s.store.Ping(ctx))
	if s.limiter != nil {
		stats, err := s.limiter.Stats(ctx)
		check("rate_limiter", err)
		if err == nil {
			resp.RateLimits = stats.Domains
		}
	}
	if s.metrics != nil {
		resp.Metrics = s.metrics.Snapshot().Summary()
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
