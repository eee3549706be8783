package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/david/grant-matcher/internal/ingest"
)

// Job states.
const (
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCanceled  = "canceled"
)

const maxFinishedJobs = 50

type jobError struct {
	Source  string `json:"source"`
	Kind    string `json:"kind"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message"`
}

type jobResult struct {
	RunID     uuid.UUID  `json:"run_id"`
	Status    string     `json:"status"`
	Found     int        `json:"listings_found"`
	Saved     int        `json:"listings_saved"`
	Succeeded int        `json:"sources_succeeded"`
	Failed    int        `json:"sources_failed"`
	Errors    []jobError `json:"errors,omitempty"`
}

type backgroundJob struct {
	ID        uuid.UUID  `json:"id"`
	Status    string     `json:"status"`
	Sources   []string   `json:"sources"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Result    *jobResult `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`

	cancel context.CancelFunc
}

// jobRegistry tracks fetch jobs. At most one job runs at a time; finished
// jobs are kept for polling up to maxFinishedJobs.
type jobRegistry struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*backgroundJob
	running *backgroundJob
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{jobs: make(map[uuid.UUID]*backgroundJob)}
}

// start registers a running job, or returns the job already running.
func (r *jobRegistry) start(sources []string, cancel context.CancelFunc) (*backgroundJob, *backgroundJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running != nil {
		return nil, r.running
	}
	job := &backgroundJob{
		ID:        uuid.New(),
		Status:    JobRunning,
		Sources:   sources,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	r.jobs[job.ID] = job
	r.running = job
	r.prune()
	return job, nil
}

func (r *jobRegistry) finish(job *backgroundJob, status string, result *jobResult, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	job.Status = status
	job.Result = result
	job.Error = errMsg
	job.EndedAt = &now
	if r.running == job {
		r.running = nil
	}
}

// get returns a copy safe to serialize without the lock.
func (r *jobRegistry) get(id uuid.UUID) (backgroundJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return backgroundJob{}, false
	}
	return *job, true
}

func (r *jobRegistry) list() []backgroundJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]backgroundJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// cancel asks a running job to stop. It reports false when the job is unknown
// or already finished.
func (r *jobRegistry) cancel(id uuid.UUID) (found, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, false
	}
	if job.Status != JobRunning {
		return true, false
	}
	job.cancel()
	return true, true
}

func (r *jobRegistry) cancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running != nil {
		r.running.cancel()
	}
}

// prune drops the oldest finished jobs. Callers hold mu.
func (r *jobRegistry) prune() {
	var finished []*backgroundJob
	for _, job := range r.jobs {
		if job.Status != JobRunning {
			finished = append(finished, job)
		}
	}
	if len(finished) <= maxFinishedJobs {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].StartedAt.Before(finished[j].StartedAt) })
	for _, job := range finished[:len(finished)-maxFinishedJobs] {
		delete(r.jobs, job.ID)
	}
}

type fetchRequest struct {
	Sources []string `json:"sources"`
}

// handleStartFetch runs the pipeline over the requested (or all enabled)
// sources in the background and returns 202 with the job id.
func (s *Server) handleStartFetch(c echo.Context) error {
	if s.pipeline == nil || s.registry == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Fetching is not configured"})
	}
	var req fetchRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
		}
	}
	for _, id := range req.Sources {
		if _, ok := s.registry.Get(id); !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown source %q", id)})
		}
	}
	sources := s.registry.Active(req.Sources...)
	if len(sources) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "no enabled sources selected"})
	}
	ids := make([]string, len(sources))
	for i, src := range sources {
		ids[i] = src.ID
	}

	// Detached from the request; the job has its own timeout and cancel.
	jobCtx, jobCancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), s.jobTimeout)
	job, running := s.jobs.start(ids, jobCancel)
	if running != nil {
		jobCancel()
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error":  "A fetch job is already running",
			"job_id": running.ID,
		})
	}

	go s.runFetchJob(jobCtx, jobCancel, job, sources)

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"message": "Fetch job started",
		"job_id":  job.ID,
		"sources": ids,
		"poll":    fmt.Sprintf("/api/v1/jobs/%s", job.ID),
	})
}

func (s *Server) runFetchJob(ctx context.Context, cancel context.CancelFunc, job *backgroundJob, sources []ingest.Source) {
	defer cancel()
	log := s.logger.With(zap.Stringer("job_id", job.ID))
	log.Info("fetch job started", zap.Strings("sources", job.Sources))

	summary, err := s.pipeline.Run(ctx, sources)
	if err != nil {
		status := JobFailed
		if errors.Is(ctx.Err(), context.Canceled) {
			status = JobCanceled
		}
		s.jobs.finish(job, status, nil, err.Error())
		log.Error("fetch job failed", zap.Error(err))
		return
	}

	result := summarize(summary)
	status := JobCompleted
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		status = JobCanceled
	case summary.Report.Sources > 0 && summary.Report.Succeeded == 0:
		status = JobFailed
	}
	s.jobs.finish(job, status, result, "")
	log.Info("fetch job finished", zap.String("status", status), zap.Int("saved", summary.Saved))
}

func summarize(summary *ingest.RunSummary) *jobResult {
	res := &jobResult{
		RunID:     summary.RunID,
		Status:    summary.Status,
		Found:     len(summary.Report.Listings),
		Saved:     summary.Saved,
		Succeeded: summary.Report.Succeeded,
		Failed:    len(summary.Report.Errors),
	}
	for _, fe := range summary.Report.Errors {
		res.Errors = append(res.Errors, jobError{
			Source:  fe.Source,
			Kind:    string(fe.Kind),
			URL:     fe.URL,
			Message: fe.Error(),
		})
	}
	return res
}

func parseJobID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "Invalid job id")
	}
	return id, nil
}

func (s *Server) handleListJobs(c echo.Context) error {
	return c.JSON(http.StatusOK, s.jobs.list())
}

func (s *Server) handleJobStatus(c echo.Context) error {
	id, err := parseJobID(c)
	if err != nil {
		return err
	}
	job, ok := s.jobs.get(id)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleCancelJob(c echo.Context) error {
	id, err := parseJobID(c)
	if err != nil {
		return err
	}
	found, running := s.jobs.cancel(id)
	switch {
	case !found:
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	case !running:
		return c.JSON(http.StatusConflict, map[string]string{"error": "job is not running"})
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{"message": "Cancellation requested", "job_id": id})
}
