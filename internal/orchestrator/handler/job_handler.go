package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/flowbotics/conductor/internal/orchestrator/domain"
	"github.com/flowbotics/conductor/internal/orchestrator/storage"
)

// CreateJob handles POST /api/v1/jobs
// Accepts a job into the dispatch queue
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job := &domain.Job{
		JobID:                uuid.New().String(),
		WorkflowRef:          req.WorkflowReference,
		Priority:             req.Priority,
		RequiredCapabilities: req.RequiredCapabilities,
		MaxAttempts:          req.MaxAttempts,
	}

	if err := h.dispatcher.Enqueue(job); err != nil {
		h.logger.Error("Failed to enqueue job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	c.JSON(http.StatusCreated, toJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Reads live dispatcher state first, falling back to the persisted mirror
// for jobs that predate this orchestrator process
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.dispatcher.GetJob(jobID)
	if errors.Is(err, domain.ErrJobNotFound) && h.storage != nil {
		job, err = h.storage.GetJobByID(c.Request.Context(), jobID)
	}
	if errors.Is(err, domain.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Pages through the persisted mirror with cursor pagination; without a
// store it lists the dispatcher's in-memory jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	if h.storage == nil {
		jobs := h.dispatcher.ListJobs(domain.JobState(req.State), req.PageSize)
		resp := ListJobsResponse{Jobs: make([]JobDTO, len(jobs))}
		for i, job := range jobs {
			resp.Jobs[i] = toJobDTO(job)
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.JobFilter{
		State:    req.State,
		RobotID:  req.RobotID,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	jobs, err := h.storage.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := ListJobsResponse{Jobs: make([]JobDTO, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = toJobDTO(job)
	}

	if hasMore {
		lastJob := jobs[len(jobs)-1]
		resp.NextCursor, err = EncodeJobCursor(&storage.JobCursor{
			EnqueuedAt: lastJob.EnqueuedAt,
			JobID:      lastJob.JobID,
		})
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to encode next cursor",
			})
			return
		}
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Queued jobs cancel immediately; assigned or running jobs get a
// cooperative cancel signal and finalize when the robot confirms
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	var req CancelJobRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}

	err := h.dispatcher.OnCancelRequest(jobID, req.Reason)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
	case errors.Is(err, domain.ErrJobNotCancellable):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Job is already in a terminal state",
		})
	case errors.Is(err, domain.ErrSessionNotFound):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Assigned robot is no longer connected",
		})
	case err != nil:
		h.logger.Error("Failed to cancel job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel job",
		})
	default:
		c.JSON(http.StatusAccepted, gin.H{
			"job_id": jobID,
			"status": "cancellation requested",
		})
	}
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Only terminal jobs can be deleted
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	if job, err := h.dispatcher.GetJob(jobID); err == nil && !job.State.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Job is not in a terminal state",
		})
		return
	}

	if h.storage == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "Job deletion requires persistence",
		})
		return
	}

	err := h.storage.DeleteJob(c.Request.Context(), jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to delete job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to delete job",
		})
		return
	}

	c.Status(http.StatusNoContent)
}

// timeOrDash formats a timestamp for fleet views, tolerating zero values.
func timeOrDash(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
