package handler

import (
	"time"

	"github.com/flowbotics/conductor/internal/orchestrator/domain"
)

type CreateJobRequest struct {
	WorkflowReference    string   `json:"workflow_reference" binding:"required"`
	Priority             int      `json:"priority"`
	RequiredCapabilities []string `json:"required_capabilities"`
	MaxAttempts          int      `json:"max_attempts"`
}

type ListJobsRequest struct {
	State    string `form:"state"`
	RobotID  string `form:"robot_id"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID                string   `json:"job_id"`
	WorkflowReference    string   `json:"workflow_reference"`
	Priority             int      `json:"priority"`
	RequiredCapabilities []string `json:"required_capabilities"`
	State                string   `json:"state"`
	AssignedRobotID      string   `json:"assigned_robot_id,omitempty"`
	AttemptCount         int      `json:"attempt_count"`
	MaxAttempts          int      `json:"max_attempts"`
	FailureReason        string   `json:"failure_reason,omitempty"`
	EnqueuedAt           string   `json:"enqueued_at"`
	UpdatedAt            string   `json:"updated_at"`
}

func toJobDTO(job *domain.Job) JobDTO {
	return JobDTO{
		JobID:                job.JobID,
		WorkflowReference:    job.WorkflowRef,
		Priority:             job.Priority,
		RequiredCapabilities: job.RequiredCapabilities,
		State:                string(job.State),
		AssignedRobotID:      job.AssignedRobotID,
		AttemptCount:         job.AttemptCount,
		MaxAttempts:          job.MaxAttempts,
		FailureReason:        job.FailureReason,
		EnqueuedAt:           job.EnqueuedAt.Format(time.RFC3339),
		UpdatedAt:            job.UpdatedAt.Format(time.RFC3339),
	}
}

type RobotDTO struct {
	RobotID           string   `json:"robot_id"`
	RobotName         string   `json:"robot_name"`
	Environment       string   `json:"environment,omitempty"`
	Status            string   `json:"status"`
	Capabilities      []string `json:"capabilities"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	ActiveJobs        []string `json:"active_jobs"`
	ConnectedAt       string   `json:"connected_at"`
	LastHeartbeat     string   `json:"last_heartbeat"`
}

type CancelJobRequest struct {
	Reason string `json:"reason"`
}
