package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/flowbotics/conductor/internal/orchestrator/domain"
	"github.com/flowbotics/conductor/shared/postgresql"
)

// Storage is the Postgres mirror of coordination state. The dispatch engine
// stays authoritative; this layer exists so operators can query job history
// and fleet state, and so a restarted orchestrator sees what was in flight.
type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

// jobRow is the jobs table row. Capabilities live in a Postgres text array.
type jobRow struct {
	JobID                string         `db:"job_id"`
	WorkflowRef          string         `db:"workflow_reference"`
	Priority             int            `db:"priority"`
	RequiredCapabilities pq.StringArray `db:"required_capabilities"`
	State                string         `db:"state"`
	AssignedRobotID      sql.NullString `db:"assigned_robot_id"`
	AttemptCount         int            `db:"attempt_count"`
	MaxAttempts          int            `db:"max_attempts"`
	FailureReason        sql.NullString `db:"failure_reason"`
	EnqueuedAt           time.Time      `db:"enqueued_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

func (r *jobRow) toDomain() *domain.Job {
	return &domain.Job{
		JobID:                r.JobID,
		WorkflowRef:          r.WorkflowRef,
		Priority:             r.Priority,
		RequiredCapabilities: append([]string(nil), r.RequiredCapabilities...),
		State:                domain.JobState(r.State),
		AssignedRobotID:      r.AssignedRobotID.String,
		AttemptCount:         r.AttemptCount,
		MaxAttempts:          r.MaxAttempts,
		FailureReason:        r.FailureReason.String,
		EnqueuedAt:           r.EnqueuedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// SaveJob inserts a new job record.
func (s *Storage) SaveJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, workflow_reference, priority, required_capabilities,
			state, assigned_robot_id, attempt_count, max_attempts,
			failure_reason, enqueued_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11
		)
		ON CONFLICT (job_id) DO NOTHING
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.WorkflowRef,
		job.Priority,
		pq.StringArray(job.RequiredCapabilities),
		string(job.State),
		nullable(job.AssignedRobotID),
		job.AttemptCount,
		job.MaxAttempts,
		nullable(job.FailureReason),
		job.EnqueuedAt,
		job.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	return nil
}

// UpdateJob mirrors a state transition.
func (s *Storage) UpdateJob(ctx context.Context, job *domain.Job) error {
	query := `
		UPDATE jobs SET
			state = $2,
			assigned_robot_id = $3,
			attempt_count = $4,
			failure_reason = $5,
			updated_at = $6
		WHERE job_id = $1
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		string(job.State),
		nullable(job.AssignedRobotID),
		job.AttemptCount,
		nullable(job.FailureReason),
		job.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	return nil
}

// GetJobByID fetches one job, domain.ErrJobNotFound when missing.
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	var row jobRow
	query := `
		SELECT
			job_id, workflow_reference, priority, required_capabilities,
			state, assigned_robot_id, attempt_count, max_attempts,
			failure_reason, enqueued_at, updated_at
		FROM jobs
		WHERE job_id = $1
	`

	err := s.db.GetContext(ctx, &row, query, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toDomain(), nil
}

type JobFilter struct {
	State    string
	RobotID  string
	PageSize int
	Cursor   *JobCursor
}

type JobCursor struct {
	EnqueuedAt time.Time
	JobID      string
}

// ListJobs pages through jobs newest first with cursor pagination. Fetches
// one row beyond PageSize so the caller can detect whether more exist.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	query := `
		SELECT
			job_id, workflow_reference, priority, required_capabilities,
			state, assigned_robot_id, attempt_count, max_attempts,
			failure_reason, enqueued_at, updated_at
		FROM jobs
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, filter.State)
		argIdx++
	}

	if filter.RobotID != "" {
		query += fmt.Sprintf(" AND assigned_robot_id = $%d", argIdx)
		args = append(args, filter.RobotID)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (enqueued_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.EnqueuedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY enqueued_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*domain.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toDomain()
	}
	return jobs, nil
}

// DeleteJob removes a job record.
func (s *Storage) DeleteJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// robotRow is the robots table row.
type robotRow struct {
	RobotID           string         `db:"robot_id"`
	RobotName         string         `db:"robot_name"`
	Environment       sql.NullString `db:"environment"`
	Capabilities      pq.StringArray `db:"capabilities"`
	MaxConcurrentJobs int            `db:"max_concurrent_jobs"`
	Status            string         `db:"status"`
	ConnectedAt       time.Time      `db:"connected_at"`
	LastSeenAt        time.Time      `db:"last_seen_at"`
}

// UpsertRobot records a robot coming online, refreshing its declared
// capabilities on every registration.
func (s *Storage) UpsertRobot(ctx context.Context, robot *domain.Robot) error {
	query := `
		INSERT INTO robots (
			robot_id, robot_name, environment, capabilities,
			max_concurrent_jobs, status, connected_at, last_seen_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8
		)
		ON CONFLICT (robot_id) DO UPDATE SET
			robot_name = EXCLUDED.robot_name,
			environment = EXCLUDED.environment,
			capabilities = EXCLUDED.capabilities,
			max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
			status = EXCLUDED.status,
			connected_at = EXCLUDED.connected_at,
			last_seen_at = EXCLUDED.last_seen_at
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		robot.RobotID,
		robot.RobotName,
		nullable(robot.Environment),
		pq.StringArray(robot.Capabilities),
		robot.MaxConcurrentJobs,
		robot.Status,
		robot.ConnectedAt,
		robot.LastSeenAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert robot: %w", err)
	}

	return nil
}

// MarkRobotOffline flips a robot's persisted status after eviction.
func (s *Storage) MarkRobotOffline(ctx context.Context, robotID string) error {
	query := `
		UPDATE robots SET status = $2, last_seen_at = $3 WHERE robot_id = $1
	`
	_, err := s.db.ExecContext(ctx, query, robotID, domain.RobotStatusOffline, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark robot offline: %w", err)
	}
	return nil
}

// ListRobots returns the persisted fleet view.
func (s *Storage) ListRobots(ctx context.Context) ([]*domain.Robot, error) {
	query := `
		SELECT
			robot_id, robot_name, environment, capabilities,
			max_concurrent_jobs, status, connected_at, last_seen_at
		FROM robots
		ORDER BY robot_id
	`

	var rows []robotRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list robots: %w", err)
	}

	robots := make([]*domain.Robot, len(rows))
	for i, r := range rows {
		robots[i] = &domain.Robot{
			RobotID:           r.RobotID,
			RobotName:         r.RobotName,
			Environment:       r.Environment.String,
			Capabilities:      append([]string(nil), r.Capabilities...),
			MaxConcurrentJobs: r.MaxConcurrentJobs,
			Status:            r.Status,
			ConnectedAt:       r.ConnectedAt,
			LastSeenAt:        r.LastSeenAt,
		}
	}
	return robots, nil
}
