package orchestrator

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flowbotics/conductor/internal/metrics"
	"github.com/flowbotics/conductor/internal/orchestrator/domain"
	"github.com/flowbotics/conductor/internal/protocol"
)

// JobStore is the persistence collaborator. The dispatcher mirrors job state
// into it best-effort; the in-memory state machine stays authoritative.
type JobStore interface {
	SaveJob(ctx context.Context, job *domain.Job) error
	UpdateJob(ctx context.Context, job *domain.Job) error
}

// Observer receives job lifecycle events on behalf of the job source. All
// callbacks run on dispatcher goroutines and must not block.
type Observer interface {
	JobProgress(job *domain.Job, progress float64, currentNode string)
	JobCompleted(job *domain.Job, result json.RawMessage, durationMS int64)
	JobFailed(job *domain.Job, reason string)
}

// DispatchConfig holds the dispatch engine's tunables.
type DispatchConfig struct {
	// AssignTimeout bounds the wait for JOB_ACCEPT/JOB_REJECT after an offer.
	AssignTimeout time.Duration
	// CancelTimeout bounds the wait for JOB_CANCELLED after JOB_CANCEL.
	CancelTimeout time.Duration
	// MaxAttempts is the default per-job assignment attempt budget.
	MaxAttempts int
}

// queueEntry is one heap slot. Entries are lazy: a job that left QUEUED
// state between push and pop is simply dropped when popped.
type queueEntry struct {
	jobID    string
	priority int
	seq      uint64
}

// jobQueue orders by priority descending, then insertion order ascending
// (FIFO within a priority band).
type jobQueue []*queueEntry

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) { *q = append(*q, x.(*queueEntry)) }

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return entry
}

// Dispatcher matches queued jobs to capable, available robot sessions and
// owns the job state machine. All transitions happen under one mutex, which
// gives the at-most-one-active-assignment guarantee; the offer round-trip
// itself (JOB_ASSIGN -> accept/reject) runs outside the lock so a slow robot
// never stalls scheduling.
type Dispatcher struct {
	logger   *slog.Logger
	registry *Registry
	store    JobStore
	observer Observer
	metrics  *metrics.Collector
	cfg      DispatchConfig

	mu    sync.Mutex
	jobs  map[string]*domain.Job
	queue jobQueue
	seq   uint64
	// lastOffer remembers which robot last saw each job, so a retry after a
	// reject or timeout prefers a different candidate when one exists.
	lastOffer map[string]string

	kick chan struct{}
}

// NewDispatcher creates a dispatcher. store and observer may be nil.
func NewDispatcher(registry *Registry, store JobStore, observer Observer, collector *metrics.Collector, cfg DispatchConfig, logger *slog.Logger) *Dispatcher {
	if cfg.AssignTimeout <= 0 {
		cfg.AssignTimeout = 10 * time.Second
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Dispatcher{
		logger:    logger,
		registry:  registry,
		store:     store,
		observer:  observer,
		metrics:   collector,
		cfg:       cfg,
		jobs:      make(map[string]*domain.Job),
		lastOffer: make(map[string]string),
		kick:      make(chan struct{}, 1),
	}
}

// Run drives the scheduling loop until the context is canceled. Dispatch is
// event-driven: a kick arrives when a job is enqueued, a robot frees
// capacity, or orphans are recovered. No busy-waiting.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("Dispatch engine started",
		slog.Duration("assign_timeout", d.cfg.AssignTimeout),
		slog.Int("max_attempts", d.cfg.MaxAttempts),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatch engine stopped")
			return
		case <-d.kick:
			for d.tryDispatchNext() {
			}
		}
	}
}

// Kick schedules a dispatch pass. Non-blocking; coalesces with a pending kick.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Enqueue adds a job to the priority queue and persists it. The job enters
// QUEUED state; dispatch happens asynchronously on the scheduler loop.
func (d *Dispatcher) Enqueue(job *domain.Job) error {
	if job.JobID == "" {
		return fmt.Errorf("%w: missing job id", domain.ErrJobNotFound)
	}
	now := time.Now()
	job.State = domain.JobStateQueued
	job.AssignedRobotID = ""
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = d.cfg.MaxAttempts
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	job.UpdatedAt = now

	d.mu.Lock()
	if _, exists := d.jobs[job.JobID]; exists {
		d.mu.Unlock()
		return fmt.Errorf("job %s already enqueued", job.JobID)
	}
	d.jobs[job.JobID] = job
	d.pushLocked(job)
	d.updateDepthLocked()
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.SaveJob(context.Background(), job.Clone()); err != nil {
			d.logger.Error("Failed to persist job",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		}
	}

	d.metrics.RecordEnqueue()
	d.logger.Info("Job enqueued",
		slog.String("job_id", job.JobID),
		slog.Int("priority", job.Priority),
		slog.Any("required_capabilities", job.RequiredCapabilities),
	)

	d.Kick()
	return nil
}

// pushLocked adds a queue entry for a QUEUED job. Caller holds d.mu.
func (d *Dispatcher) pushLocked(job *domain.Job) {
	d.seq++
	heap.Push(&d.queue, &queueEntry{
		jobID:    job.JobID,
		priority: job.Priority,
		seq:      d.seq,
	})
}

// tryDispatchNext pops the highest-priority queued job with at least one
// eligible session and reserves the assignment. Jobs with no eligible robot
// stay queued. Returns true if an offer was started.
func (d *Dispatcher) tryDispatchNext() bool {
	d.mu.Lock()

	var job *domain.Job
	var session *Session
	var skipped []*queueEntry

	for d.queue.Len() > 0 {
		entry := heap.Pop(&d.queue).(*queueEntry)
		candidate, ok := d.jobs[entry.jobID]
		if !ok || candidate.State != domain.JobStateQueued {
			// Stale entry from a cancel or an earlier requeue cycle.
			continue
		}

		candidates := d.registry.FindAvailable(candidate.RequiredCapabilities)
		if len(candidates) == 0 {
			skipped = append(skipped, entry)
			continue
		}

		chosen := candidates[0]
		if last := d.lastOffer[candidate.JobID]; len(candidates) > 1 && chosen.RobotID == last {
			chosen = candidates[1]
		}
		if err := chosen.AssignJob(candidate.JobID); err != nil {
			// Lost the slot between FindAvailable and the reservation.
			skipped = append(skipped, entry)
			continue
		}
		d.lastOffer[candidate.JobID] = chosen.RobotID

		candidate.State = domain.JobStateAssigned
		candidate.AssignedRobotID = chosen.RobotID
		candidate.UpdatedAt = time.Now()
		job = candidate
		session = chosen
		break
	}

	for _, entry := range skipped {
		heap.Push(&d.queue, entry)
	}
	d.updateDepthLocked()
	d.mu.Unlock()

	if job == nil {
		return false
	}

	d.persist(job)
	d.metrics.RecordDispatch()
	go d.offerJob(job.JobID, session)
	return true
}

// offerJob sends JOB_ASSIGN and waits for the robot's verdict. Runs outside
// the dispatcher lock; the only state it touches afterwards goes back
// through the guarded transition helpers.
func (d *Dispatcher) offerJob(jobID string, session *Session) {
	d.mu.Lock()
	job, ok := d.jobs[jobID]
	if !ok || job.State != domain.JobStateAssigned || job.AssignedRobotID != session.RobotID {
		d.mu.Unlock()
		return
	}
	assign := &protocol.JobAssignPayload{
		JobID:       job.JobID,
		WorkflowRef: job.WorkflowRef,
		Priority:    job.Priority,
	}
	d.mu.Unlock()

	msg, err := protocol.NewMessage(protocol.TypeJobAssign, assign)
	if err != nil {
		d.rollbackAssignment(jobID, session, domain.FailureNoEligibleRobot, "assign build failed: "+err.Error())
		return
	}

	start := time.Now()
	reply, err := session.SendAndAwait(msg, d.cfg.AssignTimeout)
	d.metrics.ObserveAssignRoundtrip(time.Since(start).Seconds())

	if err != nil {
		d.logger.Warn("Job offer got no verdict",
			slog.String("job_id", jobID),
			slog.String("robot_id", session.RobotID),
			slog.String("error", err.Error()),
		)
		d.rollbackAssignment(jobID, session, domain.FailureNoEligibleRobot, err.Error())
		return
	}

	switch reply.Type {
	case protocol.TypeJobAccept:
		d.markAccepted(jobID, session)
	case protocol.TypeJobReject:
		var rej protocol.JobRejectPayload
		reason := "rejected"
		if err := reply.ParsePayload(&rej); err == nil && rej.Reason != "" {
			reason = rej.Reason
		}
		d.logger.Info("Job rejected by robot",
			slog.String("job_id", jobID),
			slog.String("robot_id", session.RobotID),
			slog.String("reason", reason),
		)
		d.rollbackAssignment(jobID, session, domain.FailureNoEligibleRobot, reason)
	default:
		d.logger.Warn("Unexpected reply to job offer",
			slog.String("job_id", jobID),
			slog.String("type", string(reply.Type)),
		)
		d.rollbackAssignment(jobID, session, domain.FailureNoEligibleRobot, "unexpected reply "+string(reply.Type))
	}
}

// markAccepted transitions ASSIGNED -> RUNNING. A late accept for a job that
// has since been rolled back or reassigned is detected by the robot-ID check
// and silently discarded.
func (d *Dispatcher) markAccepted(jobID string, session *Session) {
	d.mu.Lock()
	job, ok := d.jobs[jobID]
	if !ok || job.State != domain.JobStateAssigned || job.AssignedRobotID != session.RobotID {
		d.mu.Unlock()
		d.logger.Warn("Discarding stale job accept",
			slog.String("job_id", jobID),
			slog.String("robot_id", session.RobotID),
		)
		return
	}
	job.State = domain.JobStateRunning
	job.UpdatedAt = time.Now()
	snapshot := job.Clone()
	d.mu.Unlock()

	d.persist(snapshot)
	d.logger.Info("Job running",
		slog.String("job_id", jobID),
		slog.String("robot_id", session.RobotID),
	)
}

// rollbackAssignment undoes a reservation after reject/timeout/send failure:
// the slot is released and the job either requeues or, with its attempt
// budget spent, fails.
func (d *Dispatcher) rollbackAssignment(jobID string, session *Session, exhaustedReason, detail string) {
	session.ReleaseJob(jobID)

	d.mu.Lock()
	job, ok := d.jobs[jobID]
	if !ok || job.State != domain.JobStateAssigned || job.AssignedRobotID != session.RobotID {
		d.mu.Unlock()
		return
	}
	d.requeueOrFailLocked(job, exhaustedReason, detail)
	d.updateDepthLocked()
	snapshot := job.Clone()
	d.mu.Unlock()

	d.persist(snapshot)
	if snapshot.State == domain.JobStateFailed {
		d.metrics.RecordFailure()
		d.notifyFailed(snapshot, snapshot.FailureReason)
	} else {
		d.metrics.RecordRequeue()
	}
	d.Kick()
}

// requeueOrFailLocked resets a job to QUEUED with an incremented attempt
// count, or fails it when the budget is exhausted. Caller holds d.mu.
func (d *Dispatcher) requeueOrFailLocked(job *domain.Job, exhaustedReason, detail string) {
	job.AttemptCount++
	job.AssignedRobotID = ""
	job.UpdatedAt = time.Now()

	if job.AttemptCount >= job.MaxAttempts {
		job.State = domain.JobStateFailed
		job.FailureReason = exhaustedReason
		d.logger.Warn("Job failed after exhausting attempts",
			slog.String("job_id", job.JobID),
			slog.Int("attempts", job.AttemptCount),
			slog.String("reason", exhaustedReason),
			slog.String("detail", detail),
		)
		return
	}

	job.State = domain.JobStateQueued
	d.pushLocked(job)
	d.logger.Info("Job requeued",
		slog.String("job_id", job.JobID),
		slog.Int("attempt_count", job.AttemptCount),
		slog.String("detail", detail),
	)
}

// OnProgress surfaces a progress report to the observer. No state change;
// the orchestrator does not interpret the percentage. Reports from a robot
// that no longer owns the job are dropped.
func (d *Dispatcher) OnProgress(jobID, robotID string, progress float64, currentNode string) {
	d.mu.Lock()
	job, ok := d.jobs[jobID]
	if !ok || job.AssignedRobotID != robotID {
		d.mu.Unlock()
		return
	}
	snapshot := job.Clone()
	d.mu.Unlock()

	if d.observer != nil {
		d.observer.JobProgress(snapshot, progress, currentNode)
	}
	d.logger.Debug("Job progress",
		slog.String("job_id", jobID),
		slog.Float64("progress", progress),
		slog.String("current_node", currentNode),
	)
}

// OnComplete finalizes a job as COMPLETED, frees the robot's slot, and
// immediately kicks dispatch to backfill the capacity.
func (d *Dispatcher) OnComplete(jobID, robotID string, result json.RawMessage, durationMS int64) {
	d.mu.Lock()
	job, ok := d.jobs[jobID]
	if !ok || job.AssignedRobotID != robotID ||
		(job.State != domain.JobStateRunning && job.State != domain.JobStateAssigned) {
		d.mu.Unlock()
		d.logger.Warn("Discarding completion for unowned job",
			slog.String("job_id", jobID),
			slog.String("robot_id", robotID),
		)
		return
	}
	job.State = domain.JobStateCompleted
	job.UpdatedAt = time.Now()
	snapshot := job.Clone()
	d.updateDepthLocked()
	d.mu.Unlock()

	if s := d.registry.Get(robotID); s != nil {
		s.ReleaseJob(jobID)
	}

	d.persist(snapshot)
	d.metrics.RecordComplete()
	if d.observer != nil {
		d.observer.JobCompleted(snapshot, result, durationMS)
	}
	d.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.String("robot_id", robotID),
		slog.Int64("duration_ms", durationMS),
	)
	d.Kick()
}

// OnFailed finalizes a job as FAILED with an executor-reported reason. The
// attempt budget does not apply: the executor ran and said no.
func (d *Dispatcher) OnFailed(jobID, robotID, errorMessage, errorType string) {
	d.mu.Lock()
	job, ok := d.jobs[jobID]
	if !ok || job.AssignedRobotID != robotID ||
		(job.State != domain.JobStateRunning && job.State != domain.JobStateAssigned) {
		d.mu.Unlock()
		d.logger.Warn("Discarding failure for unowned job",
			slog.String("job_id", jobID),
			slog.String("robot_id", robotID),
		)
		return
	}
	job.State = domain.JobStateFailed
	job.FailureReason = domain.FailureExecutorReported
	job.UpdatedAt = time.Now()
	snapshot := job.Clone()
	d.updateDepthLocked()
	d.mu.Unlock()

	if s := d.registry.Get(robotID); s != nil {
		s.ReleaseJob(jobID)
	}

	d.persist(snapshot)
	d.metrics.RecordFailure()
	d.notifyFailed(snapshot, fmt.Sprintf("%s: %s (%s)", domain.FailureExecutorReported, errorMessage, errorType))
	d.logger.Info("Job failed",
		slog.String("job_id", jobID),
		slog.String("robot_id", robotID),
		slog.String("error_type", errorType),
		slog.String("error_message", errorMessage),
	)
	d.Kick()
}

// OnCancelRequest cancels a job. A queued job is finalized directly; a job
// on a robot gets a cooperative JOB_CANCEL and is finalized only when the
// robot confirms with JOB_CANCELLED.
func (d *Dispatcher) OnCancelRequest(jobID, reason string) error {
	d.mu.Lock()
	job, ok := d.jobs[jobID]
	if !ok {
		d.mu.Unlock()
		return domain.ErrJobNotFound
	}

	switch job.State {
	case domain.JobStateQueued:
		job.State = domain.JobStateCancelled
		job.UpdatedAt = time.Now()
		snapshot := job.Clone()
		d.updateDepthLocked()
		d.mu.Unlock()

		d.persist(snapshot)
		d.metrics.RecordCancel()
		d.logger.Info("Queued job cancelled", slog.String("job_id", jobID))
		return nil

	case domain.JobStateAssigned, domain.JobStateRunning:
		robotID := job.AssignedRobotID
		d.mu.Unlock()

		session := d.registry.Get(robotID)
		if session == nil {
			return domain.ErrSessionNotFound
		}
		go d.cancelOnRobot(jobID, reason, session)
		return nil

	default:
		d.mu.Unlock()
		return domain.ErrJobNotCancellable
	}
}

// cancelOnRobot runs the cooperative cancel round-trip.
func (d *Dispatcher) cancelOnRobot(jobID, reason string, session *Session) {
	msg, err := protocol.NewMessage(protocol.TypeJobCancel, &protocol.JobCancelPayload{
		JobID:  jobID,
		Reason: reason,
	})
	if err != nil {
		d.logger.Error("Failed to build cancel message",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}

	reply, err := session.SendAndAwait(msg, d.cfg.CancelTimeout)
	if err != nil {
		// Cancellation is cooperative: without confirmation the job keeps
		// its state. The robot may still finish or the liveness sweep will
		// reclaim it.
		d.logger.Warn("No cancel confirmation from robot",
			slog.String("job_id", jobID),
			slog.String("robot_id", session.RobotID),
			slog.String("error", err.Error()),
		)
		return
	}
	if reply.Type != protocol.TypeJobCancelled {
		d.logger.Warn("Unexpected reply to cancel",
			slog.String("job_id", jobID),
			slog.String("type", string(reply.Type)),
		)
		return
	}

	d.finalizeCancelled(jobID, session.RobotID)
}

// finalizeCancelled marks a job CANCELLED after the robot confirmed.
func (d *Dispatcher) finalizeCancelled(jobID, robotID string) {
	d.mu.Lock()
	job, ok := d.jobs[jobID]
	if !ok || job.AssignedRobotID != robotID || job.State.IsTerminal() {
		d.mu.Unlock()
		return
	}
	job.State = domain.JobStateCancelled
	job.UpdatedAt = time.Now()
	snapshot := job.Clone()
	d.updateDepthLocked()
	d.mu.Unlock()

	if s := d.registry.Get(robotID); s != nil {
		s.ReleaseJob(jobID)
	}

	d.persist(snapshot)
	d.metrics.RecordCancel()
	d.logger.Info("Job cancelled",
		slog.String("job_id", jobID),
		slog.String("robot_id", robotID),
	)
	d.Kick()
}

// RecoverOrphaned requeues jobs stranded by an evicted session. Jobs still
// marked ASSIGNED or RUNNING go back to QUEUED with an attempt increment; a
// job out of budget fails with the disconnect reason. This is the critical
// failure-recovery path: a robot's disappearance never silently drops its
// in-flight jobs.
func (d *Dispatcher) RecoverOrphaned(jobIDs []string) {
	if len(jobIDs) == 0 {
		return
	}

	var failed, requeued []*domain.Job

	d.mu.Lock()
	for _, id := range jobIDs {
		job, ok := d.jobs[id]
		if !ok || (job.State != domain.JobStateAssigned && job.State != domain.JobStateRunning) {
			continue
		}
		d.requeueOrFailLocked(job, domain.FailureRobotDisconnected, "session evicted")
		if job.State == domain.JobStateFailed {
			failed = append(failed, job.Clone())
		} else {
			requeued = append(requeued, job.Clone())
		}
	}
	d.updateDepthLocked()
	d.mu.Unlock()

	for _, job := range requeued {
		d.persist(job)
		d.metrics.RecordRequeue()
	}
	for _, job := range failed {
		d.persist(job)
		d.metrics.RecordFailure()
		d.notifyFailed(job, job.FailureReason)
	}

	d.logger.Info("Recovered orphaned jobs",
		slog.Int("requeued", len(requeued)),
		slog.Int("failed", len(failed)),
	)
	d.Kick()
}

// GetJob returns a copy of a job's current state.
func (d *Dispatcher) GetJob(jobID string) (*domain.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

// ListJobs returns copies of jobs, optionally filtered by state, newest
// first, capped at limit.
func (d *Dispatcher) ListJobs(state domain.JobState, limit int) []*domain.Job {
	d.mu.Lock()
	jobs := make([]*domain.Job, 0, len(d.jobs))
	for _, job := range d.jobs {
		if state != "" && job.State != state {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	d.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].EnqueuedAt.After(jobs[j].EnqueuedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

// updateDepthLocked refreshes the queue depth gauges. Caller holds d.mu.
func (d *Dispatcher) updateDepthLocked() {
	var queued, inFlight int
	for _, job := range d.jobs {
		switch job.State {
		case domain.JobStateQueued:
			queued++
		case domain.JobStateAssigned, domain.JobStateAccepted, domain.JobStateRunning:
			inFlight++
		}
	}
	d.metrics.SetQueueDepth(queued, inFlight)
}

// persist mirrors a job snapshot into the store, logging failures.
func (d *Dispatcher) persist(job *domain.Job) {
	if d.store == nil {
		return
	}
	if err := d.store.UpdateJob(context.Background(), job); err != nil {
		d.logger.Error("Failed to persist job state",
			slog.String("job_id", job.JobID),
			slog.String("state", string(job.State)),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Dispatcher) notifyFailed(job *domain.Job, reason string) {
	if d.observer != nil {
		d.observer.JobFailed(job, reason)
	}
}
