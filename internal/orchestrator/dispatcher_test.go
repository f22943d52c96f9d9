package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbotics/conductor/internal/orchestrator/domain"
	"github.com/flowbotics/conductor/internal/protocol"
	"github.com/flowbotics/conductor/internal/transport"
)

const eventually = 3 * time.Second
const tick = 5 * time.Millisecond

// recordingObserver captures lifecycle callbacks for assertions.
type recordingObserver struct {
	mu        sync.Mutex
	completed []string
	failed    map[string]string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{failed: make(map[string]string)}
}

func (o *recordingObserver) JobProgress(*domain.Job, float64, string) {}

func (o *recordingObserver) JobCompleted(job *domain.Job, _ json.RawMessage, _ int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, job.JobID)
}

func (o *recordingObserver) JobFailed(job *domain.Job, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed[job.JobID] = reason
}

func (o *recordingObserver) failureReason(jobID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failed[jobID]
}

// fakeRobotBehavior drives the peer side of a session in dispatcher tests.
type fakeRobotBehavior struct {
	silent   bool
	reject   bool
	complete bool
	assigned chan string
}

// runFakeRobot answers protocol traffic on the client end of a pipe the way
// a real robot would.
func runFakeRobot(conn transport.Conn, robotID string, b fakeRobotBehavior) {
	go func() {
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				return
			}

			switch msg.Type {
			case protocol.TypeJobAssign:
				var assign protocol.JobAssignPayload
				if err := msg.ParsePayload(&assign); err != nil {
					continue
				}
				if b.assigned != nil {
					b.assigned <- assign.JobID
				}
				if b.silent {
					continue
				}
				if b.reject {
					reply, _ := protocol.NewReply(msg, protocol.TypeJobReject, &protocol.JobRejectPayload{
						JobID:   assign.JobID,
						RobotID: robotID,
						Reason:  "busy with local work",
					})
					out, _ := protocol.Encode(reply)
					_ = conn.WriteMessage(out)
					continue
				}

				reply, _ := protocol.NewReply(msg, protocol.TypeJobAccept, &protocol.JobAcceptPayload{
					JobID:   assign.JobID,
					RobotID: robotID,
				})
				out, _ := protocol.Encode(reply)
				_ = conn.WriteMessage(out)

				if b.complete {
					done, _ := protocol.NewMessage(protocol.TypeJobComplete, &protocol.JobCompletePayload{
						JobID:      assign.JobID,
						RobotID:    robotID,
						Result:     json.RawMessage(`{}`),
						DurationMS: 1,
					})
					out, _ := protocol.Encode(done)
					_ = conn.WriteMessage(out)
				}

			case protocol.TypeJobCancel:
				var p protocol.JobCancelPayload
				if err := msg.ParsePayload(&p); err != nil {
					continue
				}
				reply, _ := protocol.NewReply(msg, protocol.TypeJobCancelled, &protocol.JobCancelledPayload{
					JobID:   p.JobID,
					RobotID: robotID,
				})
				out, _ := protocol.Encode(reply)
				_ = conn.WriteMessage(out)
			}
		}
	}()
}

// pumpSession routes inbound frames the way the connection read loop does:
// correlated replies to waiting callers, reports to the dispatcher.
func pumpSession(d *Dispatcher, s *Session) {
	go func() {
		for {
			data, err := s.conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				return
			}
			if msg.IsReply() {
				s.Resolve(msg)
				continue
			}
			switch msg.Type {
			case protocol.TypeJobComplete:
				var p protocol.JobCompletePayload
				if err := msg.ParsePayload(&p); err == nil {
					d.OnComplete(p.JobID, p.RobotID, p.Result, p.DurationMS)
				}
			case protocol.TypeJobFailed:
				var p protocol.JobFailedPayload
				if err := msg.ParsePayload(&p); err == nil {
					d.OnFailed(p.JobID, p.RobotID, p.ErrorMessage, p.ErrorType)
				}
			}
		}
	}()
}

type dispatcherFixture struct {
	registry   *Registry
	dispatcher *Dispatcher
	observer   *recordingObserver
}

func newDispatcherFixture(t *testing.T, cfg DispatchConfig) *dispatcherFixture {
	t.Helper()

	registry := NewRegistry(slog.Default(), nil)
	observer := newRecordingObserver()
	dispatcher := NewDispatcher(registry, nil, observer, nil, cfg, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go dispatcher.Run(ctx)

	return &dispatcherFixture{
		registry:   registry,
		dispatcher: dispatcher,
		observer:   observer,
	}
}

// addRobot admits a session backed by a fake robot and starts its pumps.
func (f *dispatcherFixture) addRobot(t *testing.T, robotID string, maxJobs int, b fakeRobotBehavior, caps ...string) *Session {
	t.Helper()

	server, client := transport.Pipe()
	s := NewSession(server, testRegisterPayload(robotID, maxJobs, caps...), slog.Default())
	s.MarkOnline()
	require.NoError(t, f.registry.Admit(s))

	runFakeRobot(client, robotID, b)
	pumpSession(f.dispatcher, s)
	f.dispatcher.Kick()
	return s
}

func (f *dispatcherFixture) jobState(t *testing.T, jobID string) domain.JobState {
	t.Helper()
	job, err := f.dispatcher.GetJob(jobID)
	require.NoError(t, err)
	return job.State
}

func enqueueJob(t *testing.T, d *Dispatcher, jobID string, priority int, caps ...string) *domain.Job {
	t.Helper()
	job := &domain.Job{
		JobID:                jobID,
		WorkflowRef:          "wf://" + jobID,
		Priority:             priority,
		RequiredCapabilities: caps,
	}
	require.NoError(t, d.Enqueue(job))
	return job
}

func TestDispatcher_HappyPath(t *testing.T) {
	f := newDispatcherFixture(t, DispatchConfig{AssignTimeout: time.Second, MaxAttempts: 3})
	f.addRobot(t, "r-1", 1, fakeRobotBehavior{complete: true})

	enqueueJob(t, f.dispatcher, "j-1", 0)

	require.Eventually(t, func() bool {
		return f.jobState(t, "j-1") == domain.JobStateCompleted
	}, eventually, tick)

	job, err := f.dispatcher.GetJob("j-1")
	require.NoError(t, err)
	assert.Equal(t, "r-1", job.AssignedRobotID)

	// Capacity returned to the session.
	s := f.registry.Get("r-1")
	require.Eventually(t, func() bool {
		return s.ActiveJobCount() == 0
	}, eventually, tick)

	f.observer.mu.Lock()
	defer f.observer.mu.Unlock()
	assert.Contains(t, f.observer.completed, "j-1")
}

func TestDispatcher_AcceptWithoutCompleteStaysRunning(t *testing.T) {
	f := newDispatcherFixture(t, DispatchConfig{AssignTimeout: time.Second, MaxAttempts: 3})
	f.addRobot(t, "r-1", 1, fakeRobotBehavior{})

	enqueueJob(t, f.dispatcher, "j-1", 0)

	require.Eventually(t, func() bool {
		return f.jobState(t, "j-1") == domain.JobStateRunning
	}, eventually, tick)
}

func TestDispatcher_RejectionExhaustsAttempts(t *testing.T) {
	f := newDispatcherFixture(t, DispatchConfig{AssignTimeout: time.Second, MaxAttempts: 2})
	f.addRobot(t, "r-1", 1, fakeRobotBehavior{reject: true})

	enqueueJob(t, f.dispatcher, "j-1", 0)

	require.Eventually(t, func() bool {
		return f.jobState(t, "j-1") == domain.JobStateFailed
	}, eventually, tick)

	job, err := f.dispatcher.GetJob("j-1")
	require.NoError(t, err)
	assert.Equal(t, 2, job.AttemptCount)
	assert.Equal(t, domain.FailureNoEligibleRobot, job.FailureReason)
	assert.Empty(t, job.AssignedRobotID)

	// The rejecting robot holds no phantom slot.
	assert.Equal(t, 0, f.registry.Get("r-1").ActiveJobCount())
	assert.Equal(t, domain.FailureNoEligibleRobot, f.observer.failureReason("j-1"))
}

func TestDispatcher_RejectionRetriesOnDifferentRobot(t *testing.T) {
	f := newDispatcherFixture(t, DispatchConfig{AssignTimeout: time.Second, MaxAttempts: 2})
	f.addRobot(t, "r-reject", 1, fakeRobotBehavior{reject: true})
	f.addRobot(t, "r-accept", 1, fakeRobotBehavior{complete: true})

	enqueueJob(t, f.dispatcher, "j-1", 0)

	require.Eventually(t, func() bool {
		return f.jobState(t, "j-1") == domain.JobStateCompleted
	}, eventually, tick)

	job, err := f.dispatcher.GetJob("j-1")
	require.NoError(t, err)
	assert.Equal(t, "r-accept", job.AssignedRobotID)
	assert.Equal(t, 1, job.AttemptCount)
}

func TestDispatcher_OfferTimeoutRollsBack(t *testing.T) {
	f := newDispatcherFixture(t, DispatchConfig{AssignTimeout: 50 * time.Millisecond, MaxAttempts: 2})
	f.addRobot(t, "r-1", 1, fakeRobotBehavior{silent: true})

	enqueueJob(t, f.dispatcher, "j-1", 0)

	require.Eventually(t, func() bool {
		return f.jobState(t, "j-1") == domain.JobStateFailed
	}, eventually, tick)

	job, err := f.dispatcher.GetJob("j-1")
	require.NoError(t, err)
	assert.Equal(t, 2, job.AttemptCount)
	assert.Equal(t, 0, f.registry.Get("r-1").ActiveJobCount())
}

func TestDispatcher_NoRobotLeavesJobQueued(t *testing.T) {
	f := newDispatcherFixture(t, DispatchConfig{AssignTimeout: time.Second, MaxAttempts: 3})

	enqueueJob(t, f.dispatcher, "j-1", 0)

	// Without an eligible session the job must sit in the queue untouched.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.JobStateQueued, f.jobState(t, "j-1"))

	job, err := f.dispatcher.GetJob("j-1")
	require.NoError(t, err)
	assert.Zero(t, job.AttemptCount)

	// A robot arriving later picks it up.
	f.addRobot(t, "r-1", 1, fakeRobotBehavior{complete: true})
	require.Eventually(t, func() bool {
		return f.jobState(t, "j-1") == domain.JobStateCompleted
	}, eventually, tick)
}

func TestDispatcher_PriorityOrder(t *testing.T) {
	f := newDispatcherFixture(t, DispatchConfig{AssignTimeout: time.Second, MaxAttempts: 3})

	enqueueJob(t, f.dispatcher, "j-low", 1)
	enqueueJob(t, f.dispatcher, "j-high", 9)
	enqueueJob(t, f.dispatcher, "j-mid-a", 5)
	enqueueJob(t, f.dispatcher, "j-mid-b", 5)

	assigned := make(chan string, 4)
	f.addRobot(t, "r-1", 1, fakeRobotBehavior{complete: true, assigned: assigned})

	var order []string
	for i := 0; i < 4; i++ {
		select {
		case id := <-assigned:
			order = append(order, id)
		case <-time.After(eventually):
			t.Fatalf("timed out waiting for assignment %d, got %v", i, order)
		}
	}

	// Priority descending, FIFO within the same priority.
	assert.Equal(t, []string{"j-high", "j-mid-a", "j-mid-b", "j-low"}, order)
}

func TestDispatcher_CapabilityGating(t *testing.T) {
	f := newDispatcherFixture(t, DispatchConfig{AssignTimeout: time.Second, MaxAttempts: 3})
	f.addRobot(t, "r-browser", 1, fakeRobotBehavior{complete: true}, "browser")

	enqueueJob(t, f.dispatcher, "j-sap", 5, "sap")
	enqueueJob(t, f.dispatcher, "j-browser", 1, "browser")

	// The lower-priority job runs because the sap job has no eligible robot.
	require.Eventually(t, func() bool {
		return f.jobState(t, "j-browser") == domain.JobStateCompleted
	}, eventually, tick)
	assert.Equal(t, domain.JobStateQueued, f.jobState(t, "j-sap"))

	f.addRobot(t, "r-sap", 1, fakeRobotBehavior{complete: true}, "sap")
	require.Eventually(t, func() bool {
		return f.jobState(t, "j-sap") == domain.JobStateCompleted
	}, eventually, tick)

	job, err := f.dispatcher.GetJob("j-sap")
	require.NoError(t, err)
	assert.Equal(t, "r-sap", job.AssignedRobotID)
}

func TestDispatcher_CancelQueuedJob(t *testing.T) {
	f := newDispatcherFixture(t, DispatchConfig{AssignTimeout: time.Second, MaxAttempts: 3})

	enqueueJob(t, f.dispatcher, "j-1", 0)

	require.NoError(t, f.dispatcher.OnCancelRequest("j-1", "operator request"))
	assert.Equal(t, domain.JobStateCancelled, f.jobState(t, "j-1"))

	// Terminal jobs cannot be cancelled again.
	err := f.dispatcher.OnCancelRequest("j-1", "again")
	assert.ErrorIs(t, err, domain.ErrJobNotCancellable)

	err = f.dispatcher.OnCancelRequest("j-unknown", "x")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestDispatcher_CancelRunningJob(t *testing.T) {
	f := newDispatcherFixture(t, DispatchConfig{AssignTimeout: time.Second, CancelTimeout: time.Second, MaxAttempts: 3})
	f.addRobot(t, "r-1", 1, fakeRobotBehavior{})

	enqueueJob(t, f.dispatcher, "j-1", 0)

	require.Eventually(t, func() bool {
		return f.jobState(t, "j-1") == domain.JobStateRunning
	}, eventually, tick)

	require.NoError(t, f.dispatcher.OnCancelRequest("j-1", "operator request"))

	require.Eventually(t, func() bool {
		return f.jobState(t, "j-1") == domain.JobStateCancelled
	}, eventually, tick)

	s := f.registry.Get("r-1")
	require.Eventually(t, func() bool {
		return s.ActiveJobCount() == 0
	}, eventually, tick)
}

func TestDispatcher_RecoverOrphanedRequeues(t *testing.T) {
	f := newDispatcherFixture(t, DispatchConfig{AssignTimeout: time.Second, MaxAttempts: 3})
	f.addRobot(t, "r-1", 1, fakeRobotBehavior{})

	enqueueJob(t, f.dispatcher, "j-1", 0)
	require.Eventually(t, func() bool {
		return f.jobState(t, "j-1") == domain.JobStateRunning
	}, eventually, tick)

	orphaned := f.registry.Evict("r-1", "connection lost")
	f.dispatcher.RecoverOrphaned(orphaned)

	// The replacement robot picks the job back up.
	f.addRobot(t, "r-2", 1, fakeRobotBehavior{})
	require.Eventually(t, func() bool {
		job, err := f.dispatcher.GetJob("j-1")
		return err == nil && job.State == domain.JobStateRunning && job.AssignedRobotID == "r-2"
	}, eventually, tick)

	job, err := f.dispatcher.GetJob("j-1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.AttemptCount)
}

func TestDispatcher_RecoverOrphanedExhaustsAttempts(t *testing.T) {
	f := newDispatcherFixture(t, DispatchConfig{AssignTimeout: time.Second, MaxAttempts: 1})
	f.addRobot(t, "r-1", 1, fakeRobotBehavior{})

	enqueueJob(t, f.dispatcher, "j-1", 0)
	require.Eventually(t, func() bool {
		return f.jobState(t, "j-1") == domain.JobStateRunning
	}, eventually, tick)

	orphaned := f.registry.Evict("r-1", "connection lost")
	f.dispatcher.RecoverOrphaned(orphaned)

	require.Eventually(t, func() bool {
		return f.jobState(t, "j-1") == domain.JobStateFailed
	}, eventually, tick)

	job, err := f.dispatcher.GetJob("j-1")
	require.NoError(t, err)
	assert.Equal(t, domain.FailureRobotDisconnected, job.FailureReason)
}

func TestDispatcher_ExecutorFailureIsTerminal(t *testing.T) {
	f := newDispatcherFixture(t, DispatchConfig{AssignTimeout: time.Second, MaxAttempts: 3})
	f.addRobot(t, "r-1", 1, fakeRobotBehavior{})

	enqueueJob(t, f.dispatcher, "j-1", 0)
	require.Eventually(t, func() bool {
		return f.jobState(t, "j-1") == domain.JobStateRunning
	}, eventually, tick)

	f.dispatcher.OnFailed("j-1", "r-1", "node crashed", "NODE_ERROR")

	assert.Equal(t, domain.JobStateFailed, f.jobState(t, "j-1"))
	job, err := f.dispatcher.GetJob("j-1")
	require.NoError(t, err)
	assert.Equal(t, domain.FailureExecutorReported, job.FailureReason)
}

func TestDispatcher_StaleReportsDiscarded(t *testing.T) {
	f := newDispatcherFixture(t, DispatchConfig{AssignTimeout: time.Second, MaxAttempts: 3})
	f.addRobot(t, "r-1", 1, fakeRobotBehavior{})

	enqueueJob(t, f.dispatcher, "j-1", 0)
	require.Eventually(t, func() bool {
		return f.jobState(t, "j-1") == domain.JobStateRunning
	}, eventually, tick)

	// Reports from a robot that does not own the job change nothing.
	f.dispatcher.OnComplete("j-1", "r-imposter", nil, 1)
	assert.Equal(t, domain.JobStateRunning, f.jobState(t, "j-1"))

	f.dispatcher.OnFailed("j-1", "r-imposter", "boom", "X")
	assert.Equal(t, domain.JobStateRunning, f.jobState(t, "j-1"))
}

func TestDispatcher_AtMostOneAssignmentPerSlot(t *testing.T) {
	f := newDispatcherFixture(t, DispatchConfig{AssignTimeout: time.Second, MaxAttempts: 3})
	f.addRobot(t, "r-1", 1, fakeRobotBehavior{})

	enqueueJob(t, f.dispatcher, "j-1", 0)
	enqueueJob(t, f.dispatcher, "j-2", 0)

	require.Eventually(t, func() bool {
		return f.jobState(t, "j-1") == domain.JobStateRunning
	}, eventually, tick)

	// Second job waits: the only session is at capacity.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.JobStateQueued, f.jobState(t, "j-2"))
	assert.Equal(t, 1, f.registry.Get("r-1").ActiveJobCount())

	// Freeing the slot dispatches the waiting job.
	f.dispatcher.OnComplete("j-1", "r-1", nil, 1)
	require.Eventually(t, func() bool {
		return f.jobState(t, "j-2") == domain.JobStateRunning
	}, eventually, tick)
}

func TestDispatcher_DuplicateEnqueueRejected(t *testing.T) {
	f := newDispatcherFixture(t, DispatchConfig{AssignTimeout: time.Second, MaxAttempts: 3})

	enqueueJob(t, f.dispatcher, "j-1", 0)
	err := f.dispatcher.Enqueue(&domain.Job{JobID: "j-1", WorkflowRef: "wf://dup"})
	require.Error(t, err)
}
