// Package robot implements the robot-side coordination client: it maintains
// the connection to the orchestrator, answers job offers against its local
// capacity, and reports execution lifecycle back over the same channel.
package robot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowbotics/conductor/internal/protocol"
	"github.com/flowbotics/conductor/internal/transport"
)

// Config holds the robot client's identity and tunables.
type Config struct {
	OrchestratorURL   string
	RobotID           string
	RobotName         string
	Environment       string
	Capabilities      []string
	MaxConcurrentJobs int
	HeartbeatInterval time.Duration
	RegisterTimeout   time.Duration
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 1
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = 10 * time.Second
	}
	if c.ReconnectMinDelay <= 0 {
		c.ReconnectMinDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
}

// Dialer opens a connection to the orchestrator. Production uses the
// WebSocket dialer; tests substitute an in-memory pipe.
type Dialer func(url string) (transport.Conn, error)

// errRegistrationFailed marks sessions that never got past the handshake,
// so the reconnect loop keeps backing off instead of hammering an
// orchestrator that is rejecting us.
var errRegistrationFailed = errors.New("registration failed")

// runningJob tracks one in-flight execution so a JOB_CANCEL can reach it.
type runningJob struct {
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelMsg *protocol.Message
}

func (r *runningJob) markCancelled(msg *protocol.Message) {
	r.mu.Lock()
	r.cancelMsg = msg
	r.mu.Unlock()
	r.cancel()
}

func (r *runningJob) cancellation() *protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelMsg
}

// Client is the robot's coordination endpoint.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	executor Executor
	dial     Dialer

	mu         sync.Mutex
	activeJobs map[string]*runningJob
	wg         sync.WaitGroup
}

// NewClient creates a robot client with the default WebSocket dialer.
func NewClient(cfg Config, executor Executor, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:      cfg,
		logger:   logger.With(slog.String("robot_id", cfg.RobotID)),
		executor: executor,
		dial: func(url string) (transport.Conn, error) {
			return transport.Dial(url)
		},
		activeJobs: make(map[string]*runningJob),
	}
}

// SetDialer overrides the connection factory. Must be called before Run.
func (c *Client) SetDialer(d Dialer) {
	c.dial = d
}

// Run connects, registers, and serves the session, reconnecting with
// exponential backoff until the context is canceled.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectMinDelay

	for {
		conn, err := c.dial(c.cfg.OrchestratorURL)
		if err == nil {
			err = c.runSession(ctx, conn)
			if err == nil {
				// Session ended because the context was canceled.
				return nil
			}
			if !errors.Is(err, errRegistrationFailed) {
				// Only a session that registered successfully resets the
				// backoff.
				delay = c.cfg.ReconnectMinDelay
			}
		}

		if ctx.Err() != nil {
			return nil
		}

		c.logger.Warn("Connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.cfg.ReconnectMaxDelay {
			delay = c.cfg.ReconnectMaxDelay
		}
	}
}

// RunOnce serves a single session over an already-open connection. Exposed
// for tests; Run wraps it with dialing and reconnect.
func (c *Client) RunOnce(ctx context.Context, conn transport.Conn) error {
	return c.runSession(ctx, conn)
}

func (c *Client) runSession(ctx context.Context, conn transport.Conn) error {
	defer conn.Close()
	defer c.abortActiveJobs()

	if err := c.register(conn); err != nil {
		return fmt.Errorf("%w: %v", errRegistrationFailed, err)
	}

	c.logger.Info("Registered with orchestrator",
		slog.String("url", c.cfg.OrchestratorURL),
		slog.Int("max_concurrent_jobs", c.cfg.MaxConcurrentJobs),
	)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var hbWg sync.WaitGroup
	hbWg.Add(1)
	go func() {
		defer hbWg.Done()
		c.heartbeatLoop(sessionCtx, conn)
	}()
	// Stop the heartbeat before waiting on it, whatever path exits the loop.
	defer func() {
		cancel()
		hbWg.Wait()
	}()

	for {
		data, err := readFrame(sessionCtx, conn)
		if err != nil {
			if ctx.Err() != nil {
				c.sendDisconnect(conn, "shutting down")
				return nil
			}
			return err
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("Dropping malformed frame from orchestrator",
				slog.String("error", err.Error()),
			)
			continue
		}

		switch msg.Type {
		case protocol.TypeJobAssign:
			c.handleAssign(sessionCtx, conn, msg)
		case protocol.TypeJobCancel:
			c.handleCancel(conn, msg)
		case protocol.TypeHeartbeatAck:
			// Liveness confirmed; nothing to do.
		case protocol.TypeError:
			var p protocol.ErrorPayload
			_ = msg.ParsePayload(&p)
			c.logger.Warn("Orchestrator reported error",
				slog.String("error_code", p.ErrorCode),
				slog.String("error_message", p.ErrorMessage),
			)
		default:
			c.logger.Warn("Unexpected message from orchestrator",
				slog.String("type", string(msg.Type)),
			)
		}
	}
}

// register performs the REGISTER / REGISTER_ACK handshake.
func (c *Client) register(conn transport.Conn) error {
	msg, err := protocol.NewMessage(protocol.TypeRegister, &protocol.RegisterPayload{
		RobotID:           c.cfg.RobotID,
		RobotName:         c.cfg.RobotName,
		Environment:       c.cfg.Environment,
		MaxConcurrentJobs: c.cfg.MaxConcurrentJobs,
		Capabilities:      c.cfg.Capabilities,
	})
	if err != nil {
		return err
	}
	if err := c.send(conn, msg); err != nil {
		return err
	}

	data, err := readFrameTimeout(conn, c.cfg.RegisterTimeout)
	if err != nil {
		return err
	}
	reply, err := protocol.Decode(data)
	if err != nil {
		return err
	}

	switch reply.Type {
	case protocol.TypeRegisterAck:
		return nil
	case protocol.TypeError:
		var p protocol.ErrorPayload
		_ = reply.ParsePayload(&p)
		return fmt.Errorf("orchestrator rejected registration: %s: %s", p.ErrorCode, p.ErrorMessage)
	default:
		return fmt.Errorf("expected REGISTER_ACK, got %s", reply.Type)
	}
}

// heartbeatLoop reports liveness and the robot's view of its active jobs.
func (c *Client) heartbeatLoop(ctx context.Context, conn transport.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids := c.activeJobIDs()
			status := "IDLE"
			if len(ids) > 0 {
				status = "BUSY"
			}
			msg, err := protocol.NewMessage(protocol.TypeHeartbeat, &protocol.HeartbeatPayload{
				RobotID:      c.cfg.RobotID,
				Status:       status,
				CurrentJobs:  len(ids),
				ActiveJobIDs: ids,
			})
			if err == nil {
				err = c.send(conn, msg)
			}
			if err != nil {
				c.logger.Warn("Heartbeat send failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// handleAssign answers a job offer. The accept/reject decision is made under
// the lock so capacity can never be oversubscribed by concurrent offers.
func (c *Client) handleAssign(ctx context.Context, conn transport.Conn, msg *protocol.Message) {
	var assign protocol.JobAssignPayload
	if err := msg.ParsePayload(&assign); err != nil {
		c.logger.Warn("Bad JOB_ASSIGN payload", slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	if _, running := c.activeJobs[assign.JobID]; running {
		// A re-offer can arrive when the orchestrator timed out our earlier
		// accept. Starting a second execution would double-run the workflow
		// and clobber the first one's cancel tracking.
		c.mu.Unlock()
		c.reply(conn, msg, protocol.TypeJobReject, &protocol.JobRejectPayload{
			JobID:   assign.JobID,
			RobotID: c.cfg.RobotID,
			Reason:  "already executing",
		})
		c.logger.Warn("Rejected duplicate job offer", slog.String("job_id", assign.JobID))
		return
	}
	if len(c.activeJobs) >= c.cfg.MaxConcurrentJobs {
		c.mu.Unlock()
		c.reply(conn, msg, protocol.TypeJobReject, &protocol.JobRejectPayload{
			JobID:   assign.JobID,
			RobotID: c.cfg.RobotID,
			Reason:  "at capacity",
		})
		c.logger.Info("Rejected job offer",
			slog.String("job_id", assign.JobID),
			slog.String("reason", "at capacity"),
		)
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	rj := &runningJob{cancel: cancel}
	c.activeJobs[assign.JobID] = rj
	c.mu.Unlock()

	c.reply(conn, msg, protocol.TypeJobAccept, &protocol.JobAcceptPayload{
		JobID:   assign.JobID,
		RobotID: c.cfg.RobotID,
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runJob(jobCtx, conn, &assign, rj)
	}()
}

// runJob executes one job and reports the outcome.
func (c *Client) runJob(ctx context.Context, conn transport.Conn, assign *protocol.JobAssignPayload, rj *runningJob) {
	defer func() {
		c.mu.Lock()
		delete(c.activeJobs, assign.JobID)
		c.mu.Unlock()
	}()

	c.logger.Info("Job started",
		slog.String("job_id", assign.JobID),
		slog.String("workflow_reference", assign.WorkflowRef),
	)

	start := time.Now()
	report := func(progress float64, currentNode string) {
		pm, err := protocol.NewMessage(protocol.TypeJobProgress, &protocol.JobProgressPayload{
			JobID:       assign.JobID,
			RobotID:     c.cfg.RobotID,
			Progress:    progress,
			CurrentNode: currentNode,
		})
		if err == nil {
			_ = c.send(conn, pm)
		}
	}

	result, err := c.executor.Execute(ctx, assign, report)

	if cancelMsg := rj.cancellation(); cancelMsg != nil && errors.Is(ctx.Err(), context.Canceled) {
		c.reply(conn, cancelMsg, protocol.TypeJobCancelled, &protocol.JobCancelledPayload{
			JobID:   assign.JobID,
			RobotID: c.cfg.RobotID,
		})
		c.logger.Info("Job cancelled", slog.String("job_id", assign.JobID))
		return
	}
	if ctx.Err() != nil {
		// Session died mid-execution; the orchestrator will recover the job.
		c.logger.Warn("Job aborted with session", slog.String("job_id", assign.JobID))
		return
	}

	if err != nil {
		var execErr *ExecutionError
		errType := "EXECUTION_ERROR"
		failedNode := ""
		if errors.As(err, &execErr) {
			errType = execErr.Type
			failedNode = execErr.Node
		}
		fm, merr := protocol.NewMessage(protocol.TypeJobFailed, &protocol.JobFailedPayload{
			JobID:        assign.JobID,
			RobotID:      c.cfg.RobotID,
			ErrorMessage: err.Error(),
			ErrorType:    errType,
			FailedNode:   failedNode,
		})
		if merr == nil {
			_ = c.send(conn, fm)
		}
		c.logger.Error("Job failed",
			slog.String("job_id", assign.JobID),
			slog.String("error", err.Error()),
		)
		return
	}

	cm, merr := protocol.NewMessage(protocol.TypeJobComplete, &protocol.JobCompletePayload{
		JobID:      assign.JobID,
		RobotID:    c.cfg.RobotID,
		Result:     result,
		DurationMS: time.Since(start).Milliseconds(),
	})
	if merr == nil {
		_ = c.send(conn, cm)
	}
	c.logger.Info("Job completed",
		slog.String("job_id", assign.JobID),
		slog.Duration("duration", time.Since(start)),
	)
}

// handleCancel routes a cancel to the running job. Unknown jobs get an
// immediate JOB_CANCELLED so the orchestrator can finalize.
func (c *Client) handleCancel(conn transport.Conn, msg *protocol.Message) {
	var p protocol.JobCancelPayload
	if err := msg.ParsePayload(&p); err != nil {
		c.logger.Warn("Bad JOB_CANCEL payload", slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	rj, ok := c.activeJobs[p.JobID]
	c.mu.Unlock()

	if !ok {
		c.reply(conn, msg, protocol.TypeJobCancelled, &protocol.JobCancelledPayload{
			JobID:   p.JobID,
			RobotID: c.cfg.RobotID,
		})
		return
	}

	c.logger.Info("Cancelling job",
		slog.String("job_id", p.JobID),
		slog.String("reason", p.Reason),
	)
	rj.markCancelled(msg)
}

func (c *Client) activeJobIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.activeJobs))
	for id := range c.activeJobs {
		ids = append(ids, id)
	}
	return ids
}

func (c *Client) abortActiveJobs() {
	c.mu.Lock()
	for _, rj := range c.activeJobs {
		rj.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Client) send(conn transport.Conn, msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}

func (c *Client) reply(conn transport.Conn, to *protocol.Message, t protocol.MessageType, payload any) {
	msg, err := protocol.NewReply(to, t, payload)
	if err != nil {
		c.logger.Error("Failed to build reply",
			slog.String("type", string(t)),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := c.send(conn, msg); err != nil {
		c.logger.Warn("Failed to send reply",
			slog.String("type", string(t)),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Client) sendDisconnect(conn transport.Conn, reason string) {
	msg, err := protocol.NewMessage(protocol.TypeDisconnect, &protocol.DisconnectPayload{
		RobotID: c.cfg.RobotID,
		Reason:  reason,
	})
	if err == nil {
		_ = c.send(conn, msg)
	}
}

// readFrame reads the next frame, aborting when the context is canceled.
func readFrame(ctx context.Context, conn transport.Conn) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := conn.ReadMessage()
		ch <- result{data, err}
	}()

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		_ = conn.Close()
		r := <-ch
		if r.err == nil {
			return r.data, nil
		}
		return nil, ctx.Err()
	}
}

// readFrameTimeout reads one frame with a deadline.
func readFrameTimeout(conn transport.Conn, timeout time.Duration) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := conn.ReadMessage()
		ch <- result{data, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.data, r.err
	case <-timer.C:
		return nil, errors.New("timed out waiting for frame")
	}
}
