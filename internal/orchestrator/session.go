package orchestrator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/flowbotics/conductor/internal/orchestrator/domain"
	"github.com/flowbotics/conductor/internal/protocol"
	"github.com/flowbotics/conductor/internal/transport"
)

// SessionStatus tracks where a robot session is in its lifecycle.
type SessionStatus string

const (
	SessionConnecting SessionStatus = "CONNECTING"
	SessionOnline     SessionStatus = "ONLINE"
	SessionBusy       SessionStatus = "BUSY"
	SessionOffline    SessionStatus = "OFFLINE"
)

// Session is the orchestrator-side representation of one connected robot.
// It wraps the duplex channel and layers correlated request/response
// semantics on top of raw sends: SendAndAwait parks the caller until the
// connection's read loop resolves a reply with a matching correlation ID.
//
// Invariant: the active job set never exceeds MaxConcurrentJobs; a session
// at capacity is never offered new jobs.
type Session struct {
	RobotID           string
	RobotName         string
	Environment       string
	Capabilities      []string
	MaxConcurrentJobs int
	ConnectedAt       time.Time

	conn   transport.Conn
	logger *slog.Logger

	mu            sync.Mutex
	status        SessionStatus
	activeJobs    map[string]struct{}
	lastHeartbeat time.Time
	pending       map[string]chan *protocol.Message
	closed        bool
}

// NewSession creates a session in CONNECTING state from a REGISTER payload.
func NewSession(conn transport.Conn, reg *protocol.RegisterPayload, logger *slog.Logger) *Session {
	now := time.Now()
	return &Session{
		RobotID:           reg.RobotID,
		RobotName:         reg.RobotName,
		Environment:       reg.Environment,
		Capabilities:      append([]string(nil), reg.Capabilities...),
		MaxConcurrentJobs: reg.MaxConcurrentJobs,
		ConnectedAt:       now,
		conn:              conn,
		logger:            logger.With(slog.String("robot_id", reg.RobotID)),
		status:            SessionConnecting,
		activeJobs:        make(map[string]struct{}),
		lastHeartbeat:     now,
		pending:           make(map[string]chan *protocol.Message),
	}
}

// MarkOnline transitions CONNECTING -> ONLINE after REGISTER_ACK is sent.
func (s *Session) MarkOnline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == SessionConnecting {
		s.status = SessionOnline
	}
}

// Status returns the current lifecycle status.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Send encodes and transmits a message. Fails with ErrSessionClosed once the
// underlying channel is gone.
func (s *Session) Send(msg *protocol.Message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return domain.ErrSessionClosed
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(data); err != nil {
		return domain.ErrSessionClosed
	}
	return nil
}

// SendAndAwait sends a message and blocks until a reply correlated to its ID
// arrives or the timeout elapses. The message is not retried on timeout;
// retry policy belongs to the caller.
func (s *Session) SendAndAwait(msg *protocol.Message, timeout time.Duration) (*protocol.Message, error) {
	ch := make(chan *protocol.Message, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.ErrSessionClosed
	}
	s.pending[msg.ID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, msg.ID)
		s.mu.Unlock()
	}()

	if err := s.Send(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok || reply == nil {
			return nil, domain.ErrSessionClosed
		}
		return reply, nil
	case <-timer.C:
		return nil, domain.ErrResponseTimeout
	}
}

// Resolve routes a correlated reply to its waiting SendAndAwait caller.
// Returns false when nobody is waiting, meaning a late reply for an
// abandoned request, which the caller should discard.
func (s *Session) Resolve(reply *protocol.Message) bool {
	s.mu.Lock()
	ch, ok := s.pending[reply.CorrelationID]
	if ok {
		delete(s.pending, reply.CorrelationID)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	ch <- reply
	return true
}

// TouchHeartbeat records liveness. Called on every inbound message, not only
// explicit heartbeats: any traffic is evidence the robot is alive.
func (s *Session) TouchHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

// LastHeartbeat returns the most recent liveness timestamp.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// AssignJob reserves a slot for a job. Fails with ErrAtCapacity when the
// active set is full, ErrSessionClosed when the session is gone.
func (s *Session) AssignJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.status == SessionOffline {
		return domain.ErrSessionClosed
	}
	if len(s.activeJobs) >= s.MaxConcurrentJobs {
		return domain.ErrAtCapacity
	}
	s.activeJobs[jobID] = struct{}{}
	s.status = SessionBusy
	return nil
}

// ReleaseJob frees the slot held by a job. Unknown IDs are a no-op.
func (s *Session) ReleaseJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.activeJobs, jobID)
	if len(s.activeJobs) == 0 && s.status == SessionBusy {
		s.status = SessionOnline
	}
}

// ActiveJobIDs returns a copy of the in-flight job IDs.
func (s *Session) ActiveJobIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.activeJobs))
	for id := range s.activeJobs {
		ids = append(ids, id)
	}
	return ids
}

// ActiveJobCount returns the current load.
func (s *Session) ActiveJobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeJobs)
}

// HasJob reports whether a job is tracked on this session.
func (s *Session) HasJob(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.activeJobs[jobID]
	return ok
}

// IsAvailable reports whether the session can take another job right now.
func (s *Session) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || (s.status != SessionOnline && s.status != SessionBusy) {
		return false
	}
	return len(s.activeJobs) < s.MaxConcurrentJobs
}

// HasCapabilities reports whether the required set is a subset of the
// robot's capabilities.
func (s *Session) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(s.Capabilities))
	for _, c := range s.Capabilities {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// Close transitions the session to OFFLINE, releases the transport, and
// fails every parked SendAndAwait caller. Idempotent.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.status = SessionOffline
	waiters := s.pending
	s.pending = make(map[string]chan *protocol.Message)
	s.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}

	if err := s.conn.Close(); err != nil {
		s.logger.Debug("session transport close", slog.String("error", err.Error()))
	}

	s.logger.Info("Session closed", slog.String("reason", reason))
}
