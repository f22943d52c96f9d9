package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/flowbotics/conductor/internal/orchestrator/domain"
	"github.com/flowbotics/conductor/internal/protocol"
	"github.com/flowbotics/conductor/internal/transport"
)

// RobotStore persists fleet state mirrored from live sessions.
type RobotStore interface {
	UpsertRobot(ctx context.Context, robot *domain.Robot) error
	MarkRobotOffline(ctx context.Context, robotID string) error
}

// registerTimeout bounds the wait for the first frame. A connection that does
// not lead with REGISTER is dropped.
const registerTimeout = 10 * time.Second

// Server owns the robot-facing WebSocket endpoint: it upgrades connections,
// runs the registration handshake, and drives each session's read loop.
type Server struct {
	logger     *slog.Logger
	registry   *Registry
	dispatcher *Dispatcher
	store      RobotStore

	upgrader websocket.Upgrader
}

// NewServer creates the connection server. store may be nil.
func NewServer(registry *Registry, dispatcher *Dispatcher, store RobotStore, logger *slog.Logger) *Server {
	return &Server{
		logger:     logger,
		registry:   registry,
		dispatcher: dispatcher,
		store:      store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades GET /ws and serves the connection until it dies.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed",
			slog.String("remote", c.ClientIP()),
			slog.String("error", err.Error()),
		)
		return
	}

	s.ServeConn(transport.NewWSConn(ws), c.ClientIP())
}

// ServeConn runs the full lifecycle of one robot connection: handshake,
// read loop, eviction. Exported so tests can drive it over an in-memory pipe.
func (s *Server) ServeConn(conn transport.Conn, remote string) {
	session, err := s.handshake(conn, remote)
	if err != nil {
		s.logger.Warn("Registration handshake failed",
			slog.String("remote", remote),
			slog.String("error", err.Error()),
		)
		_ = conn.Close()
		return
	}

	s.readLoop(conn, session)
}

// handshake reads the first frame, which must be REGISTER, and admits the
// session. A robot reconnecting under an ID that still has a live session
// supersedes it: the stale session is evicted first and its jobs recovered.
func (s *Server) handshake(conn transport.Conn, remote string) (*Session, error) {
	data, err := readWithTimeout(conn, registerTimeout)
	if err != nil {
		return nil, err
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		s.sendError(conn, nil, "MALFORMED_MESSAGE", err.Error())
		return nil, err
	}
	if msg.Type != protocol.TypeRegister {
		s.sendError(conn, msg, "REGISTRATION_REQUIRED", "first message must be REGISTER")
		return nil, errors.New("first frame was " + string(msg.Type))
	}

	var reg protocol.RegisterPayload
	if err := msg.ParsePayload(&reg); err != nil {
		s.sendError(conn, msg, "MALFORMED_MESSAGE", err.Error())
		return nil, err
	}

	session := NewSession(conn, &reg, s.logger)

	if err := s.registry.Admit(session); err != nil {
		if !errors.Is(err, domain.ErrDuplicateRobot) {
			s.sendError(conn, msg, "REGISTRATION_FAILED", err.Error())
			return nil, err
		}
		// The robot likely restarted before its old session timed out. The
		// new connection wins; the stale session's jobs go back to the queue.
		s.logger.Info("Superseding stale session on reconnect",
			slog.String("robot_id", reg.RobotID),
			slog.String("remote", remote),
		)
		orphaned := s.registry.Evict(reg.RobotID, "superseded by reconnect")
		s.dispatcher.RecoverOrphaned(orphaned)

		if err := s.registry.Admit(session); err != nil {
			s.sendError(conn, msg, "REGISTRATION_FAILED", err.Error())
			return nil, err
		}
	}

	ack, err := protocol.NewReply(msg, protocol.TypeRegisterAck, &protocol.RegisterAckPayload{
		Success: true,
		Message: "registered",
	})
	if err == nil {
		err = session.Send(ack)
	}
	if err != nil {
		s.registry.Evict(reg.RobotID, "ack send failed")
		return nil, err
	}

	session.MarkOnline()
	s.persistRobot(session)
	return session, nil
}

// readLoop pumps inbound frames until the connection dies. Any frame counts
// as a liveness signal. Correlated replies go to their waiting caller; the
// rest route by type.
func (s *Server) readLoop(conn transport.Conn, session *Session) {
	logger := s.logger.With(slog.String("robot_id", session.RobotID))

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.evict(session, "connection lost")
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			// A peer speaking a different protocol version cannot be trusted
			// with job traffic. Drop the session.
			logger.Error("Malformed frame, closing session", slog.String("error", err.Error()))
			s.sendError(conn, nil, "MALFORMED_MESSAGE", err.Error())
			s.evict(session, "malformed frame")
			return
		}

		session.TouchHeartbeat()

		if msg.IsReply() {
			if !session.Resolve(msg) {
				logger.Debug("Discarding late reply",
					slog.String("type", string(msg.Type)),
					slog.String("correlation_id", msg.CorrelationID),
				)
			}
			continue
		}

		switch msg.Type {
		case protocol.TypeHeartbeat:
			s.handleHeartbeat(session, msg, logger)

		case protocol.TypeJobProgress:
			var p protocol.JobProgressPayload
			if err := msg.ParsePayload(&p); err == nil {
				s.dispatcher.OnProgress(p.JobID, p.RobotID, p.Progress, p.CurrentNode)
			}

		case protocol.TypeJobComplete:
			var p protocol.JobCompletePayload
			if err := msg.ParsePayload(&p); err == nil {
				s.dispatcher.OnComplete(p.JobID, p.RobotID, p.Result, p.DurationMS)
			}

		case protocol.TypeJobFailed:
			var p protocol.JobFailedPayload
			if err := msg.ParsePayload(&p); err == nil {
				s.dispatcher.OnFailed(p.JobID, p.RobotID, p.ErrorMessage, p.ErrorType)
			}

		case protocol.TypeDisconnect:
			var p protocol.DisconnectPayload
			_ = msg.ParsePayload(&p)
			logger.Info("Robot disconnecting", slog.String("reason", p.Reason))
			s.evict(session, "robot requested disconnect")
			return

		case protocol.TypeError:
			var p protocol.ErrorPayload
			_ = msg.ParsePayload(&p)
			logger.Warn("Robot reported protocol error",
				slog.String("error_code", p.ErrorCode),
				slog.String("error_message", p.ErrorMessage),
			)

		case protocol.TypeRegister:
			s.sendError(conn, msg, "ALREADY_REGISTERED", "session is already registered")

		default:
			logger.Warn("Unexpected message type", slog.String("type", string(msg.Type)))
		}
	}
}

// handleHeartbeat acknowledges liveness and logs drift between the robot's
// view of its active jobs and the orchestrator's bookkeeping. The robot's
// list is never treated as authoritative.
func (s *Server) handleHeartbeat(session *Session, msg *protocol.Message, logger *slog.Logger) {
	var hb protocol.HeartbeatPayload
	if err := msg.ParsePayload(&hb); err != nil {
		logger.Warn("Bad heartbeat payload", slog.String("error", err.Error()))
		return
	}

	mine := session.ActiveJobIDs()
	if !sameJobSet(mine, hb.ActiveJobIDs) {
		logger.Warn("Heartbeat job drift",
			slog.Any("orchestrator_view", mine),
			slog.Any("robot_view", hb.ActiveJobIDs),
		)
	}

	ack, err := protocol.NewReply(msg, protocol.TypeHeartbeatAck, nil)
	if err == nil {
		err = session.Send(ack)
	}
	if err != nil {
		logger.Warn("Failed to ack heartbeat", slog.String("error", err.Error()))
	}
}

// evict removes the session, recovers its jobs, and mirrors the offline
// status into storage.
func (s *Server) evict(session *Session, reason string) {
	orphaned := s.registry.Evict(session.RobotID, reason)
	s.dispatcher.RecoverOrphaned(orphaned)

	if s.store != nil {
		if err := s.store.MarkRobotOffline(context.Background(), session.RobotID); err != nil {
			s.logger.Error("Failed to mark robot offline",
				slog.String("robot_id", session.RobotID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Server) persistRobot(session *Session) {
	if s.store == nil {
		return
	}
	robot := &domain.Robot{
		RobotID:           session.RobotID,
		RobotName:         session.RobotName,
		Environment:       session.Environment,
		Capabilities:      session.Capabilities,
		MaxConcurrentJobs: session.MaxConcurrentJobs,
		Status:            domain.RobotStatusOnline,
		ConnectedAt:       session.ConnectedAt,
		LastSeenAt:        session.LastHeartbeat(),
	}
	if err := s.store.UpsertRobot(context.Background(), robot); err != nil {
		s.logger.Error("Failed to persist robot",
			slog.String("robot_id", session.RobotID),
			slog.String("error", err.Error()),
		)
	}
}

// sendError best-effort delivers an ERROR frame, correlated when the
// offending message is known.
func (s *Server) sendError(conn transport.Conn, cause *protocol.Message, code, message string) {
	payload := &protocol.ErrorPayload{
		ErrorCode:    code,
		ErrorMessage: message,
	}
	var msg *protocol.Message
	var err error
	if cause != nil {
		msg, err = protocol.NewReply(cause, protocol.TypeError, payload)
	} else {
		msg, err = protocol.NewMessage(protocol.TypeError, payload)
	}
	if err != nil {
		return
	}
	if data, err := protocol.Encode(msg); err == nil {
		_ = conn.WriteMessage(data)
	}
}

// readWithTimeout reads one frame with a deadline. Used only for the
// handshake, where the connection has no session yet.
func readWithTimeout(conn transport.Conn, timeout time.Duration) ([]byte, error) {
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
		return nil, domain.ErrResponseTimeout
	}
}

func sameJobSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
