package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of a protocol message. The set is closed:
// decoding a message with a type outside this list is a hard error so that
// protocol drift between orchestrator and robot surfaces immediately.
type MessageType string

const (
	TypeRegister     MessageType = "REGISTER"
	TypeRegisterAck  MessageType = "REGISTER_ACK"
	TypeHeartbeat    MessageType = "HEARTBEAT"
	TypeHeartbeatAck MessageType = "HEARTBEAT_ACK"
	TypeDisconnect   MessageType = "DISCONNECT"
	TypeJobAssign    MessageType = "JOB_ASSIGN"
	TypeJobAccept    MessageType = "JOB_ACCEPT"
	TypeJobReject    MessageType = "JOB_REJECT"
	TypeJobProgress  MessageType = "JOB_PROGRESS"
	TypeJobComplete  MessageType = "JOB_COMPLETE"
	TypeJobFailed    MessageType = "JOB_FAILED"
	TypeJobCancel    MessageType = "JOB_CANCEL"
	TypeJobCancelled MessageType = "JOB_CANCELLED"
	TypeError        MessageType = "ERROR"
)

var (
	// ErrInvalidPayload is returned by NewMessage when the payload is missing
	// fields required for the message type
	ErrInvalidPayload = errors.New("invalid message payload")

	// ErrMalformedMessage is returned by Decode for structurally invalid data
	// or an unknown message type
	ErrMalformedMessage = errors.New("malformed message")
)

// Message is the wire envelope. Payload shape depends on Type; CorrelationID
// links a reply to the ID of the message it answers.
type Message struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// RegisterPayload announces a robot to the orchestrator.
type RegisterPayload struct {
	RobotID           string   `json:"robot_id"`
	RobotName         string   `json:"robot_name"`
	Environment       string   `json:"environment"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	Capabilities      []string `json:"capabilities"`
}

// RegisterAckPayload is the orchestrator's admission verdict.
type RegisterAckPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// HeartbeatPayload is the robot's periodic liveness report. ActiveJobIDs is
// the robot's own view of its in-flight jobs; the orchestrator logs drift
// against its bookkeeping but never treats the robot's list as authoritative.
type HeartbeatPayload struct {
	RobotID      string   `json:"robot_id"`
	Status       string   `json:"status"`
	CurrentJobs  int      `json:"current_jobs"`
	ActiveJobIDs []string `json:"active_job_ids"`
	CPUPercent   float64  `json:"cpu_percent,omitempty"`
}

// HeartbeatAckPayload carries no fields.
type HeartbeatAckPayload struct{}

// DisconnectPayload announces a clean shutdown from the robot side.
type DisconnectPayload struct {
	RobotID string `json:"robot_id"`
	Reason  string `json:"reason"`
}

// JobAssignPayload offers a job to a robot.
type JobAssignPayload struct {
	JobID       string `json:"job_id"`
	WorkflowRef string `json:"workflow_reference"`
	Priority    int    `json:"priority"`
}

// JobAcceptPayload confirms the robot took the job.
type JobAcceptPayload struct {
	JobID   string `json:"job_id"`
	RobotID string `json:"robot_id"`
}

// JobRejectPayload declines an offered job.
type JobRejectPayload struct {
	JobID   string `json:"job_id"`
	RobotID string `json:"robot_id"`
	Reason  string `json:"reason"`
}

// JobProgressPayload streams execution progress. The orchestrator forwards it
// to observers without interpreting the percentage.
type JobProgressPayload struct {
	JobID       string  `json:"job_id"`
	RobotID     string  `json:"robot_id"`
	Progress    float64 `json:"progress"`
	CurrentNode string  `json:"current_node"`
}

// JobCompletePayload reports successful execution.
type JobCompletePayload struct {
	JobID      string          `json:"job_id"`
	RobotID    string          `json:"robot_id"`
	Result     json.RawMessage `json:"result"`
	DurationMS int64           `json:"duration_ms"`
}

// JobFailedPayload reports executor failure.
type JobFailedPayload struct {
	JobID        string `json:"job_id"`
	RobotID      string `json:"robot_id"`
	ErrorMessage string `json:"error_message"`
	ErrorType    string `json:"error_type"`
	FailedNode   string `json:"failed_node,omitempty"`
}

// JobCancelPayload asks the robot to stop a job. Cancellation is cooperative;
// the orchestrator waits for JOB_CANCELLED before finalizing.
type JobCancelPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// JobCancelledPayload confirms a cooperative cancellation.
type JobCancelledPayload struct {
	JobID   string `json:"job_id"`
	RobotID string `json:"robot_id"`
}

// ErrorPayload reports a protocol-level error in either direction.
type ErrorPayload struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Details      string `json:"details,omitempty"`
}

// validator is implemented by payloads with required fields.
type validator interface {
	validate() error
}

func (p *RegisterPayload) validate() error {
	if p.RobotID == "" {
		return fmt.Errorf("%w: REGISTER requires robot_id", ErrInvalidPayload)
	}
	if p.RobotName == "" {
		return fmt.Errorf("%w: REGISTER requires robot_name", ErrInvalidPayload)
	}
	if p.MaxConcurrentJobs < 1 {
		return fmt.Errorf("%w: REGISTER requires max_concurrent_jobs >= 1", ErrInvalidPayload)
	}
	return nil
}

func (p *HeartbeatPayload) validate() error {
	if p.RobotID == "" {
		return fmt.Errorf("%w: HEARTBEAT requires robot_id", ErrInvalidPayload)
	}
	return nil
}

func (p *DisconnectPayload) validate() error {
	if p.RobotID == "" {
		return fmt.Errorf("%w: DISCONNECT requires robot_id", ErrInvalidPayload)
	}
	return nil
}

func (p *JobAssignPayload) validate() error {
	if p.JobID == "" {
		return fmt.Errorf("%w: JOB_ASSIGN requires job_id", ErrInvalidPayload)
	}
	if p.WorkflowRef == "" {
		return fmt.Errorf("%w: JOB_ASSIGN requires workflow_reference", ErrInvalidPayload)
	}
	return nil
}

func (p *JobAcceptPayload) validate() error {
	return requireJobAndRobot("JOB_ACCEPT", p.JobID, p.RobotID)
}

func (p *JobRejectPayload) validate() error {
	return requireJobAndRobot("JOB_REJECT", p.JobID, p.RobotID)
}

func (p *JobProgressPayload) validate() error {
	return requireJobAndRobot("JOB_PROGRESS", p.JobID, p.RobotID)
}

func (p *JobCompletePayload) validate() error {
	return requireJobAndRobot("JOB_COMPLETE", p.JobID, p.RobotID)
}

func (p *JobFailedPayload) validate() error {
	if err := requireJobAndRobot("JOB_FAILED", p.JobID, p.RobotID); err != nil {
		return err
	}
	if p.ErrorMessage == "" {
		return fmt.Errorf("%w: JOB_FAILED requires error_message", ErrInvalidPayload)
	}
	return nil
}

func (p *JobCancelPayload) validate() error {
	if p.JobID == "" {
		return fmt.Errorf("%w: JOB_CANCEL requires job_id", ErrInvalidPayload)
	}
	return nil
}

func (p *JobCancelledPayload) validate() error {
	return requireJobAndRobot("JOB_CANCELLED", p.JobID, p.RobotID)
}

func (p *ErrorPayload) validate() error {
	if p.ErrorCode == "" || p.ErrorMessage == "" {
		return fmt.Errorf("%w: ERROR requires error_code and error_message", ErrInvalidPayload)
	}
	return nil
}

func requireJobAndRobot(msgType, jobID, robotID string) error {
	if jobID == "" {
		return fmt.Errorf("%w: %s requires job_id", ErrInvalidPayload, msgType)
	}
	if robotID == "" {
		return fmt.Errorf("%w: %s requires robot_id", ErrInvalidPayload, msgType)
	}
	return nil
}

// emptyPayload returns a fresh payload value for a message type, used by
// Decode to verify required fields. The bool is false for unknown types.
func emptyPayload(t MessageType) (validator, bool) {
	switch t {
	case TypeRegister:
		return &RegisterPayload{}, true
	case TypeRegisterAck:
		return nil, true
	case TypeHeartbeat:
		return &HeartbeatPayload{}, true
	case TypeHeartbeatAck:
		return nil, true
	case TypeDisconnect:
		return &DisconnectPayload{}, true
	case TypeJobAssign:
		return &JobAssignPayload{}, true
	case TypeJobAccept:
		return &JobAcceptPayload{}, true
	case TypeJobReject:
		return &JobRejectPayload{}, true
	case TypeJobProgress:
		return &JobProgressPayload{}, true
	case TypeJobComplete:
		return &JobCompletePayload{}, true
	case TypeJobFailed:
		return &JobFailedPayload{}, true
	case TypeJobCancel:
		return &JobCancelPayload{}, true
	case TypeJobCancelled:
		return &JobCancelledPayload{}, true
	case TypeError:
		return &ErrorPayload{}, true
	default:
		return nil, false
	}
}

// NewMessage builds a message of the given type with a fresh unique ID.
// The payload must be the payload struct matching the type (or nil for
// payload-free types); required fields are checked up front so a bad build
// fails at the call site rather than on the wire.
func NewMessage(t MessageType, payload any) (*Message, error) {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
	}

	required, known := emptyPayload(t)
	if !known {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalidPayload, t)
	}
	// Types with required payload fields cannot be built without a payload;
	// Decode would reject the resulting frame anyway.
	if required != nil && payload == nil {
		return nil, fmt.Errorf("%w: %s requires a payload", ErrInvalidPayload, t)
	}

	if payload != nil {
		if v, ok := payload.(validator); ok {
			if err := v.validate(); err != nil {
				return nil, err
			}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		msg.Payload = data
	}

	return msg, nil
}

// NewReply builds a message correlated to a prior message's ID.
func NewReply(to *Message, t MessageType, payload any) (*Message, error) {
	msg, err := NewMessage(t, payload)
	if err != nil {
		return nil, err
	}
	msg.CorrelationID = to.ID
	return msg, nil
}

// ParsePayload unmarshals the message payload into the given struct.
func (m *Message) ParsePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: message %s has no payload", ErrMalformedMessage, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

// IsReply reports whether the message correlates to a prior request.
func (m *Message) IsReply() bool {
	return m.CorrelationID != ""
}

// Encode serializes a message for the wire.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode parses a wire frame back into a message. Structural errors and
// unknown types fail with ErrMalformedMessage; the caller is expected to
// treat that as connection-fatal.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if msg.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}

	payload, known := emptyPayload(msg.Type)
	if !known {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformedMessage, msg.Type)
	}

	// Types with required payload fields must carry a payload that parses
	// and validates; payload-free types skip the check.
	if payload != nil {
		if len(msg.Payload) == 0 {
			return nil, fmt.Errorf("%w: message %s requires a payload", ErrMalformedMessage, msg.Type)
		}
		if err := json.Unmarshal(msg.Payload, payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if err := payload.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	}

	return &msg, nil
}
