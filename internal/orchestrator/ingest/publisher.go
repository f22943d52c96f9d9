package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/flowbotics/conductor/internal/orchestrator/domain"
	"github.com/flowbotics/conductor/shared/rabbitmq"
)

// jobEvent is published back to the broker so the job source can track
// lifecycle without polling the REST API.
type jobEvent struct {
	Event      string          `json:"event"`
	JobID      string          `json:"job_id"`
	RobotID    string          `json:"robot_id,omitempty"`
	Progress   float64         `json:"progress,omitempty"`
	Node       string          `json:"current_node,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// EventPublisher mirrors dispatcher lifecycle events onto RabbitMQ. It
// implements the dispatcher's observer; publish failures are logged and
// dropped, never allowed to stall the dispatch path.
type EventPublisher struct {
	logger       *slog.Logger
	rabbitClient *rabbitmq.Client
	timeout      time.Duration
}

// NewEventPublisher creates an event publisher.
func NewEventPublisher(rabbitClient *rabbitmq.Client, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{
		logger:       logger,
		rabbitClient: rabbitClient,
		timeout:      5 * time.Second,
	}
}

func (p *EventPublisher) JobProgress(job *domain.Job, progress float64, currentNode string) {
	p.publish(jobEvent{
		Event:     "job.progress",
		JobID:     job.JobID,
		RobotID:   job.AssignedRobotID,
		Progress:  progress,
		Node:      currentNode,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (p *EventPublisher) JobCompleted(job *domain.Job, result json.RawMessage, durationMS int64) {
	p.publish(jobEvent{
		Event:      "job.completed",
		JobID:      job.JobID,
		RobotID:    job.AssignedRobotID,
		Result:     result,
		DurationMS: durationMS,
		Timestamp:  time.Now().UnixMilli(),
	})
}

func (p *EventPublisher) JobFailed(job *domain.Job, reason string) {
	p.publish(jobEvent{
		Event:     "job.failed",
		JobID:     job.JobID,
		RobotID:   job.AssignedRobotID,
		Reason:    reason,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (p *EventPublisher) publish(ev jobEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to marshal job event",
			slog.String("event", ev.Event),
			slog.String("error", err.Error()),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.rabbitClient.PublishWithRetry(ctx, body, "application/json"); err != nil {
		p.logger.Error("Failed to publish job event",
			slog.String("event", ev.Event),
			slog.String("job_id", ev.JobID),
			slog.String("error", err.Error()),
		)
	}
}
