// Package ingest feeds the dispatch queue from RabbitMQ. Upstream systems
// publish job requests to the exchange; the consumer validates each one,
// hands it to the dispatcher, and acknowledges only after the job is safely
// queued.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/flowbotics/conductor/internal/orchestrator"
	"github.com/flowbotics/conductor/internal/orchestrator/domain"
	"github.com/flowbotics/conductor/shared/rabbitmq"
)

// jobRequest is the wire shape of an ingested job.
type jobRequest struct {
	JobID                string   `json:"job_id"`
	WorkflowReference    string   `json:"workflow_reference"`
	Priority             int      `json:"priority"`
	RequiredCapabilities []string `json:"required_capabilities"`
	MaxAttempts          int      `json:"max_attempts"`
}

// Consumer pulls job requests off the queue and enqueues them for dispatch.
type Consumer struct {
	logger        *slog.Logger
	rabbitClient  *rabbitmq.Client
	dispatcher    *orchestrator.Dispatcher
	prefetchCount int
	consumerTag   string
}

// NewConsumer creates an ingest consumer.
func NewConsumer(rabbitClient *rabbitmq.Client, dispatcher *orchestrator.Dispatcher, prefetchCount int, logger *slog.Logger) *Consumer {
	if prefetchCount <= 0 {
		prefetchCount = 10
	}
	return &Consumer{
		logger:        logger,
		rabbitClient:  rabbitClient,
		dispatcher:    dispatcher,
		prefetchCount: prefetchCount,
		consumerTag:   "conductor-ingest-" + uuid.New().String()[:8],
	}
}

// Run consumes until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.setupConsumer()
	if err != nil {
		return err
	}

	c.logger.Info("Job ingest started",
		slog.String("consumer_tag", c.consumerTag),
		slog.Int("prefetch_count", c.prefetchCount),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Job ingest stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ delivery channel closed")
				return fmt.Errorf("delivery channel closed")
			}
			c.handleDelivery(delivery)
		}
	}
}

// setupConsumer configures QoS and starts consuming.
func (c *Consumer) setupConsumer() (<-chan amqp.Delivery, error) {
	channel := c.rabbitClient.GetChannel()
	if channel == nil {
		return nil, fmt.Errorf("rabbitmq channel is nil")
	}

	// Manual acks with a bounded prefetch so a burst of job requests cannot
	// flood the dispatcher.
	if err := channel.Qos(c.prefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := c.rabbitClient.Consume(c.consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	return deliveries, nil
}

func (c *Consumer) handleDelivery(delivery amqp.Delivery) {
	var req jobRequest
	if err := json.Unmarshal(delivery.Body, &req); err != nil {
		c.logger.Error("Failed to parse job request",
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		// NACK without requeue so malformed requests land in the DLQ.
		c.nack(delivery, false)
		return
	}

	if req.WorkflowReference == "" {
		c.logger.Error("Job request missing workflow_reference",
			slog.String("body", string(delivery.Body)),
		)
		c.nack(delivery, false)
		return
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	} else if _, err := uuid.Parse(jobID); err != nil {
		c.logger.Error("Invalid job_id format - not a UUID",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.nack(delivery, false)
		return
	}

	job := &domain.Job{
		JobID:                jobID,
		WorkflowRef:          req.WorkflowReference,
		Priority:             req.Priority,
		RequiredCapabilities: req.RequiredCapabilities,
		MaxAttempts:          req.MaxAttempts,
	}

	if err := c.dispatcher.Enqueue(job); err != nil {
		c.logger.Error("Failed to enqueue ingested job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.nack(delivery, false)
		return
	}

	if err := delivery.Ack(false); err != nil {
		c.logger.Error("Failed to ACK job request",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Consumer) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		c.logger.Error("Failed to NACK message",
			slog.String("error", err.Error()),
		)
	}
}
