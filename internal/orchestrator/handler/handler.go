package handler

import (
	"log/slog"

	"github.com/flowbotics/conductor/internal/orchestrator"
	"github.com/flowbotics/conductor/internal/orchestrator/storage"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Dispatcher *orchestrator.Dispatcher
	Registry   *orchestrator.Registry
	Storage    *storage.Storage
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger     *slog.Logger
	dispatcher *orchestrator.Dispatcher
	storage    *storage.Storage
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:     deps.Logger,
		dispatcher: deps.Dispatcher,
		storage:    deps.Storage,
	}
}

// RobotHandler handles fleet-facing HTTP requests
type RobotHandler struct {
	logger   *slog.Logger
	registry *orchestrator.Registry
	storage  *storage.Storage
}

// NewRobotHandler creates a new RobotHandler instance
func NewRobotHandler(deps *Dependencies) *RobotHandler {
	return &RobotHandler{
		logger:   deps.Logger,
		registry: deps.Registry,
		storage:  deps.Storage,
	}
}
