package orchestrator

import (
	"context"
	"log/slog"
	"time"
)

// RobotStatusStore lets the monitor mirror liveness decisions into storage.
type RobotStatusStore interface {
	MarkRobotOffline(ctx context.Context, robotID string) error
}

// Monitor is the liveness sweeper. On a fixed interval it evicts sessions
// that have been silent past the heartbeat timeout and hands their stranded
// jobs to the dispatcher for recovery.
type Monitor struct {
	logger     *slog.Logger
	registry   *Registry
	dispatcher *Dispatcher
	store      RobotStatusStore

	heartbeatTimeout time.Duration
	sweepInterval    time.Duration
}

// NewMonitor creates a liveness monitor. store may be nil.
func NewMonitor(registry *Registry, dispatcher *Dispatcher, store RobotStatusStore, heartbeatTimeout, sweepInterval time.Duration, logger *slog.Logger) *Monitor {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 90 * time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = 15 * time.Second
	}
	return &Monitor{
		logger:           logger,
		registry:         registry,
		dispatcher:       dispatcher,
		store:            store,
		heartbeatTimeout: heartbeatTimeout,
		sweepInterval:    sweepInterval,
	}
}

// Run sweeps until the context is canceled. A panic inside one sweep is
// contained so the monitor keeps running; a dead monitor would let silent
// robots hold jobs forever.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Liveness monitor started",
		slog.Duration("heartbeat_timeout", m.heartbeatTimeout),
		slog.Duration("sweep_interval", m.sweepInterval),
	)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Liveness monitor stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Recovered from panic in liveness sweep", slog.Any("panic", r))
		}
	}()

	evictions := m.registry.SweepStale(m.heartbeatTimeout)
	for _, ev := range evictions {
		m.logger.Warn("Robot missed heartbeat deadline",
			slog.String("robot_id", ev.RobotID),
			slog.Int("orphaned_jobs", len(ev.OrphanedJobs)),
		)
		if m.store != nil {
			if err := m.store.MarkRobotOffline(ctx, ev.RobotID); err != nil {
				m.logger.Error("Failed to mark robot offline",
					slog.String("robot_id", ev.RobotID),
					slog.String("error", err.Error()),
				)
			}
		}
		m.dispatcher.RecoverOrphaned(ev.OrphanedJobs)
	}
}
