package orchestrator

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flowbotics/conductor/internal/metrics"
	"github.com/flowbotics/conductor/internal/orchestrator/domain"
)

// Eviction records one session removal together with the jobs it stranded,
// so the caller can feed them straight into orphan recovery.
type Eviction struct {
	RobotID      string
	Reason       string
	OrphanedJobs []string
}

// Registry owns the robot_id -> Session mapping. It is the only place
// sessions are admitted and evicted; eviction is the sole mechanism by which
// orphaned jobs are discovered.
type Registry struct {
	logger  *slog.Logger
	metrics *metrics.Collector

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, collector *metrics.Collector) *Registry {
	return &Registry{
		logger:   logger,
		metrics:  collector,
		sessions: make(map[string]*Session),
	}
}

// Admit adds a session. A robot ID that already has a live (ONLINE/BUSY)
// session is rejected with ErrDuplicateRobot; the reconnection policy at the
// connection layer decides whether to evict the stale session first.
func (r *Registry) Admit(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[s.RobotID]; ok {
		switch existing.Status() {
		case SessionOnline, SessionBusy, SessionConnecting:
			return domain.ErrDuplicateRobot
		}
	}

	r.sessions[s.RobotID] = s
	r.metrics.SetRobotsConnected(len(r.sessions))

	r.logger.Info("Robot session admitted",
		slog.String("robot_id", s.RobotID),
		slog.String("robot_name", s.RobotName),
		slog.String("environment", s.Environment),
		slog.Int("max_concurrent_jobs", s.MaxConcurrentJobs),
		slog.Any("capabilities", s.Capabilities),
	)
	return nil
}

// Get returns the session for a robot ID, or nil.
func (r *Registry) Get(robotID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[robotID]
}

// Evict removes a session, closes it, and returns the job IDs it held so the
// caller can requeue them.
func (r *Registry) Evict(robotID, reason string) []string {
	r.mu.Lock()
	s, ok := r.sessions[robotID]
	if ok {
		delete(r.sessions, robotID)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return nil
	}

	orphaned := s.ActiveJobIDs()
	s.Close(reason)
	r.metrics.SetRobotsConnected(count)
	r.metrics.RecordEviction()

	r.logger.Info("Robot session evicted",
		slog.String("robot_id", robotID),
		slog.String("reason", reason),
		slog.Int("orphaned_jobs", len(orphaned)),
	)
	return orphaned
}

// FindAvailable returns sessions that are live, have spare capacity, and
// cover the required capabilities, least busy first with ties broken by
// earliest connection so the choice is reproducible.
func (r *Registry) FindAvailable(required []string) []*Session {
	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.IsAvailable() && s.HasCapabilities(required) {
			candidates = append(candidates, s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		li, lj := candidates[i].ActiveJobCount(), candidates[j].ActiveJobCount()
		if li != lj {
			return li < lj
		}
		return candidates[i].ConnectedAt.Before(candidates[j].ConnectedAt)
	})
	return candidates
}

// SweepStale evicts every session silent for longer than the timeout and
// returns the evictions with their orphaned jobs. This is the only place a
// session is removed for silence rather than an explicit disconnect.
func (r *Registry) SweepStale(timeout time.Duration) []Eviction {
	now := time.Now()

	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		if now.Sub(s.LastHeartbeat()) > timeout {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	evictions := make([]Eviction, 0, len(stale))
	for _, id := range stale {
		orphaned := r.Evict(id, "heartbeat timeout")
		evictions = append(evictions, Eviction{
			RobotID:      id,
			Reason:       "heartbeat timeout",
			OrphanedJobs: orphaned,
		})
	}
	return evictions
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
