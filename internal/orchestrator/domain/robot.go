package domain

import "time"

// Robot is the persisted view of a robot, mirrored from its live session so
// operators can see fleet state across orchestrator restarts.
type Robot struct {
	RobotID           string    `db:"robot_id" json:"robot_id"`
	RobotName         string    `db:"robot_name" json:"robot_name"`
	Environment       string    `db:"environment" json:"environment"`
	Capabilities      []string  `db:"-" json:"capabilities"`
	MaxConcurrentJobs int       `db:"max_concurrent_jobs" json:"max_concurrent_jobs"`
	Status            string    `db:"status" json:"status"`
	ConnectedAt       time.Time `db:"connected_at" json:"connected_at"`
	LastSeenAt        time.Time `db:"last_seen_at" json:"last_seen_at"`
}

const (
	RobotStatusOnline  = "ONLINE"
	RobotStatusOffline = "OFFLINE"
)
