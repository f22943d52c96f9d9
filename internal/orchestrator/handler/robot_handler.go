package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListRobots handles GET /api/v1/robots
// Returns the live fleet view from the session registry
func (h *RobotHandler) ListRobots(c *gin.Context) {
	sessions := h.registry.Sessions()

	robots := make([]RobotDTO, 0, len(sessions))
	for _, s := range sessions {
		robots = append(robots, RobotDTO{
			RobotID:           s.RobotID,
			RobotName:         s.RobotName,
			Environment:       s.Environment,
			Status:            string(s.Status()),
			Capabilities:      s.Capabilities,
			MaxConcurrentJobs: s.MaxConcurrentJobs,
			ActiveJobs:        s.ActiveJobIDs(),
			ConnectedAt:       timeOrDash(s.ConnectedAt),
			LastHeartbeat:     timeOrDash(s.LastHeartbeat()),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"robots": robots,
		"count":  len(robots),
	})
}

// GetRobot handles GET /api/v1/robots/:robot_id
// Falls back to the persisted mirror for robots currently offline
func (h *RobotHandler) GetRobot(c *gin.Context) {
	robotID := c.Param("robot_id")
	if robotID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "robot_id is required",
		})
		return
	}

	if s := h.registry.Get(robotID); s != nil {
		c.JSON(http.StatusOK, RobotDTO{
			RobotID:           s.RobotID,
			RobotName:         s.RobotName,
			Environment:       s.Environment,
			Status:            string(s.Status()),
			Capabilities:      s.Capabilities,
			MaxConcurrentJobs: s.MaxConcurrentJobs,
			ActiveJobs:        s.ActiveJobIDs(),
			ConnectedAt:       timeOrDash(s.ConnectedAt),
			LastHeartbeat:     timeOrDash(s.LastHeartbeat()),
		})
		return
	}

	if h.storage != nil {
		robots, err := h.storage.ListRobots(c.Request.Context())
		if err != nil {
			h.logger.Error("Failed to list robots", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to look up robot",
			})
			return
		}
		for _, r := range robots {
			if r.RobotID == robotID {
				c.JSON(http.StatusOK, RobotDTO{
					RobotID:           r.RobotID,
					RobotName:         r.RobotName,
					Environment:       r.Environment,
					Status:            r.Status,
					Capabilities:      r.Capabilities,
					MaxConcurrentJobs: r.MaxConcurrentJobs,
					ActiveJobs:        []string{},
					ConnectedAt:       timeOrDash(r.ConnectedAt),
					LastHeartbeat:     timeOrDash(r.LastSeenAt),
				})
				return
			}
		}
	}

	c.JSON(http.StatusNotFound, gin.H{
		"error": "Robot not found",
	})
}
