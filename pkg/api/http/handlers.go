package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openrecords/requestflow/internal/events"
	"github.com/openrecords/requestflow/internal/supervisor"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	state := s.supervisor.State()

	status := http.StatusOK
	healthy := "healthy"
	if state != supervisor.StateRunning {
		status = http.StatusServiceUnavailable
		healthy = "unhealthy"
	}

	c.JSON(status, gin.H{
		"status":    healthy,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks": gin.H{
			"supervisor": string(state),
			"event_bus":  s.bus.Status().Running,
		},
	})
}

// handleStatus returns the full supervisor status snapshot
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.supervisor.Status())
}

// handleListAgents lists managed agents and their states
func (s *Server) handleListAgents(c *gin.Context) {
	names := s.supervisor.AgentNames()

	agents := make([]gin.H, 0, len(names))
	for _, name := range names {
		ag := s.supervisor.Agent(name)
		if ag == nil {
			continue
		}
		agents = append(agents, gin.H{
			"name":  name,
			"state": string(ag.State()),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"total":  len(agents),
	})
}

// handleGetAgent returns one agent's full status report
func (s *Server) handleGetAgent(c *gin.Context) {
	ag := s.supervisor.Agent(c.Param("name"))
	if ag == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Code:    "NOT_FOUND",
				Message: "Agent not found",
			},
		})
		return
	}

	c.JSON(http.StatusOK, ag.Status())
}

// handlePauseAgent pauses an agent's run loop
func (s *Server) handlePauseAgent(c *gin.Context) {
	name := c.Param("name")
	ag := s.supervisor.Agent(name)
	if ag == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Code:    "NOT_FOUND",
				Message: "Agent not found",
			},
		})
		return
	}

	ag.Pause()
	c.JSON(http.StatusOK, gin.H{
		"name":  name,
		"state": string(ag.State()),
	})
}

// handleResumeAgent resumes a paused agent
func (s *Server) handleResumeAgent(c *gin.Context) {
	name := c.Param("name")
	ag := s.supervisor.Agent(name)
	if ag == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Code:    "NOT_FOUND",
				Message: "Agent not found",
			},
		})
		return
	}

	ag.Resume()
	c.JSON(http.StatusOK, gin.H{
		"name":  name,
		"state": string(ag.State()),
	})
}

// handleRestartAgent stops and restarts an agent, clearing any terminal
// failure state
func (s *Server) handleRestartAgent(c *gin.Context) {
	name := c.Param("name")
	ag := s.supervisor.Agent(name)
	if ag == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Code:    "NOT_FOUND",
				Message: "Agent not found",
			},
		})
		return
	}

	if err := s.supervisor.RestartAgent(name); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Code:    "RESTART_FAILED",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"name":  name,
		"state": string(ag.State()),
	})
}

// handleEventHistory queries the bus history buffer
func (s *Server) handleEventHistory(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: ErrorDetail{
					Code:    "INVALID_REQUEST",
					Message: "limit must be a positive integer",
				},
			})
			return
		}
		limit = parsed
	}

	filter := events.HistoryFilter{
		Kind:          events.Kind(c.Query("type")),
		Source:        c.Query("source"),
		CorrelationID: c.Query("correlation_id"),
	}

	history := s.bus.History(filter, limit)
	c.JSON(http.StatusOK, gin.H{
		"events": history,
		"total":  len(history),
	})
}
