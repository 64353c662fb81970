// Package api exposes the HTTP surface: agent launch/inspection and health.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentdev/agentd/internal/agent/models"
	"github.com/agentdev/agentd/internal/agent/store"
	"github.com/agentdev/agentd/internal/common/logger"
	"github.com/agentdev/agentd/internal/lifecycle"
	"github.com/agentdev/agentd/internal/orchestrator"
)

// Handler carries the API dependencies.
type Handler struct {
	lifecycle *lifecycle.Manager
	logger    *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(lc *lifecycle.Manager, log *logger.Logger) *Handler {
	return &Handler{lifecycle: lc, logger: log}
}

// RegisterRoutes attaches all HTTP routes, including the WebSocket upgrade.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)
	r.GET("/ws", h.lifecycle.Hub().HandleConnection)

	agents := r.Group("/api/agents")
	{
		agents.POST("", h.launchAgent)
		agents.GET("", h.listAgents)
		agents.GET("/:id", h.getAgent)
		agents.GET("/:id/messages", h.listMessages)
		agents.POST("/:id/terminate", h.terminateAgent)
		agents.DELETE("/:id", h.deleteAgent)
	}
}

// launchResponse is the §6 launch reply.
type launchResponse struct {
	AgentID   string    `json:"agentId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

func (h *Handler) launchAgent(c *gin.Context) {
	var req orchestrator.LaunchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	agent, err := h.lifecycle.Orchestrator().LaunchAgent(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if isValidationError(err) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, launchResponse{
		AgentID:   agent.ID,
		Status:    string(models.StatusInitializing),
		CreatedAt: agent.CreatedAt,
	})
}

func isValidationError(err error) bool {
	return errors.Is(err, orchestrator.ErrEmptyPrompt) ||
		errors.Is(err, orchestrator.ErrMissingAgentType) ||
		errors.Is(err, orchestrator.ErrConversationNameBlank) ||
		errors.Is(err, orchestrator.ErrConversationNameLong) ||
		errors.Is(err, orchestrator.ErrInstructionsLong)
}

// agentResponse is the §6 agent view.
type agentResponse struct {
	ID          string       `json:"id"`
	Type        string       `json:"type"`
	Status      string       `json:"status"`
	Session     sessionView  `json:"session"`
	CreatedAt   time.Time    `json:"createdAt"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

type sessionView struct {
	ID           string `json:"id,omitempty"`
	Prompt       string `json:"prompt"`
	MessageCount *int64 `json:"messageCount,omitempty"`
}

func (h *Handler) agentView(c *gin.Context, agent *models.Agent) agentResponse {
	view := agentResponse{
		ID:          agent.ID,
		Type:        string(agent.Type),
		Status:      string(agent.Status),
		CreatedAt:   agent.CreatedAt,
		StartedAt:   agent.StartedAt,
		CompletedAt: agent.CompletedAt,
		Session: sessionView{
			ID:     agent.Config.SessionID,
			Prompt: agent.Prompt,
		},
	}
	if count, err := h.lifecycle.Store().CountMessages(c.Request.Context(), agent.ID); err == nil {
		view.Session.MessageCount = &count
	}
	return view
}

func (h *Handler) getAgent(c *gin.Context) {
	agent, err := h.lifecycle.Orchestrator().GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.agentView(c, agent))
}

func (h *Handler) listAgents(c *gin.Context) {
	var (
		agents []*models.Agent
		err    error
	)
	if status := c.Query("status"); status != "" {
		agents, err = h.lifecycle.Store().ListAgentsByStatus(c.Request.Context(), models.AgentStatus(status))
	} else {
		agents, err = h.lifecycle.Orchestrator().ListAgents(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	views := make([]agentResponse, 0, len(agents))
	for _, agent := range agents {
		views = append(views, h.agentView(c, agent))
	}
	c.JSON(http.StatusOK, gin.H{"agents": views})
}

func (h *Handler) listMessages(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("id")

	exists, err := h.lifecycle.Store().AgentExists(ctx, agentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	var messages []*models.Message
	if sinceStr := c.Query("since"); sinceStr != "" {
		since, convErr := strconv.ParseInt(sinceStr, 10, 64)
		if convErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an integer"})
			return
		}
		messages, err = h.lifecycle.Store().ListMessagesSince(ctx, agentID, since)
	} else {
		messages, err = h.lifecycle.Store().ListMessages(ctx, agentID)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) terminateAgent(c *gin.Context) {
	err := h.lifecycle.Orchestrator().TerminateAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(models.StatusTerminated)})
}

func (h *Handler) deleteAgent(c *gin.Context) {
	err := h.lifecycle.Orchestrator().DeleteAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) health(c *gin.Context) {
	health := h.lifecycle.Health(c.Request.Context())
	status := http.StatusOK
	if health.Status == "error" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}
