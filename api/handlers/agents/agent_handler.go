package agents

import (
	"context"
	"errors"
	"net/http"

	response "backend/api/handlers/common"
	agentSvc "backend/internal/agent"
	"backend/internal/narrative"

	"github.com/gin-gonic/gin"
)

// AgentHandler Agent 管理 Handler
type AgentHandler struct {
	agents *agentSvc.Service
}

// NewAgentHandler 创建 AgentHandler 实例
func NewAgentHandler(agents *agentSvc.Service) *AgentHandler {
	return &AgentHandler{agents: agents}
}

// CreateAgentRequest 创建 Agent 请求
type CreateAgentRequest struct {
	Name               string                   `json:"name" binding:"required"`
	Type               string                   `json:"type" binding:"required"`
	Goal               string                   `json:"goal,omitempty"`
	Boundary           string                   `json:"boundary,omitempty"`
	Tools              agentSvc.ToolConfigs     `json:"tools,omitempty"`
	NarrativeProfileID string                   `json:"narrative_profile_id,omitempty"`
	Overrides          *narrative.Overrides     `json:"overrides,omitempty"`
	RateLimits         agentSvc.RateLimitConfig `json:"rate_limits,omitempty"`
}

// Create 创建 Agent
func (h *AgentHandler) Create(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	workspaceID := c.GetString("workspace_id")

	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "请求参数错误: " + err.Error()})
		return
	}

	input := &agentSvc.CreateInput{
		TenantID:           tenantID,
		WorkspaceID:        workspaceID,
		Name:               req.Name,
		Type:               agentSvc.AgentType(req.Type),
		Goal:               req.Goal,
		Boundary:           req.Boundary,
		Tools:              req.Tools,
		NarrativeProfileID: req.NarrativeProfileID,
		RateLimits:         req.RateLimits,
	}
	if req.Overrides != nil {
		input.Overrides = &agentSvc.OverridesInput{
			BlockedTopics:          req.Overrides.BlockedTopics,
			AllowedTopics:          req.Overrides.AllowedTopics,
			AllowedPersonalization: req.Overrides.AllowedPersonalization,
		}
	}
	ag, err := h.agents.Create(c.Request.Context(), input)
	if err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, response.APIResponse{Success: true, Data: ag})
}

// Get 查询 Agent
func (h *AgentHandler) Get(c *gin.Context) {
	workspaceID := c.GetString("workspace_id")
	agentID := c.Param("id")

	ag, err := h.agents.GetForWorkspace(c.Request.Context(), agentID, workspaceID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, agentSvc.ErrAgentNotFound) || errors.Is(err, agentSvc.ErrWorkspaceMismatch) {
			status = http.StatusNotFound
		}
		c.JSON(status, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: ag})
}

// List 查询工作区内全部 Agent
func (h *AgentHandler) List(c *gin.Context) {
	workspaceID := c.GetString("workspace_id")

	list, err := h.agents.ListByWorkspace(c.Request.Context(), workspaceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: response.ListResponse{Items: list, Total: len(list)}})
}

// Pause 暂停 Agent
func (h *AgentHandler) Pause(c *gin.Context) {
	h.updateStatus(c, h.agents.Pause)
}

// Resume 恢复 Agent
func (h *AgentHandler) Resume(c *gin.Context) {
	h.updateStatus(c, h.agents.Resume)
}

// Deactivate 停用 Agent
func (h *AgentHandler) Deactivate(c *gin.Context) {
	h.updateStatus(c, h.agents.Deactivate)
}

// Activate 激活 Agent
func (h *AgentHandler) Activate(c *gin.Context) {
	workspaceID := c.GetString("workspace_id")
	agentID := c.Param("id")

	if _, err := h.agents.GetForWorkspace(c.Request.Context(), agentID, workspaceID); err != nil {
		c.JSON(http.StatusNotFound, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}
	if err := h.agents.UpdateStatus(c.Request.Context(), agentID, agentSvc.StatusActive); err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Message: "Agent 已激活"})
}

func (h *AgentHandler) updateStatus(c *gin.Context, fn func(ctx context.Context, agentID string) error) {
	workspaceID := c.GetString("workspace_id")
	agentID := c.Param("id")

	if _, err := h.agents.GetForWorkspace(c.Request.Context(), agentID, workspaceID); err != nil {
		c.JSON(http.StatusNotFound, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}
	if err := fn(c.Request.Context(), agentID); err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Message: "Agent 状态已更新"})
}
