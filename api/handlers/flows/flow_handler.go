package flows

import (
	"errors"
	"net/http"

	response "backend/api/handlers/common"
	"backend/internal/flow"

	"github.com/gin-gonic/gin"
)

// FlowHandler 规则流定义 Handler
type FlowHandler struct {
	flows *flow.Service
}

// NewFlowHandler 创建 FlowHandler 实例
func NewFlowHandler(flows *flow.Service) *FlowHandler {
	return &FlowHandler{flows: flows}
}

// SaveFlowRequest 保存规则流新版本请求
type SaveFlowRequest struct {
	Name  string         `json:"name" binding:"required"`
	Graph flow.FlowGraph `json:"graph" binding:"required"`
}

// Save 为 Agent 保存规则流新版本
func (h *FlowHandler) Save(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	workspaceID := c.GetString("workspace_id")
	agentID := c.Param("id")

	var req SaveFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "请求参数错误: " + err.Error()})
		return
	}

	def, err := h.flows.CreateVersion(c.Request.Context(), &flow.CreateVersionInput{
		TenantID:    tenantID,
		WorkspaceID: workspaceID,
		AgentID:     agentID,
		Name:        req.Name,
		Graph:       req.Graph,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, response.APIResponse{Success: true, Data: def})
}

// GetActive 查询 Agent 当前生效的规则流
func (h *FlowHandler) GetActive(c *gin.Context) {
	agentID := c.Param("id")

	def, err := h.flows.GetActive(c.Request.Context(), agentID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, flow.ErrFlowNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: def})
}

// ListVersions 查询 Agent 的规则流版本历史
func (h *FlowHandler) ListVersions(c *gin.Context) {
	agentID := c.Param("id")

	list, err := h.flows.ListVersions(c.Request.Context(), agentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: response.ListResponse{Items: list, Total: len(list)}})
}
