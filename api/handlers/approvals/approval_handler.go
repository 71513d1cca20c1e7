package approvals

import (
	"context"
	"errors"
	"io"
	"net/http"

	response "backend/api/handlers/common"
	"backend/internal/approval"

	"github.com/gin-gonic/gin"
)

// ApprovalHandler 审批审阅 Handler
type ApprovalHandler struct {
	approvals *approval.Manager
}

// NewApprovalHandler 创建 ApprovalHandler 实例
func NewApprovalHandler(approvals *approval.Manager) *ApprovalHandler {
	return &ApprovalHandler{approvals: approvals}
}

// ReviewRequest 审批决定请求
type ReviewRequest struct {
	Comment string `json:"comment,omitempty"`
}

// ListPending 查询待审批请求，agent_id 可选过滤
func (h *ApprovalHandler) ListPending(c *gin.Context) {
	workspaceID := c.GetString("workspace_id")
	agentID := c.Query("agent_id")

	list, err := h.approvals.ListPending(c.Request.Context(), workspaceID, agentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: response.ListResponse{Items: list, Total: len(list)}})
}

// Get 查询审批详情
func (h *ApprovalHandler) Get(c *gin.Context) {
	approvalID := c.Param("id")

	req, err := h.approvals.Get(c.Request.Context(), approvalID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, approval.ErrApprovalNotPending) {
			status = http.StatusNotFound
		}
		c.JSON(status, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: req})
}

// Approve 批准
func (h *ApprovalHandler) Approve(c *gin.Context) {
	h.review(c, h.approvals.Approve)
}

// Reject 拒绝
func (h *ApprovalHandler) Reject(c *gin.Context) {
	h.review(c, h.approvals.Reject)
}

func (h *ApprovalHandler) review(c *gin.Context, decide func(ctx context.Context, approvalID, resolvedBy, comment string) error) {
	approvalID := c.Param("id")
	userID := c.GetString("user_id")

	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "请求参数错误: " + err.Error()})
		return
	}

	if err := decide(c.Request.Context(), approvalID, userID, req.Comment); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, approval.ErrApprovalNotPending) {
			status = http.StatusConflict
		}
		c.JSON(status, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Message: "审批已处理"})
}
