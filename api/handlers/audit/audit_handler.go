package audit

import (
	"net/http"
	"strconv"
	"time"

	response "backend/api/handlers/common"
	auditpkg "backend/internal/audit"
	"backend/internal/jobs"

	"github.com/gin-gonic/gin"
)

// AuditHandler 审计查询 Handler
type AuditHandler struct {
	recorder *auditpkg.Recorder
	queue    *jobs.Queue
}

// NewAuditHandler 创建 AuditHandler 实例
func NewAuditHandler(recorder *auditpkg.Recorder, queue *jobs.Queue) *AuditHandler {
	return &AuditHandler{recorder: recorder, queue: queue}
}

// ListLogs 查询工作区审计日志
// 支持 from/to（RFC3339）、action、limit、offset 查询参数
func (h *AuditHandler) ListLogs(c *gin.Context) {
	workspaceID := c.GetString("workspace_id")

	filter := auditpkg.QueryFilter{
		Action: c.Query("action"),
		Limit:  intQuery(c, "limit"),
		Offset: intQuery(c, "offset"),
	}
	if from, err := time.Parse(time.RFC3339, c.Query("from")); err == nil {
		filter.From = &from
	}
	if to, err := time.Parse(time.RFC3339, c.Query("to")); err == nil {
		filter.To = &to
	}

	logs, err := h.recorder.QueryWorkspaceLogs(c.Request.Context(), workspaceID, filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: response.ListResponse{Items: logs, Total: len(logs)}})
}

// ListExplainability 查询 Agent 的解释性事件（选择理由、熔断记录）
func (h *AuditHandler) ListExplainability(c *gin.Context) {
	agentID := c.Param("id")

	events, err := h.recorder.QueryExplainability(c.Request.Context(), agentID, intQuery(c, "limit"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: response.ListResponse{Items: events, Total: len(events)}})
}

// ListDeadLetters 查询工作区的死信记录
func (h *AuditHandler) ListDeadLetters(c *gin.Context) {
	workspaceID := c.GetString("workspace_id")

	list, err := h.queue.ListDeadLetters(c.Request.Context(), workspaceID, intQuery(c, "limit"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: response.ListResponse{Items: list, Total: len(list)}})
}

func intQuery(c *gin.Context, key string) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return v
}
