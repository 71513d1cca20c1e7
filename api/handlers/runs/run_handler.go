package runs

import (
	"errors"
	"io"
	"net/http"

	response "backend/api/handlers/common"
	agentSvc "backend/internal/agent"
	"backend/internal/flow"
	"backend/internal/infra/queue"
	"backend/internal/jobs"
	"backend/internal/run"
	"backend/internal/worker/tasks"

	"github.com/gin-gonic/gin"
)

// RunHandler 运行触发与查询 Handler
type RunHandler struct {
	orchestrator *run.Orchestrator
	queue        *jobs.Queue
	queueClient  queue.Client
}

// NewRunHandler 创建 RunHandler 实例
func NewRunHandler(orchestrator *run.Orchestrator, jobQueue *jobs.Queue, queueClient queue.Client) *RunHandler {
	return &RunHandler{
		orchestrator: orchestrator,
		queue:        jobQueue,
		queueClient:  queueClient,
	}
}

// TriggerRunRequest 触发运行请求
type TriggerRunRequest struct {
	Mode           string           `json:"mode,omitempty"` // dry_run | live，默认 dry_run
	Async          bool             `json:"async,omitempty"`
	SampleTargets  []string         `json:"sample_targets,omitempty"`
	Records        []map[string]any `json:"records,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

// TriggerRunResponse 同步触发响应
type TriggerRunResponse struct {
	Run      *run.Run `json:"run"`
	Replayed bool     `json:"replayed"`
}

// AsyncRunResponse 异步触发响应
type AsyncRunResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Trigger 触发 Agent 运行
// 同步与异步触发都先落作业再经队列执行，共用同一套 Agent 互斥与工作区并发控制
// async=true 时入队后立即返回作业 ID，否则等队列执行完毕返回运行结果
func (h *RunHandler) Trigger(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	workspaceID := c.GetString("workspace_id")
	userID := c.GetString("user_id")
	agentID := c.Param("id")

	// 请求体可省略，省略时按 dry_run 同步触发
	var req TriggerRunRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "请求参数错误: " + err.Error()})
		return
	}

	job, err := h.queue.Enqueue(c.Request.Context(), &jobs.EnqueueInput{
		TenantID:    tenantID,
		WorkspaceID: workspaceID,
		AgentID:     agentID,
		Type:        tasks.TypeAgentRun,
		Payload: map[string]any{
			"mode":            req.Mode,
			"sample_targets":  req.SampleTargets,
			"records":         req.Records,
			"idempotency_key": req.IdempotencyKey,
			"triggered_by":    userID,
		},
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	if req.Async {
		h.triggerAsync(c, job)
		return
	}

	done, err := h.queue.RunJobByID(c.Request.Context(), job.ID)
	if err != nil {
		c.JSON(statusForRunError(err), response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	runID, _ := done.Result["run_id"].(string)
	replayed, _ := done.Result["replayed"].(bool)
	r, err := h.orchestrator.GetRun(c.Request.Context(), runID, workspaceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{
		Success: true,
		Data:    TriggerRunResponse{Run: r, Replayed: replayed},
	})
}

func (h *RunHandler) triggerAsync(c *gin.Context, job *jobs.Job) {
	if h.queueClient != nil {
		if err := h.queueClient.EnqueueAgentRun(tasks.AgentRunPayload{JobID: job.ID}); err != nil {
			c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "提交后台任务失败: " + err.Error()})
			return
		}
	}

	c.JSON(http.StatusAccepted, response.APIResponse{
		Success: true,
		Data:    AsyncRunResponse{JobID: job.ID, Status: string(job.Status)},
	})
}

// Get 查询运行详情
func (h *RunHandler) Get(c *gin.Context) {
	workspaceID := c.GetString("workspace_id")
	runID := c.Param("id")

	r, err := h.orchestrator.GetRun(c.Request.Context(), runID, workspaceID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, run.ErrRunNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: r})
}

// ListForAgent 查询 Agent 的运行历史
func (h *RunHandler) ListForAgent(c *gin.Context) {
	workspaceID := c.GetString("workspace_id")
	agentID := c.Param("id")

	list, err := h.orchestrator.ListRuns(c.Request.Context(), agentID, workspaceID, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: response.ListResponse{Items: list, Total: len(list)}})
}

// GetJob 查询后台作业状态
func (h *RunHandler) GetJob(c *gin.Context) {
	jobID := c.Param("id")

	job, err := h.queue.GetJob(c.Request.Context(), jobID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, jobs.ErrJobNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: job})
}

func statusForRunError(err error) int {
	switch {
	case errors.Is(err, run.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, jobs.ErrRunInProgress), errors.Is(err, jobs.ErrWorkspaceBusy):
		return http.StatusConflict
	case errors.Is(err, run.ErrAgentNotActive), errors.Is(err, run.ErrInvalidMode),
		errors.Is(err, flow.ErrFlowNotFound), errors.Is(err, flow.ErrInvalidFlow):
		return http.StatusBadRequest
	case errors.Is(err, agentSvc.ErrAgentNotFound), errors.Is(err, agentSvc.ErrWorkspaceMismatch):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
