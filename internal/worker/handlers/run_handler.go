package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"backend/internal/jobs"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// RunHandler Agent 运行任务处理器
// 实际执行委托给作业队列，保证同步触发与后台触发共用同一套锁与限流
type RunHandler struct {
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewRunHandler 创建运行任务处理器
func NewRunHandler(queue *jobs.Queue, logger *zap.Logger) *RunHandler {
	return &RunHandler{queue: queue, logger: logger}
}

// HandleAgentRun 处理 Agent 运行任务
// 锁冲突返回错误交给 asynq 退避重试；作业不存在视为已处理，不再重试
// 处理器层面的失败由队列自身的退避重试和死信兜底，不经 asynq 重放
func (h *RunHandler) HandleAgentRun(ctx context.Context, task *asynq.Task) error {
	var payload tasks.AgentRunPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("解析任务载荷失败: %v: %w", err, asynq.SkipRetry)
	}

	job, err := h.queue.ProcessJob(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			h.logger.Warn("作业不存在或已执行，跳过",
				zap.String("job_id", payload.JobID),
			)
			return nil
		}
		return fmt.Errorf("执行作业失败: %w", err)
	}

	h.logger.Info("作业执行完成",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
	)
	return nil
}
