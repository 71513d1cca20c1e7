package worker

import (
	"context"
	"fmt"
	"time"

	"backend/internal/approval"
	"backend/internal/jobs"
	"backend/internal/run"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// 单轮排空的作业数上限
const drainBatchSize = 20

// Maintenance 周期性维护任务调度器
// 负责排空到期作业、标记超时审批、清理过期幂等键
type Maintenance struct {
	cron      *cron.Cron
	queue     *jobs.Queue
	approvals *approval.Manager
	runs      *run.Orchestrator
	logger    *zap.Logger
}

// NewMaintenance 创建维护调度器
func NewMaintenance(queue *jobs.Queue, approvals *approval.Manager, runs *run.Orchestrator, logger *zap.Logger) *Maintenance {
	return &Maintenance{
		cron:      cron.New(),
		queue:     queue,
		approvals: approvals,
		runs:      runs,
		logger:    logger,
	}
}

// Start 按指定间隔启动维护任务；spec 支持 cron 表达式或 "@every 30s"
func (m *Maintenance) Start(spec string) error {
	if spec == "" {
		spec = "@every 30s"
	}
	if _, err := m.cron.AddFunc(spec, m.tick); err != nil {
		return fmt.Errorf("注册维护任务失败: %w", err)
	}
	m.cron.Start()
	m.logger.Info("维护调度器已启动", zap.String("interval", spec))
	return nil
}

// Stop 停止调度并等待在途任务结束
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.logger.Info("维护调度器已停止")
}

func (m *Maintenance) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	for i := 0; i < drainBatchSize; i++ {
		processed, err := m.queue.ProcessNextJob(ctx)
		if err != nil {
			m.logger.Error("排空作业失败", zap.Error(err))
			break
		}
		if !processed {
			break
		}
	}

	if expired, err := m.approvals.ExpireOverdue(ctx); err != nil {
		m.logger.Error("标记超时审批失败", zap.Error(err))
	} else if expired > 0 {
		m.logger.Info("已标记超时审批", zap.Int64("count", expired))
	}

	if purged, err := m.runs.PurgeExpiredIdempotency(ctx); err != nil {
		m.logger.Error("清理过期幂等键失败", zap.Error(err))
	} else if purged > 0 {
		m.logger.Info("已清理过期幂等键", zap.Int64("count", purged))
	}
}
