package guardrail

import (
	"context"
	"fmt"
	"time"

	"backend/internal/agent"
	"backend/internal/audit"
	"backend/internal/config"
	"backend/internal/logger"
	"backend/internal/metrics"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 拒绝原因
const (
	ReasonActionsPerHour  = "max_actions_per_hour"
	ReasonMessagesPerDay  = "max_messages_per_day"
	ReasonErrorsPerHour   = "max_errors_per_hour"
)

// Decision 速率限制判定结果
type Decision struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	AutoPaused bool   `json:"autoPaused,omitempty"`
}

// Limiter 滚动窗口速率限制器
// 基于历史运行记录统计，不维护独立计数器：窗口随查询时刻滚动
type Limiter struct {
	db       *gorm.DB
	agents   *agent.Service
	auditor  *audit.Recorder
	defaults config.GuardrailConfig
	logger   *zap.Logger
}

// NewLimiter 创建速率限制器
func NewLimiter(db *gorm.DB, agents *agent.Service, auditor *audit.Recorder, defaults config.GuardrailConfig) *Limiter {
	return &Limiter{
		db:       db,
		agents:   agents,
		auditor:  auditor,
		defaults: defaults,
		logger:   logger.Get(),
	}
}

// Check 运行前速率检查
// 错误数超限且开启自动熔断时会将 Agent 置为 paused，并恰好记录一条熔断事件
func (l *Limiter) Check(ctx context.Context, ag *agent.Agent) (*Decision, error) {
	now := time.Now().UTC()
	limits := l.effectiveLimits(ag)

	if limits.MaxActionsPerHour > 0 {
		count, err := l.countRunsSince(ctx, ag.ID, now.Add(-time.Hour), "")
		if err != nil {
			return nil, err
		}
		if count >= int64(limits.MaxActionsPerHour) {
			return l.deny(ctx, ag, ReasonActionsPerHour,
				fmt.Sprintf("每小时动作数已达上限 %d", limits.MaxActionsPerHour), false), nil
		}
	}

	if limits.MaxMessagesPerDay > 0 {
		sent, err := l.sumMessagesSince(ctx, ag.ID, now.Add(-24*time.Hour))
		if err != nil {
			return nil, err
		}
		if sent >= int64(limits.MaxMessagesPerDay) {
			return l.deny(ctx, ag, ReasonMessagesPerDay,
				fmt.Sprintf("每日消息数已达上限 %d", limits.MaxMessagesPerDay), false), nil
		}
	}

	if limits.MaxErrorsPerHour > 0 {
		failed, err := l.countRunsSince(ctx, ag.ID, now.Add(-time.Hour), "failed")
		if err != nil {
			return nil, err
		}
		if failed >= int64(limits.MaxErrorsPerHour) {
			autoPause := ag.RateLimits.AutoPauseOnErrorSpike &&
				failed >= int64(l.spikeThreshold(ag))
			if autoPause {
				if err := l.agents.Pause(ctx, ag.ID); err != nil {
					l.logger.Error("自动熔断暂停失败",
						zap.String("agent_id", ag.ID),
						zap.Error(err),
					)
					autoPause = false
				}
			}
			return l.deny(ctx, ag, ReasonErrorsPerHour,
				fmt.Sprintf("每小时错误数已达上限 %d", limits.MaxErrorsPerHour), autoPause), nil
		}
	}

	return &Decision{Allowed: true}, nil
}

// effectiveLimits Agent 未配置的项回退到全局默认值
func (l *Limiter) effectiveLimits(ag *agent.Agent) agent.RateLimitConfig {
	limits := ag.RateLimits
	if limits.MaxActionsPerHour == 0 {
		limits.MaxActionsPerHour = l.defaults.MaxActionsPerHour
	}
	if limits.MaxMessagesPerDay == 0 {
		limits.MaxMessagesPerDay = l.defaults.MaxMessagesPerDay
	}
	if limits.MaxErrorsPerHour == 0 {
		limits.MaxErrorsPerHour = l.defaults.MaxErrorsPerHour
	}
	return limits
}

// spikeThreshold 熔断阈值，缺省与每小时错误上限一致
func (l *Limiter) spikeThreshold(ag *agent.Agent) int {
	if ag.RateLimits.ErrorSpikeThreshold > 0 {
		return ag.RateLimits.ErrorSpikeThreshold
	}
	if ag.RateLimits.MaxErrorsPerHour > 0 {
		return ag.RateLimits.MaxErrorsPerHour
	}
	return l.defaults.MaxErrorsPerHour
}

func (l *Limiter) deny(ctx context.Context, ag *agent.Agent, reason, detail string, autoPaused bool) *Decision {
	metrics.GuardrailDenialsTotal.WithLabelValues(reason, ag.WorkspaceID).Inc()

	eventDetail := map[string]any{
		"reason":      reason,
		"detail":      detail,
		"auto_paused": autoPaused,
	}
	if err := l.auditor.RecordExplainability(ctx, &audit.ExplainabilityInput{
		TenantID:    ag.TenantID,
		WorkspaceID: ag.WorkspaceID,
		AgentID:     ag.ID,
		EventType:   audit.EventGuardrailTriggered,
		Detail:      eventDetail,
	}); err != nil {
		l.logger.Error("写入熔断事件失败",
			zap.String("agent_id", ag.ID),
			zap.Error(err),
		)
	}

	l.logger.Warn("速率限制拒绝",
		zap.String("agent_id", ag.ID),
		zap.String("reason", reason),
		zap.Bool("auto_paused", autoPaused),
	)
	return &Decision{Allowed: false, Reason: detail, AutoPaused: autoPaused}
}

// 运行记录统计走表名查询，避免与运行编排形成包依赖环

func (l *Limiter) countRunsSince(ctx context.Context, agentID string, since time.Time, status string) (int64, error) {
	query := l.db.WithContext(ctx).
		Table("agent_runs").
		Where("agent_id = ? AND started_at > ?", agentID, since)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("统计运行记录失败: %w", err)
	}
	return count, nil
}

func (l *Limiter) sumMessagesSince(ctx context.Context, agentID string, since time.Time) (int64, error) {
	var total *int64
	if err := l.db.WithContext(ctx).
		Table("agent_runs").
		Where("agent_id = ? AND started_at > ?", agentID, since).
		Select("SUM(messages_sent)").
		Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("统计消息发送量失败: %w", err)
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}
