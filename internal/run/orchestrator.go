package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"backend/internal/agent"
	"backend/internal/audit"
	"backend/internal/autonomous"
	"backend/internal/dispatch"
	"backend/internal/flow"
	"backend/internal/guardrail"
	"backend/internal/logger"
	"backend/internal/metrics"
	"backend/internal/narrative"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 幂等键的回放有效期
const idempotencyTTL = 10 * time.Minute

var (
	// ErrRateLimited 速率限制拒绝
	ErrRateLimited = errors.New("速率限制拒绝")
	// ErrAgentNotActive Agent 不在激活状态
	ErrAgentNotActive = errors.New("agent 未激活")
	// ErrInvalidMode 无效的运行模式
	ErrInvalidMode = errors.New("无效的运行模式")
	// ErrRunNotFound 运行记录不存在
	ErrRunNotFound = errors.New("运行记录不存在")
)

// ExecuteInput 执行入参
type ExecuteInput struct {
	AgentID        string
	WorkspaceID    string
	Mode           string // 空值按 dry_run 处理
	SampleTargets  []string
	Records        []map[string]any
	IdempotencyKey string
	TriggeredBy    string
}

// RunResult 执行结果
// Replayed 表示命中幂等键回放，返回的是此前那次运行
type RunResult struct {
	Run      *Run `json:"run"`
	Replayed bool `json:"replayed"`
}

// Orchestrator 运行编排器：幂等 → 速率限制 → 运行器派发 → 终态落库
type Orchestrator struct {
	db         *gorm.DB
	agents     *agent.Service
	flows      *flow.Service
	profiles   *narrative.Service
	limiter    *guardrail.Limiter
	flowRunner *flow.Runner
	autoRunner *autonomous.Runner
	auditor    *audit.Recorder
	logger     *zap.Logger

	// 幂等插入的进程内互斥，与唯一索引配合保证原子性
	idemMu sync.Mutex
}

// NewOrchestrator 创建运行编排器
func NewOrchestrator(
	db *gorm.DB,
	agents *agent.Service,
	flows *flow.Service,
	profiles *narrative.Service,
	limiter *guardrail.Limiter,
	flowRunner *flow.Runner,
	autoRunner *autonomous.Runner,
	auditor *audit.Recorder,
) *Orchestrator {
	return &Orchestrator{
		db:         db,
		agents:     agents,
		flows:      flows,
		profiles:   profiles,
		limiter:    limiter,
		flowRunner: flowRunner,
		autoRunner: autoRunner,
		auditor:    auditor,
		logger:     logger.Get(),
	}
}

// Execute 执行一次 Agent 运行
func (o *Orchestrator) Execute(ctx context.Context, in *ExecuteInput) (*RunResult, error) {
	mode := in.Mode
	switch mode {
	case "":
		mode = dispatch.ModeDryRun
	case dispatch.ModeDryRun, dispatch.ModeLive:
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidMode, in.Mode)
	}

	ag, err := o.agents.GetForWorkspace(ctx, in.AgentID, in.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if ag.Status != agent.StatusActive {
		return nil, fmt.Errorf("%w: 当前状态 %s", ErrAgentNotActive, ag.Status)
	}

	// 幂等回放先于限流判定，同一触发的重放不额外消耗限额
	if in.IdempotencyKey != "" {
		existing, hit, err := o.replayRunForKey(ctx, ag.ID, in.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if hit {
			return &RunResult{Run: existing, Replayed: true}, nil
		}
	}

	decision, err := o.limiter.Check(ctx, ag)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, decision.Reason)
	}

	// 规则流在建立运行记录之前取出并校验，残缺的图整次拒绝、不留失败运行
	var flowDef *flow.FlowDefinition
	if ag.Type == agent.TypeRuleFlow {
		flowDef, err = o.flows.GetActive(ctx, ag.ID)
		if err != nil {
			return nil, err
		}
		if err := flowDef.Validate(); err != nil {
			return nil, err
		}
	}

	startedAt := time.Now().UTC()
	run := &Run{
		ID:             uuid.New().String(),
		TenantID:       ag.TenantID,
		WorkspaceID:    ag.WorkspaceID,
		AgentID:        ag.ID,
		AgentType:      ag.Type,
		Status:         StatusRunning,
		Mode:           mode,
		TriggeredBy:    in.TriggeredBy,
		IdempotencyKey: in.IdempotencyKey,
		StartedAt:      startedAt,
	}
	if err := o.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("创建运行记录失败: %w", err)
	}

	// 幂等键在运行落库之后才登记，被限流或校验拒绝的请求不占用键
	if in.IdempotencyKey != "" {
		if err := o.recordIdempotencyKey(ctx, ag.ID, in.IdempotencyKey, run.ID); err != nil {
			o.logger.Warn("登记幂等键失败",
				zap.String("run_id", run.ID),
				zap.String("agent_id", ag.ID),
				zap.Error(err),
			)
		}
	}

	rc := &dispatch.RunContext{
		TenantID:    ag.TenantID,
		WorkspaceID: ag.WorkspaceID,
		RunID:       run.ID,
		Agent:       ag,
		Mode:        mode,
		Profile:     o.resolveProfile(ctx, ag),
	}

	outcome, runErr := o.dispatchByType(ctx, rc, ag, flowDef, in)
	o.finalize(ctx, run, outcome, runErr)
	return &RunResult{Run: run}, nil
}

// GetRun 查询工作区内的运行记录
func (o *Orchestrator) GetRun(ctx context.Context, runID, workspaceID string) (*Run, error) {
	var run Run
	if err := o.db.WithContext(ctx).
		Where("id = ? AND workspace_id = ?", runID, workspaceID).
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("查询运行记录失败: %w", err)
	}
	return &run, nil
}

// ListRuns 查询 Agent 的运行历史（新的在前）
func (o *Orchestrator) ListRuns(ctx context.Context, agentID, workspaceID string, limit int) ([]*Run, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var runs []*Run
	if err := o.db.WithContext(ctx).
		Where("agent_id = ? AND workspace_id = ?", agentID, workspaceID).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("查询运行历史失败: %w", err)
	}
	return runs, nil
}

// PurgeExpiredIdempotency 清理过期幂等键（维护任务定期调用）
func (o *Orchestrator) PurgeExpiredIdempotency(ctx context.Context) (int64, error) {
	result := o.db.WithContext(ctx).
		Where("expires_at < ?", time.Now().UTC()).
		Delete(&IdempotencyRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("清理过期幂等键失败: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// loadRun 按 ID 查询运行记录
func (o *Orchestrator) loadRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := o.db.WithContext(ctx).Where("id = ?", runID).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("查询运行记录失败: %w", err)
	}
	return &run, nil
}

// replayRunForKey 查找未过期幂等键指向的运行
// 键不存在、已过期或指向的运行缺失都按未命中处理
func (o *Orchestrator) replayRunForKey(ctx context.Context, agentID, key string) (*Run, bool, error) {
	var record IdempotencyRecord
	err := o.db.WithContext(ctx).
		Where("agent_id = ? AND key = ?", agentID, key).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("查询幂等键失败: %w", err)
	}
	if !record.ExpiresAt.After(time.Now().UTC()) {
		return nil, false, nil
	}

	run, err := o.loadRun(ctx, record.RunID)
	if errors.Is(err, ErrRunNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return run, true, nil
}

// recordIdempotencyKey 登记幂等键与运行的映射，过期的旧记录原地覆盖
func (o *Orchestrator) recordIdempotencyKey(ctx context.Context, agentID, key, runID string) error {
	o.idemMu.Lock()
	defer o.idemMu.Unlock()

	now := time.Now().UTC()
	var existing IdempotencyRecord
	err := o.db.WithContext(ctx).
		Where("agent_id = ? AND key = ?", agentID, key).
		First(&existing).Error
	switch {
	case err == nil:
		updates := map[string]any{
			"run_id":     runID,
			"expires_at": now.Add(idempotencyTTL),
		}
		if err := o.db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
			return fmt.Errorf("覆盖幂等键失败: %w", err)
		}
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		record := &IdempotencyRecord{
			ID:        uuid.New().String(),
			AgentID:   agentID,
			Key:       key,
			RunID:     runID,
			ExpiresAt: now.Add(idempotencyTTL),
			CreatedAt: now,
		}
		if err := o.db.WithContext(ctx).Create(record).Error; err != nil {
			return fmt.Errorf("登记幂等键失败: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("查询幂等键失败: %w", err)
	}
}

func (o *Orchestrator) dispatchByType(ctx context.Context, rc *dispatch.RunContext, ag *agent.Agent, flowDef *flow.FlowDefinition, in *ExecuteInput) (*dispatch.Outcome, error) {
	switch ag.Type {
	case agent.TypeRuleFlow:
		return o.flowRunner.Run(ctx, rc, flowDef, in.Records)
	case agent.TypeAutonomous:
		return o.autoRunner.Run(ctx, rc, &autonomous.Input{
			SampleTargets: in.SampleTargets,
			Records:       in.Records,
		})
	default:
		return nil, fmt.Errorf("未知的 Agent 类型: %s", ag.Type)
	}
}

// finalize 汇总计数并落终态，PARTIAL 仅在有动作失败时出现
func (o *Orchestrator) finalize(ctx context.Context, run *Run, outcome *dispatch.Outcome, runErr error) {
	now := time.Now().UTC()
	run.CompletedAt = &now

	if runErr != nil {
		run.Status = StatusFailed
		run.Error = runErr.Error()
		run.Summary = fmt.Sprintf("运行失败: %s", runErr.Error())
	} else {
		counts := outcome.Counts
		run.Drafted = counts.Drafted
		run.ApprovalsCreated = counts.ApprovalsCreated
		run.Blocked = counts.Blocked
		run.Executed = counts.Executed
		run.Failed = counts.Failed
		run.MessagesSent = counts.MessagesSent
		run.TasksCreated = counts.TasksCreated
		run.Logs = outcome.Logs
		if counts.Failed > 0 {
			run.Status = StatusPartial
		} else {
			run.Status = StatusSuccess
		}
		run.Summary = fmt.Sprintf("drafted=%d approvals=%d blocked=%d executed=%d failed=%d",
			counts.Drafted, counts.ApprovalsCreated, counts.Blocked, counts.Executed, counts.Failed)
	}

	if err := o.db.WithContext(ctx).Save(run).Error; err != nil {
		o.logger.Error("保存运行终态失败",
			zap.String("run_id", run.ID),
			zap.Error(err),
		)
	}

	metrics.RunsTotal.WithLabelValues(string(run.AgentType), string(run.Status), run.WorkspaceID).Inc()
	metrics.RunDuration.WithLabelValues(string(run.AgentType)).Observe(now.Sub(run.StartedAt).Seconds())

	o.auditor.RecordAction(ctx, &audit.ActionInput{
		TenantID:    run.TenantID,
		WorkspaceID: run.WorkspaceID,
		ActorID:     run.TriggeredBy,
		Action:      "agent_run_completed",
		Resource:    fmt.Sprintf("run:%s", run.ID),
		Detail: map[string]any{
			"agent_id": run.AgentID,
			"status":   run.Status,
			"mode":     run.Mode,
			"summary":  run.Summary,
		},
	})

	o.logger.Info("运行已完成",
		zap.String("run_id", run.ID),
		zap.String("agent_id", run.AgentID),
		zap.String("status", string(run.Status)),
		zap.String("mode", run.Mode),
	)
}

func (o *Orchestrator) resolveProfile(ctx context.Context, ag *agent.Agent) *narrative.NarrativeProfile {
	if ag.NarrativeProfileID == "" {
		return nil
	}
	profile, err := o.profiles.GetProfile(ctx, ag.NarrativeProfileID)
	if err != nil {
		o.logger.Warn("叙事档案解析失败，跳过策略检查",
			zap.String("agent_id", ag.ID),
			zap.String("profile_id", ag.NarrativeProfileID),
			zap.Error(err),
		)
		return nil
	}
	return profile
}
