package dispatch

import (
	"context"
	"fmt"
	"time"

	"backend/internal/agent"
	"backend/internal/approval"
	"backend/internal/config"
	"backend/internal/logger"
	"backend/internal/metrics"
	"backend/internal/narrative"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 运行模式
const (
	ModeDryRun = "dry_run"
	ModeLive   = "live"
)

// RunContext 单次运行内派发共享的上下文
// Profile 由编排器解析一次，缺省（nil）时策略检查直接放行
type RunContext struct {
	TenantID    string
	WorkspaceID string
	RunID       string
	Agent       *agent.Agent
	Mode        string
	Profile     *narrative.NarrativeProfile
}

// ItemResult 单个动作的派发结果
type ItemResult struct {
	Status ActionStatus
	Counts Counts
	Log    string
}

// Dispatcher 动作派发器
// 消息渠道走策略检查与审批门；连接器渠道走白名单校验与审批门
type Dispatcher struct {
	db         *gorm.DB
	engine     *narrative.Engine
	approvals  *approval.Manager
	features   config.FeaturesConfig
	connectors config.ConnectorsConfig
	logger     *zap.Logger
}

// DispatcherOption 派发器选项
type DispatcherOption func(*Dispatcher)

// WithEngine 指定策略引擎
func WithEngine(engine *narrative.Engine) DispatcherOption {
	return func(d *Dispatcher) { d.engine = engine }
}

// NewDispatcher 创建派发器
func NewDispatcher(db *gorm.DB, approvals *approval.Manager, features config.FeaturesConfig, connectors config.ConnectorsConfig, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		db:         db,
		engine:     narrative.NewEngine(),
		approvals:  approvals,
		features:   features,
		connectors: connectors,
		logger:     logger.Get(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch 派发单个动作，返回最终状态与计数
// 任何失败都折叠到结果里，不向上返回 error：单个动作失败不应中断整次运行
func (d *Dispatcher) Dispatch(ctx context.Context, rc *RunContext, item ActionPlanItem) *ItemResult {
	var res *ItemResult
	switch item.Channel {
	case agent.ChannelEmail, agent.ChannelSMS:
		res = d.dispatchMessage(ctx, rc, item)
	case agent.ChannelWebhook:
		res = d.dispatchWebhook(ctx, rc, item)
	case agent.ChannelSFMC:
		res = d.dispatchSFMC(ctx, rc, item)
	case agent.ChannelTask:
		res = d.dispatchTask(ctx, rc, item)
	default:
		res = d.fail(ctx, rc, item, fmt.Sprintf("未知渠道: %s", item.Channel))
	}
	metrics.DispatchActionsTotal.WithLabelValues(item.Channel, string(res.Status)).Inc()
	return res
}

// dispatchMessage 消息渠道：组稿 → 策略检查 → 留痕 → 审批门 → 执行/草稿
func (d *Dispatcher) dispatchMessage(ctx context.Context, rc *RunContext, item ActionPlanItem) *ItemResult {
	draft := d.buildDraft(rc.Agent, item)

	var policy *narrative.PolicyResult
	if rc.Profile != nil {
		policy = d.engine.CheckPolicy(rc.Profile, &rc.Agent.Overrides, draft.Subject, draft.Body)
	} else {
		policy = &narrative.PolicyResult{Allowed: true}
	}

	// 无论策略结果如何都写入内容留痕
	if err := d.saveArtifact(ctx, rc, draft, policy); err != nil {
		return d.fail(ctx, rc, item, fmt.Sprintf("写入消息留痕失败: %v", err))
	}

	if !policy.Allowed {
		metrics.PolicyBlocksTotal.WithLabelValues(item.Channel).Inc()
		d.writeActionLog(ctx, rc, item, StatusBlocked, policy.BlockReason, "")
		return &ItemResult{
			Status: StatusBlocked,
			Counts: Counts{Blocked: 1},
			Log:    fmt.Sprintf("%s blocked: %s", item.Channel, policy.BlockReason),
		}
	}

	if approval.MessageRequiresApproval(rc.Agent) {
		return d.requestApproval(ctx, rc, item, draft)
	}

	if rc.Mode == ModeLive && d.liveEnabled(item.Channel) {
		return d.executeMessage(ctx, rc, item, draft)
	}

	d.writeActionLog(ctx, rc, item, StatusDrafted, "", "")
	return &ItemResult{
		Status: StatusDrafted,
		Counts: Counts{Drafted: 1},
		Log:    fmt.Sprintf("%s drafted for %s", item.Channel, item.TargetID),
	}
}

// dispatchWebhook 外呼渠道：路径必须落在固定 base_url 下的白名单内
func (d *Dispatcher) dispatchWebhook(ctx context.Context, rc *RunContext, item ActionPlanItem) *ItemResult {
	path, _ := item.Payload["path"].(string)
	if d.connectors.Webhook.BaseURL == "" || !containsString(d.connectors.Webhook.AllowedPaths, path) {
		return d.fail(ctx, rc, item, fmt.Sprintf("Webhook 路径不在白名单: %s", path))
	}
	return d.dispatchConnector(ctx, rc, item, d.features.LiveWebhookCall)
}

// dispatchSFMC 营销自动化渠道：数据扩展/旅程必须在白名单内
func (d *Dispatcher) dispatchSFMC(ctx context.Context, rc *RunContext, item ActionPlanItem) *ItemResult {
	if de, ok := item.Payload["data_extension"].(string); ok && de != "" {
		if !containsString(d.connectors.SFMC.AllowedDataExtensions, de) {
			return d.fail(ctx, rc, item, fmt.Sprintf("数据扩展不在白名单: %s", de))
		}
	}
	if journey, ok := item.Payload["journey"].(string); ok && journey != "" {
		if !containsString(d.connectors.SFMC.AllowedJourneys, journey) {
			return d.fail(ctx, rc, item, fmt.Sprintf("旅程不在白名单: %s", journey))
		}
	}
	return d.dispatchConnector(ctx, rc, item, d.features.LiveSFMCSync)
}

// dispatchConnector 连接器渠道共用的审批门与执行分支
func (d *Dispatcher) dispatchConnector(ctx context.Context, rc *RunContext, item ActionPlanItem, liveFlag bool) *ItemResult {
	if approval.ConnectorActionRequiresApproval(rc.Agent, item.Channel) {
		return d.requestApproval(ctx, rc, item, nil)
	}

	if rc.Mode == ModeLive && liveFlag {
		d.writeActionLog(ctx, rc, item, StatusExecuted, "", "")
		d.logger.Info("连接器动作已执行",
			zap.String("run_id", rc.RunID),
			zap.String("channel", item.Channel),
			zap.String("action_type", item.ActionType),
		)
		return &ItemResult{
			Status: StatusExecuted,
			Counts: Counts{Executed: 1},
			Log:    fmt.Sprintf("%s executed: %s", item.Channel, item.ActionType),
		}
	}

	d.writeActionLog(ctx, rc, item, StatusDrafted, "", "")
	return &ItemResult{
		Status: StatusDrafted,
		Counts: Counts{Drafted: 1},
		Log:    fmt.Sprintf("%s drafted: %s", item.Channel, item.ActionType),
	}
}

// dispatchTask 内部任务：活跃模式直接创建，试运行只产草稿
func (d *Dispatcher) dispatchTask(ctx context.Context, rc *RunContext, item ActionPlanItem) *ItemResult {
	if rc.Mode == ModeLive {
		d.writeActionLog(ctx, rc, item, StatusExecuted, "", "")
		return &ItemResult{
			Status: StatusExecuted,
			Counts: Counts{Executed: 1, TasksCreated: 1},
			Log:    fmt.Sprintf("task created for %s", item.TargetID),
		}
	}
	d.writeActionLog(ctx, rc, item, StatusDrafted, "", "")
	return &ItemResult{
		Status: StatusDrafted,
		Counts: Counts{Drafted: 1},
		Log:    fmt.Sprintf("task drafted for %s", item.TargetID),
	}
}

// requestApproval 创建审批请求并落 pending_approval 日志
func (d *Dispatcher) requestApproval(ctx context.Context, rc *RunContext, item ActionPlanItem, draft *DraftMessage) *ItemResult {
	req, err := d.approvals.Create(ctx, &approval.CreateInput{
		TenantID:    rc.TenantID,
		WorkspaceID: rc.WorkspaceID,
		RunID:       rc.RunID,
		AgentID:     rc.Agent.ID,
		ActionType:  item.ActionType,
		Channel:     item.Channel,
		Preview:     BuildPreview(draft, item.Payload),
	})
	if err != nil {
		return d.fail(ctx, rc, item, fmt.Sprintf("创建审批请求失败: %v", err))
	}

	d.writeActionLog(ctx, rc, item, StatusPendingApproval, "", req.ID)
	return &ItemResult{
		Status: StatusPendingApproval,
		Counts: Counts{Drafted: 1, ApprovalsCreated: 1},
		Log:    fmt.Sprintf("%s pending approval (%s)", item.Channel, req.ID),
	}
}

// executeMessage 活跃模式下投递消息（当前为模拟投递，只记录日志）
func (d *Dispatcher) executeMessage(ctx context.Context, rc *RunContext, item ActionPlanItem, draft *DraftMessage) *ItemResult {
	d.writeActionLog(ctx, rc, item, StatusExecuted, "", "")
	d.logger.Info("消息已投递",
		zap.String("run_id", rc.RunID),
		zap.String("channel", item.Channel),
		zap.String("target_id", item.TargetID),
	)
	return &ItemResult{
		Status: StatusExecuted,
		Counts: Counts{Executed: 1, MessagesSent: 1},
		Log:    fmt.Sprintf("%s sent to %s", item.Channel, item.TargetID),
	}
}

// buildDraft 从工具配置模板组稿，缺省回退到载荷自带内容
func (d *Dispatcher) buildDraft(ag *agent.Agent, item ActionPlanItem) *DraftMessage {
	tool := ag.Tool(item.Channel)
	subject := tool.Subject
	body := tool.BodyTemplate
	if s, ok := item.Payload["subject"].(string); ok && s != "" {
		subject = s
	}
	if b, ok := item.Payload["body"].(string); ok && b != "" {
		body = b
	}
	return &DraftMessage{
		Channel:  item.Channel,
		TargetID: item.TargetID,
		Subject:  subject,
		Body:     body,
	}
}

func (d *Dispatcher) saveArtifact(ctx context.Context, rc *RunContext, draft *DraftMessage, policy *narrative.PolicyResult) error {
	artifact := &MessageArtifact{
		ID:                  uuid.New().String(),
		TenantID:            rc.TenantID,
		WorkspaceID:         rc.WorkspaceID,
		RunID:               rc.RunID,
		AgentID:             rc.Agent.ID,
		Channel:             draft.Channel,
		TargetID:            draft.TargetID,
		Subject:             draft.Subject,
		Body:                draft.Body,
		PolicyAllowed:       policy.Allowed,
		BlockReason:         policy.BlockReason,
		TopicsDetected:      policy.TopicsDetected,
		PersonalizationUsed: policy.PersonalizationUsed,
		CreatedAt:           time.Now().UTC(),
	}
	if rc.Profile != nil {
		artifact.NarrativeProfileID = rc.Profile.ID
		artifact.ProfileVersion = rc.Profile.Version
	}
	return d.db.WithContext(ctx).Create(artifact).Error
}

func (d *Dispatcher) fail(ctx context.Context, rc *RunContext, item ActionPlanItem, reason string) *ItemResult {
	d.writeActionLog(ctx, rc, item, StatusFailed, reason, "")
	d.logger.Warn("动作派发失败",
		zap.String("run_id", rc.RunID),
		zap.String("channel", item.Channel),
		zap.String("reason", reason),
	)
	return &ItemResult{
		Status: StatusFailed,
		Counts: Counts{Failed: 1},
		Log:    fmt.Sprintf("%s failed: %s", item.Channel, reason),
	}
}

func (d *Dispatcher) writeActionLog(ctx context.Context, rc *RunContext, item ActionPlanItem, status ActionStatus, failReason, approvalID string) {
	entry := &AgentActionLog{
		ID:          uuid.New().String(),
		TenantID:    rc.TenantID,
		WorkspaceID: rc.WorkspaceID,
		RunID:       rc.RunID,
		AgentID:     rc.Agent.ID,
		Channel:     item.Channel,
		ActionType:  item.ActionType,
		TargetID:    item.TargetID,
		Status:      status,
		Payload:     RedactPayload(item.Payload),
		FailReason:  failReason,
		ApprovalID:  approvalID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := d.db.WithContext(ctx).Create(entry).Error; err != nil {
		d.logger.Warn("写入动作日志失败",
			zap.String("run_id", rc.RunID),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) liveEnabled(channel string) bool {
	switch channel {
	case agent.ChannelEmail:
		return d.features.LiveEmailSend
	case agent.ChannelSMS:
		return d.features.LiveSMSSend
	default:
		return false
	}
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
