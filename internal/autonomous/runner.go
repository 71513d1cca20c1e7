package autonomous

import (
	"context"
	"fmt"

	"backend/internal/agent"
	"backend/internal/audit"
	"backend/internal/dispatch"
	"backend/internal/logger"

	"go.uber.org/zap"
)

// 无外部目标输入时使用的演示种子目标
var defaultSeedTargets = []string{
	"contact-1001",
	"contact-1002",
	"contact-1003",
}

// Input 自主运行入参
// Records 优先；其次 SampleTargets；两者皆空时回退到内置种子目标
type Input struct {
	SampleTargets []string
	Records       []map[string]any
}

// Runner 自主运行器
// 目标驱动：先选定目标并留下选择理由，再按启用的消息渠道逐个起草
type Runner struct {
	dispatcher *dispatch.Dispatcher
	auditor    *audit.Recorder
	logger     *zap.Logger
}

// NewRunner 创建自主运行器
func NewRunner(dispatcher *dispatch.Dispatcher, auditor *audit.Recorder) *Runner {
	return &Runner{dispatcher: dispatcher, auditor: auditor, logger: logger.Get()}
}

// Run 执行自主运行
func (r *Runner) Run(ctx context.Context, rc *dispatch.RunContext, in *Input) (*dispatch.Outcome, error) {
	targets, source := r.selectTargets(in)

	// 起草前先落选择理由，保证动作与理由可对账
	if err := r.auditor.RecordExplainability(ctx, &audit.ExplainabilityInput{
		TenantID:    rc.TenantID,
		WorkspaceID: rc.WorkspaceID,
		AgentID:     rc.Agent.ID,
		RunID:       rc.RunID,
		EventType:   audit.EventSelectionRationale,
		Detail: map[string]any{
			"goal":         rc.Agent.Goal,
			"source":       source,
			"target_count": len(targets),
			"target_ids":   targets,
		},
	}); err != nil {
		return nil, fmt.Errorf("记录选择理由失败: %w", err)
	}

	channels := r.enabledMessageChannels(rc.Agent)
	outcome := &dispatch.Outcome{}
	for _, targetID := range targets {
		for _, channel := range channels {
			item := dispatch.ActionPlanItem{
				Channel:    channel,
				ActionType: actionTypeFor(channel),
				TargetID:   targetID,
				Payload:    map[string]any{"goal": rc.Agent.Goal},
			}
			res := r.dispatcher.Dispatch(ctx, rc, item)
			outcome.Counts.Add(res.Counts)
			outcome.Logs = append(outcome.Logs, res.Log)
		}
	}

	r.logger.Info("自主运行完成",
		zap.String("run_id", rc.RunID),
		zap.String("target_source", source),
		zap.Int("targets", len(targets)),
		zap.Int("channels", len(channels)),
	)
	return outcome, nil
}

// selectTargets 返回目标列表与来源标识
func (r *Runner) selectTargets(in *Input) ([]string, string) {
	if in != nil && len(in.Records) > 0 {
		targets := make([]string, 0, len(in.Records))
		for i, record := range in.Records {
			if id, ok := record["id"].(string); ok && id != "" {
				targets = append(targets, id)
			} else {
				targets = append(targets, fmt.Sprintf("record-%d", i))
			}
		}
		return targets, "records"
	}
	if in != nil && len(in.SampleTargets) > 0 {
		return in.SampleTargets, "sample_targets"
	}
	return defaultSeedTargets, "seed"
}

func (r *Runner) enabledMessageChannels(ag *agent.Agent) []string {
	var channels []string
	if ag.ChannelEnabled(agent.ChannelEmail) {
		channels = append(channels, agent.ChannelEmail)
	}
	if ag.ChannelEnabled(agent.ChannelSMS) {
		channels = append(channels, agent.ChannelSMS)
	}
	return channels
}

func actionTypeFor(channel string) string {
	if channel == agent.ChannelSMS {
		return dispatch.ActionSendSMS
	}
	return dispatch.ActionSendEmail
}
