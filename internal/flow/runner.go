package flow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"backend/internal/agent"
	"backend/internal/dispatch"
	"backend/internal/logger"

	"github.com/Knetic/govaluate"
	"go.uber.org/zap"
)

// ErrInvalidFlow 规则流残缺：没有触发器或没有动作节点
var ErrInvalidFlow = errors.New("规则流不完整：缺少触发器或动作节点")

// Validate 校验规则流图可执行，至少要有一个触发器和一个动作节点
func (def *FlowDefinition) Validate() error {
	if len(def.Graph.Triggers) == 0 || len(def.Graph.Actions) == 0 {
		return ErrInvalidFlow
	}
	return nil
}

// Runner 规则流运行器
// 对每条记录串行评估全部条件（与逻辑），通过后逐个派发动作节点
type Runner struct {
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

// NewRunner 创建规则流运行器
func NewRunner(dispatcher *dispatch.Dispatcher) *Runner {
	return &Runner{dispatcher: dispatcher, logger: logger.Get()}
}

// Run 执行规则流
// records 为空时整次运行视为无目标，直接返回空结果
func (r *Runner) Run(ctx context.Context, rc *dispatch.RunContext, def *FlowDefinition, records []map[string]any) (*dispatch.Outcome, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	outcome := &dispatch.Outcome{}
	matched := 0
	for _, record := range records {
		if !r.recordMatches(def.Graph.Conditions, record) {
			continue
		}
		matched++
		targetID, _ := record["id"].(string)
		for _, node := range def.Graph.Actions {
			item := r.resolveAction(node, targetID, record)
			res := r.dispatcher.Dispatch(ctx, rc, item)
			outcome.Counts.Add(res.Counts)
			outcome.Logs = append(outcome.Logs, res.Log)
		}
	}

	r.logger.Info("规则流执行完成",
		zap.String("run_id", rc.RunID),
		zap.String("flow_id", def.ID),
		zap.Int("records", len(records)),
		zap.Int("matched", matched),
	)
	return outcome, nil
}

// recordMatches 全部条件通过才放行；记录缺少条件字段时该条件视为通过
func (r *Runner) recordMatches(conditions []ConditionNode, record map[string]any) bool {
	for _, cond := range conditions {
		if !r.evaluateCondition(cond, record) {
			return false
		}
	}
	return true
}

func (r *Runner) evaluateCondition(cond ConditionNode, record map[string]any) bool {
	if cond.Expression != "" {
		return r.evaluateExpression(cond.Expression, record)
	}
	if cond.Field == "" {
		return true
	}

	value, exists := record[cond.Field]
	if !exists {
		return true
	}

	switch cond.Operator {
	case "gt", "gte", "lt":
		left, leftOK := toFloat64(value)
		right, rightOK := toFloat64(cond.Value)
		if !leftOK || !rightOK {
			return false
		}
		switch cond.Operator {
		case "gt":
			return left > right
		case "gte":
			return left >= right
		default:
			return left < right
		}
	case "eq":
		if left, ok := toFloat64(value); ok {
			if right, ok := toFloat64(cond.Value); ok {
				return left == right
			}
		}
		return fmt.Sprint(value) == fmt.Sprint(cond.Value)
	default:
		return false
	}
}

// evaluateExpression 表达式条件，求值出错时按字段缺失的口径放行
func (r *Runner) evaluateExpression(expression string, record map[string]any) bool {
	expr, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		r.logger.Warn("条件表达式解析失败",
			zap.String("expression", expression),
			zap.Error(err),
		)
		return true
	}
	result, err := expr.Evaluate(record)
	if err != nil {
		return true
	}
	pass, ok := result.(bool)
	return !ok || pass
}

// resolveAction 动作节点 → 派发项
// 显式 Kind 优先；为空时按标签关键字推断；都失败则交给派发器按未知渠道落失败日志
func (r *Runner) resolveAction(node ActionNode, targetID string, record map[string]any) dispatch.ActionPlanItem {
	kind := node.Kind
	if kind == "" {
		kind = inferKind(node.Label)
	}

	payload := map[string]any{}
	for k, v := range node.Params {
		payload[k] = v
	}
	payload["record"] = record

	item := dispatch.ActionPlanItem{
		TargetID:    targetID,
		Payload:     payload,
		ConnectorID: node.ConnectorID,
	}
	switch kind {
	case KindEmail:
		item.Channel = agent.ChannelEmail
		item.ActionType = dispatch.ActionSendEmail
	case KindSMS:
		item.Channel = agent.ChannelSMS
		item.ActionType = dispatch.ActionSendSMS
	case KindTask:
		item.Channel = agent.ChannelTask
		item.ActionType = dispatch.ActionCreateTask
	case KindWebhook:
		item.Channel = agent.ChannelWebhook
		item.ActionType = dispatch.ActionCallWebhook
	case KindJourney:
		item.Channel = agent.ChannelSFMC
		item.ActionType = dispatch.ActionSyncSFMC
	default:
		item.Channel = "unknown"
		item.ActionType = node.Label
	}
	return item
}

// inferKind 按标签关键字推断动作类型
func inferKind(label string) ActionKind {
	lower := strings.ToLower(label)
	switch {
	case strings.Contains(lower, "email"):
		return KindEmail
	case strings.Contains(lower, "sms"), strings.Contains(lower, "text"):
		return KindSMS
	case strings.Contains(lower, "task"):
		return KindTask
	case strings.Contains(lower, "webhook"):
		return KindWebhook
	case strings.Contains(lower, "journey"), strings.Contains(lower, "sfmc"):
		return KindJourney
	default:
		return ""
	}
}

func toFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
