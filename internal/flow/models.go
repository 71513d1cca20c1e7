package flow

import (
	"time"
)

// ActionKind 动作节点类型
type ActionKind string

const (
	KindEmail   ActionKind = "email"
	KindSMS     ActionKind = "sms"
	KindTask    ActionKind = "task"
	KindWebhook ActionKind = "webhook"
	KindJourney ActionKind = "journey"
)

// TriggerNode 触发器节点
type TriggerNode struct {
	ID    string `json:"id"`
	Event string `json:"event"` // 如 record_updated、schedule
	Label string `json:"label,omitempty"`
}

// ConditionNode 条件节点
// 简单比较用 Field/Operator/Value 三元组；复杂逻辑用 Expression 表达式
type ConditionNode struct {
	ID         string `json:"id"`
	Field      string `json:"field,omitempty"`
	Operator   string `json:"operator,omitempty"` // gt | gte | lt | eq
	Value      any    `json:"value,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// ActionNode 动作节点
// Kind 显式指定时优先生效，为空时按标签关键字推断
type ActionNode struct {
	ID          string         `json:"id"`
	Label       string         `json:"label"`
	Kind        ActionKind     `json:"kind,omitempty"`
	ConnectorID string         `json:"connectorId,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// FlowGraph 规则流图结构：触发器 → 条件 → 动作
type FlowGraph struct {
	Triggers   []TriggerNode   `json:"triggers"`
	Conditions []ConditionNode `json:"conditions"`
	Actions    []ActionNode    `json:"actions"`
}

// FlowDefinition 规则流定义，按版本追加保存
type FlowDefinition struct {
	ID          string `json:"id" gorm:"primaryKey;size:64"`
	TenantID    string `json:"tenantId" gorm:"size:64;not null;index"`
	WorkspaceID string `json:"workspaceId" gorm:"size:64;not null;index"`
	AgentID     string `json:"agentId" gorm:"size:64;not null;index"`

	Name    string    `json:"name" gorm:"size:255;not null"`
	Version int       `json:"version" gorm:"not null"`
	Graph   FlowGraph `json:"graph" gorm:"type:text;serializer:json"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TableName 指定表名
func (FlowDefinition) TableName() string {
	return "flow_definitions"
}
