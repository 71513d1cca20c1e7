package agent

import (
	"time"

	"backend/internal/narrative"
)

// AgentType 执行类型枚举
type AgentType string

const (
	TypeRuleFlow   AgentType = "rule_flow"  // 规则流：触发器 → 条件 → 动作
	TypeAutonomous AgentType = "autonomous" // 自主：目标驱动的选择与起草
)

// AgentStatus 状态枚举
type AgentStatus string

const (
	StatusActive AgentStatus = "active"
	StatusPaused AgentStatus = "paused"
	StatusError  AgentStatus = "error"
	StatusDraft  AgentStatus = "draft"
)

// 渠道键
const (
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
	ChannelSFMC    = "sfmc"
	ChannelTask    = "task" // 内部任务，无外部副作用
)

// ToolConfig 单个渠道的工具配置
// RequiresApproval 使用指针：未显式设置时按需要审批处理
type ToolConfig struct {
	Enabled          bool     `json:"enabled"`
	RequiresApproval *bool    `json:"requiresApproval,omitempty"`
	Capabilities     []string `json:"capabilities,omitempty"`
	ConnectorID      string   `json:"connectorId,omitempty"`
	Subject          string   `json:"subject,omitempty"`      // 消息渠道：主题模板（不透明文本）
	BodyTemplate     string   `json:"bodyTemplate,omitempty"` // 消息渠道：正文模板（含 {{token}} 占位符）
}

// ToolConfigs 渠道键 → 工具配置
type ToolConfigs map[string]ToolConfig

// RateLimitConfig 速率限制阈值，0 表示不限制
type RateLimitConfig struct {
	MaxActionsPerHour     int  `json:"maxActionsPerHour,omitempty"`
	MaxMessagesPerDay     int  `json:"maxMessagesPerDay,omitempty"`
	MaxErrorsPerHour      int  `json:"maxErrorsPerHour,omitempty"`
	AutoPauseOnErrorSpike bool `json:"autoPauseOnErrorSpike,omitempty"`
	ErrorSpikeThreshold   int  `json:"errorSpikeThreshold,omitempty"`
}

// Agent 半自主代理定义
// 只会被停用（status=draft），不会被物理删除
type Agent struct {
	ID          string `json:"id" gorm:"primaryKey;size:64"`
	TenantID    string `json:"tenantId" gorm:"size:64;not null;index"`
	WorkspaceID string `json:"workspaceId" gorm:"size:64;not null;index"`
	Boundary    string `json:"boundary" gorm:"size:100"` // org/campus/department 作用域

	Name   string      `json:"name" gorm:"size:255;not null"`
	Goal   string      `json:"goal" gorm:"type:text"` // 自主类型的目标描述
	Type   AgentType   `json:"type" gorm:"size:50;not null"`
	Status AgentStatus `json:"status" gorm:"size:50;not null;default:draft"`

	Tools ToolConfigs `json:"tools" gorm:"type:text;serializer:json"`

	NarrativeProfileID string              `json:"narrativeProfileId" gorm:"size:64;index"`
	Overrides          narrative.Overrides `json:"overrides" gorm:"type:text;serializer:json"`

	RateLimits RateLimitConfig `json:"rateLimits" gorm:"type:text;serializer:json"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TableName 指定表名
func (Agent) TableName() string {
	return "agents"
}

// Tool 查询渠道配置，未配置时返回零值
func (a *Agent) Tool(channel string) ToolConfig {
	if a.Tools == nil {
		return ToolConfig{}
	}
	return a.Tools[channel]
}

// ChannelEnabled 渠道是否启用
func (a *Agent) ChannelEnabled(channel string) bool {
	return a.Tool(channel).Enabled
}
