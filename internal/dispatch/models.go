package dispatch

import (
	"time"
)

// ActionStatus 动作状态机：drafted → pending_approval → executed；任一阶段可进入 failed/blocked
type ActionStatus string

const (
	StatusDrafted         ActionStatus = "drafted"
	StatusPendingApproval ActionStatus = "pending_approval"
	StatusExecuted        ActionStatus = "executed"
	StatusFailed          ActionStatus = "failed"
	StatusBlocked         ActionStatus = "blocked"
)

// 动作类型
const (
	ActionSendEmail   = "send_email"
	ActionSendSMS     = "send_sms"
	ActionCreateTask  = "create_task"
	ActionCallWebhook = "call_webhook"
	ActionSyncSFMC    = "sync_sfmc"
)

// ActionPlanItem 运行器产出的单个待派发动作
type ActionPlanItem struct {
	Channel            string         `json:"channel"`
	ActionType         string         `json:"actionType"`
	TargetID           string         `json:"targetId,omitempty"`
	Payload            map[string]any `json:"payload,omitempty"`
	ConnectorID        string         `json:"connectorId,omitempty"`
	NarrativeProfileID string         `json:"narrativeProfileId,omitempty"`
}

// DraftMessage 策略检查前组装的消息草稿
type DraftMessage struct {
	Channel  string
	TargetID string
	Subject  string
	Body     string
}

// AgentActionLog 动作日志（write-once，派发时落库后不再更新）
type AgentActionLog struct {
	ID          string `json:"id" gorm:"primaryKey;size:64"`
	TenantID    string `json:"tenantId" gorm:"size:64;not null;index"`
	WorkspaceID string `json:"workspaceId" gorm:"size:64;not null;index"`
	RunID       string `json:"runId" gorm:"size:64;not null;index"`
	AgentID     string `json:"agentId" gorm:"size:64;not null;index"`

	Channel    string       `json:"channel" gorm:"size:50;not null"`
	ActionType string       `json:"actionType" gorm:"size:100;not null"`
	TargetID   string       `json:"targetId,omitempty" gorm:"size:64"`
	Status     ActionStatus `json:"status" gorm:"size:50;not null;index"`

	// Payload 只存脱敏摘要，从不落原始 PII
	Payload    map[string]any `json:"payload,omitempty" gorm:"type:text;serializer:json"`
	FailReason string         `json:"failReason,omitempty" gorm:"type:text"`
	ApprovalID string         `json:"approvalId,omitempty" gorm:"size:64;index"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
}

// TableName 指定表名
func (AgentActionLog) TableName() string {
	return "agent_action_logs"
}

// MessageArtifact 消息渠道的内容留痕，无论策略结果如何都会写入
type MessageArtifact struct {
	ID          string `json:"id" gorm:"primaryKey;size:64"`
	TenantID    string `json:"tenantId" gorm:"size:64;not null;index"`
	WorkspaceID string `json:"workspaceId" gorm:"size:64;not null;index"`
	RunID       string `json:"runId" gorm:"size:64;not null;index"`
	AgentID     string `json:"agentId" gorm:"size:64;not null;index"`

	Channel  string `json:"channel" gorm:"size:50;not null"`
	TargetID string `json:"targetId,omitempty" gorm:"size:64"`
	Subject  string `json:"subject,omitempty" gorm:"size:500"`
	Body     string `json:"body,omitempty" gorm:"type:text"`

	NarrativeProfileID string `json:"narrativeProfileId,omitempty" gorm:"size:64"`
	ProfileVersion     int    `json:"profileVersion,omitempty"`

	PolicyAllowed       bool     `json:"policyAllowed"`
	BlockReason         string   `json:"blockReason,omitempty" gorm:"type:text"`
	TopicsDetected      []string `json:"topicsDetected,omitempty" gorm:"type:text;serializer:json"`
	PersonalizationUsed []string `json:"personalizationUsed,omitempty" gorm:"type:text;serializer:json"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
}

// TableName 指定表名
func (MessageArtifact) TableName() string {
	return "message_artifacts"
}

// Counts 单次运行内各状态的动作计数
type Counts struct {
	Drafted          int `json:"drafted"`
	ApprovalsCreated int `json:"approvalsCreated"`
	Blocked          int `json:"blocked"`
	Executed         int `json:"executed"`
	Failed           int `json:"failed"`
	MessagesSent     int `json:"messagesSent"`
	TasksCreated     int `json:"tasksCreated"`
}

// Add 累加另一份计数
func (c *Counts) Add(other Counts) {
	c.Drafted += other.Drafted
	c.ApprovalsCreated += other.ApprovalsCreated
	c.Blocked += other.Blocked
	c.Executed += other.Executed
	c.Failed += other.Failed
	c.MessagesSent += other.MessagesSent
	c.TasksCreated += other.TasksCreated
}

// Outcome 运行器返回的派发结果汇总
type Outcome struct {
	Counts Counts   `json:"counts"`
	Logs   []string `json:"logs,omitempty"`
}
