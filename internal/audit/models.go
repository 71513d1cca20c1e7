package audit

import (
	"time"
)

// AuditLogEntry 工作区级治理审计记录（append-only）
type AuditLogEntry struct {
	ID          string         `json:"id" gorm:"primaryKey;size:64"`
	TenantID    string         `json:"tenantId" gorm:"size:64;not null;index"`
	WorkspaceID string         `json:"workspaceId" gorm:"size:64;not null;index"`
	ActorID     string         `json:"actorId" gorm:"size:64"`
	Action      string         `json:"action" gorm:"size:100;not null"`
	Resource    string         `json:"resource" gorm:"size:100;not null"`
	Detail      map[string]any `json:"detail" gorm:"type:text;serializer:json"`
	CreatedAt   time.Time      `json:"createdAt" gorm:"not null;autoCreateTime;index"`
}

// TableName 指定表名
func (AuditLogEntry) TableName() string {
	return "audit_log_entries"
}

// 解释性事件类型
const (
	EventSelectionRationale = "selection_rationale"
	EventGuardrailTriggered = "guardrail_triggered"
)

// ExplainabilityEvent 选择/熔断决策的理由记录（append-only）
type ExplainabilityEvent struct {
	ID          string         `json:"id" gorm:"primaryKey;size:64"`
	TenantID    string         `json:"tenantId" gorm:"size:64;not null;index"`
	WorkspaceID string         `json:"workspaceId" gorm:"size:64;index"`
	AgentID     string         `json:"agentId" gorm:"size:64;not null;index"`
	RunID       string         `json:"runId" gorm:"size:64;index"`
	EventType   string         `json:"eventType" gorm:"size:50;not null"`
	Detail      map[string]any `json:"detail" gorm:"type:text;serializer:json"`
	CreatedAt   time.Time      `json:"createdAt" gorm:"not null;autoCreateTime;index"`
}

// TableName 指定表名
func (ExplainabilityEvent) TableName() string {
	return "explainability_events"
}
