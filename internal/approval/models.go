package approval

import (
	"time"
)

// ApprovalStatus 审批状态枚举
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
	StatusTimeout  ApprovalStatus = "timeout"
)

// ApprovalRequest 人工审批请求
// Preview 只存脱敏后的载荷预览，从不落原始 PII；批准/拒绝后即为终态
type ApprovalRequest struct {
	ID          string `json:"id" gorm:"primaryKey;size:64"`
	TenantID    string `json:"tenantId" gorm:"size:64;not null;index"`
	WorkspaceID string `json:"workspaceId" gorm:"size:64;not null;index"`
	RunID       string `json:"runId" gorm:"size:64;not null;index"`
	AgentID     string `json:"agentId" gorm:"size:64;not null;index"`

	ActionType string         `json:"actionType" gorm:"size:100;not null"`
	Channel    string         `json:"channel" gorm:"size:50;not null"`
	Status     ApprovalStatus `json:"status" gorm:"size:50;not null;default:pending;index"`
	Preview    map[string]any `json:"preview" gorm:"type:text;serializer:json"`

	ResolvedBy string     `json:"resolvedBy,omitempty" gorm:"size:64"`
	Comment    string     `json:"comment,omitempty" gorm:"type:text"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TableName 指定表名
func (ApprovalRequest) TableName() string {
	return "approval_requests"
}
