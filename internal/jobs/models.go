package jobs

import (
	"time"
)

// JobStatus 作业状态枚举
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed" // 带退避时间的等待重试；没有退避时间则为同步失败的终态
	JobDead      JobStatus = "dead"   // 重试耗尽，已入死信
)

// Job 队列作业
type Job struct {
	ID          string `json:"id" gorm:"primaryKey;size:64"`
	TenantID    string `json:"tenantId" gorm:"size:64;not null;index"`
	WorkspaceID string `json:"workspaceId" gorm:"size:64;not null;index"`
	AgentID     string `json:"agentId" gorm:"size:64;not null;index"`

	Type    string         `json:"type" gorm:"size:100;not null;index"`
	Status  JobStatus      `json:"status" gorm:"size:50;not null;index"`
	Payload map[string]any `json:"payload,omitempty" gorm:"type:text;serializer:json"`
	Result  map[string]any `json:"result,omitempty" gorm:"type:text;serializer:json"`

	RetryCount  int        `json:"retryCount" gorm:"not null;default:0"`
	MaxRetries  int        `json:"maxRetries" gorm:"not null;default:0"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty" gorm:"index"`
	LastError   string     `json:"lastError,omitempty" gorm:"type:text"`

	RunAt       time.Time  `json:"runAt" gorm:"not null;index"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TableName 指定表名
func (Job) TableName() string {
	return "queue_jobs"
}

// DeadLetterEntry 死信记录，每个作业最多一条
// PayloadSummary 只存脱敏摘要
type DeadLetterEntry struct {
	ID          string `json:"id" gorm:"primaryKey;size:64"`
	JobID       string `json:"jobId" gorm:"size:64;not null;uniqueIndex"`
	TenantID    string `json:"tenantId" gorm:"size:64;not null;index"`
	WorkspaceID string `json:"workspaceId" gorm:"size:64;not null;index"`
	AgentID     string `json:"agentId" gorm:"size:64;not null;index"`

	Type           string         `json:"type" gorm:"size:100;not null"`
	PayloadSummary map[string]any `json:"payloadSummary,omitempty" gorm:"type:text;serializer:json"`
	LastError      string         `json:"lastError,omitempty" gorm:"type:text"`
	RetryCount     int            `json:"retryCount" gorm:"not null"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
}

// TableName 指定表名
func (DeadLetterEntry) TableName() string {
	return "dead_letter_entries"
}
