package run

import (
	"time"

	"backend/internal/agent"
	"backend/internal/dispatch"
)

// RunStatus 运行状态枚举
type RunStatus string

const (
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
	StatusPartial RunStatus = "partial" // 有动作失败但运行本身完成
)

// Run 单次 Agent 运行记录
type Run struct {
	ID          string `json:"id" gorm:"primaryKey;size:64"`
	TenantID    string `json:"tenantId" gorm:"size:64;not null;index"`
	WorkspaceID string `json:"workspaceId" gorm:"size:64;not null;index"`
	AgentID     string `json:"agentId" gorm:"size:64;not null;index"`

	AgentType agent.AgentType `json:"agentType" gorm:"size:50;not null"`
	Status    RunStatus       `json:"status" gorm:"size:50;not null;index"`
	Mode      string          `json:"mode" gorm:"size:50;not null"` // dry_run | live

	TriggeredBy    string `json:"triggeredBy,omitempty" gorm:"size:64"`
	IdempotencyKey string `json:"idempotencyKey,omitempty" gorm:"size:128"`

	Drafted          int `json:"drafted" gorm:"not null;default:0"`
	ApprovalsCreated int `json:"approvalsCreated" gorm:"not null;default:0"`
	Blocked          int `json:"blocked" gorm:"not null;default:0"`
	Executed         int `json:"executed" gorm:"not null;default:0"`
	Failed           int `json:"failed" gorm:"not null;default:0"`
	MessagesSent     int `json:"messagesSent" gorm:"not null;default:0"`
	TasksCreated     int `json:"tasksCreated" gorm:"not null;default:0"`

	Logs    []string `json:"logs,omitempty" gorm:"type:text;serializer:json"`
	Summary string   `json:"summary,omitempty" gorm:"type:text"`
	Error   string   `json:"error,omitempty" gorm:"type:text"`

	StartedAt   time.Time  `json:"startedAt" gorm:"not null;index"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// TableName 指定表名
func (Run) TableName() string {
	return "agent_runs"
}

// Counts 返回各计数器的汇总视图
func (r *Run) Counts() dispatch.Counts {
	return dispatch.Counts{
		Drafted:          r.Drafted,
		ApprovalsCreated: r.ApprovalsCreated,
		Blocked:          r.Blocked,
		Executed:         r.Executed,
		Failed:           r.Failed,
		MessagesSent:     r.MessagesSent,
		TasksCreated:     r.TasksCreated,
	}
}

// IdempotencyRecord 幂等键记录，(agent_id, key) 唯一
// 过期记录由维护任务清理，冲突时若已过期则原地复用
type IdempotencyRecord struct {
	ID        string    `json:"id" gorm:"primaryKey;size:64"`
	AgentID   string    `json:"agentId" gorm:"size:64;not null;uniqueIndex:idx_idem_agent_key"`
	Key       string    `json:"key" gorm:"size:128;not null;uniqueIndex:idx_idem_agent_key"`
	RunID     string    `json:"runId" gorm:"size:64;not null"`
	ExpiresAt time.Time `json:"expiresAt" gorm:"not null;index"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
}

// TableName 指定表名
func (IdempotencyRecord) TableName() string {
	return "idempotency_records"
}
