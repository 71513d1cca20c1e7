package narrative

import (
	"time"
)

// NarrativeProfile 叙事档案：消息内容必须满足的语气/话题/个性化策略
// 每次编辑都会生成新版本并冻结上一版本的快照，版本号单调递增且不复用
type NarrativeProfile struct {
	ID          string `json:"id" gorm:"primaryKey;size:64"`
	TenantID    string `json:"tenantId" gorm:"size:64;not null;index"`
	WorkspaceID string `json:"workspaceId" gorm:"size:64;not null;index"`

	Name    string `json:"name" gorm:"size:255;not null"`
	Version int    `json:"version" gorm:"not null;default:1"`

	Tone                   string   `json:"tone" gorm:"size:100"`
	AllowedTopics          []string `json:"allowedTopics" gorm:"type:text;serializer:json"`
	BlockedTopics          []string `json:"blockedTopics" gorm:"type:text;serializer:json"`
	AllowedPersonalization []string `json:"allowedPersonalization" gorm:"type:text;serializer:json"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TableName 指定表名
func (NarrativeProfile) TableName() string {
	return "narrative_profiles"
}

// ProfileSnapshot 版本快照内容（append-only 历史）
type ProfileSnapshot struct {
	Tone                   string   `json:"tone"`
	AllowedTopics          []string `json:"allowedTopics"`
	BlockedTopics          []string `json:"blockedTopics"`
	AllowedPersonalization []string `json:"allowedPersonalization"`
}

// NarrativeProfileVersion 冻结的历史版本记录
type NarrativeProfileVersion struct {
	ID        string          `json:"id" gorm:"primaryKey;size:64"`
	ProfileID string          `json:"profileId" gorm:"size:64;not null;index"`
	Version   int             `json:"version" gorm:"not null"`
	Snapshot  ProfileSnapshot `json:"snapshot" gorm:"type:text;serializer:json"`
	CreatedAt time.Time       `json:"createdAt" gorm:"not null;autoCreateTime"`
}

// TableName 指定表名
func (NarrativeProfileVersion) TableName() string {
	return "narrative_profile_versions"
}

// Overrides Agent 级策略覆盖，在档案之上追加限制
type Overrides struct {
	BlockedTopics          []string `json:"blockedTopics,omitempty"`
	AllowedTopics          []string `json:"allowedTopics,omitempty"`
	AllowedPersonalization []string `json:"allowedPersonalization,omitempty"`
}

// PolicyResult 策略检查结果
// 无论是否拦截都返回检测到的话题与个性化字段，便于审计留痕
type PolicyResult struct {
	Allowed             bool     `json:"allowed"`
	BlockReason         string   `json:"blockReason,omitempty"`
	TopicsDetected      []string `json:"topicsDetected"`
	PersonalizationUsed []string `json:"personalizationUsed"`
}
