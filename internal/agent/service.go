package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 校验错误
var (
	ErrAgentNotFound     = errors.New("agent 不存在")
	ErrWorkspaceMismatch = errors.New("agent 不属于该工作区")
)

// Service Agent 读写服务
// 配置编辑界面不在本系统范围内；编排器只通过本服务做加载与自动暂停
type Service struct {
	db *gorm.DB
}

// NewService 创建 Agent 服务
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// CreateInput 创建 Agent 入参
type CreateInput struct {
	TenantID           string
	WorkspaceID        string
	Boundary           string
	Name               string
	Goal               string
	Type               AgentType
	Tools              ToolConfigs
	NarrativeProfileID string
	Overrides          *OverridesInput
	RateLimits         RateLimitConfig
}

// OverridesInput Agent 级策略覆盖入参
type OverridesInput struct {
	BlockedTopics          []string
	AllowedTopics          []string
	AllowedPersonalization []string
}

// Create 创建 Agent（初始状态 draft）
func (s *Service) Create(ctx context.Context, in *CreateInput) (*Agent, error) {
	if in.Type != TypeRuleFlow && in.Type != TypeAutonomous {
		return nil, fmt.Errorf("不支持的 agent 类型: %s", in.Type)
	}
	ag := &Agent{
		ID:                 uuid.New().String(),
		TenantID:           in.TenantID,
		WorkspaceID:        in.WorkspaceID,
		Boundary:           in.Boundary,
		Name:               in.Name,
		Goal:               in.Goal,
		Type:               in.Type,
		Status:             StatusDraft,
		Tools:              in.Tools,
		NarrativeProfileID: in.NarrativeProfileID,
		RateLimits:         in.RateLimits,
	}
	if in.Overrides != nil {
		ag.Overrides.BlockedTopics = in.Overrides.BlockedTopics
		ag.Overrides.AllowedTopics = in.Overrides.AllowedTopics
		ag.Overrides.AllowedPersonalization = in.Overrides.AllowedPersonalization
	}
	if err := s.db.WithContext(ctx).Create(ag).Error; err != nil {
		return nil, fmt.Errorf("创建 agent 失败: %w", err)
	}
	return ag, nil
}

// Get 按 ID 加载 Agent
func (s *Service) Get(ctx context.Context, agentID string) (*Agent, error) {
	var ag Agent
	if err := s.db.WithContext(ctx).Where("id = ?", agentID).First(&ag).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("查询 agent 失败: %w", err)
	}
	return &ag, nil
}

// GetForWorkspace 加载 Agent 并校验工作区归属
func (s *Service) GetForWorkspace(ctx context.Context, agentID, workspaceID string) (*Agent, error) {
	ag, err := s.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if ag.WorkspaceID != workspaceID {
		return nil, ErrWorkspaceMismatch
	}
	return ag, nil
}

// UpdateStatus 更新状态（激活、暂停、恢复、停用）
func (s *Service) UpdateStatus(ctx context.Context, agentID string, status AgentStatus) error {
	result := s.db.WithContext(ctx).Model(&Agent{}).
		Where("id = ?", agentID).
		Updates(map[string]any{
			"status":     status,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("更新 agent 状态失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// Pause 暂停 Agent（速率熔断的自动暂停也走这里）
func (s *Service) Pause(ctx context.Context, agentID string) error {
	return s.UpdateStatus(ctx, agentID, StatusPaused)
}

// Resume 恢复 Agent
func (s *Service) Resume(ctx context.Context, agentID string) error {
	return s.UpdateStatus(ctx, agentID, StatusActive)
}

// Deactivate 停用 Agent（不物理删除）
func (s *Service) Deactivate(ctx context.Context, agentID string) error {
	return s.UpdateStatus(ctx, agentID, StatusDraft)
}

// ListByWorkspace 查询工作区内的 Agent
func (s *Service) ListByWorkspace(ctx context.Context, workspaceID string) ([]*Agent, error) {
	var list []*Agent
	if err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("created_at DESC").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("查询 agent 列表失败: %w", err)
	}
	return list, nil
}
