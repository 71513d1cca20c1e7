package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrFlowNotFound 规则流不存在
var ErrFlowNotFound = errors.New("规则流不存在")

// Service 规则流定义服务
type Service struct {
	db *gorm.DB
}

// NewService 创建规则流服务
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// CreateVersionInput 保存新版本入参
type CreateVersionInput struct {
	TenantID    string
	WorkspaceID string
	AgentID     string
	Name        string
	Graph       FlowGraph
}

// CreateVersion 保存规则流的新版本，版本号单调递增
func (s *Service) CreateVersion(ctx context.Context, in *CreateVersionInput) (*FlowDefinition, error) {
	var def *FlowDefinition
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest FlowDefinition
		version := 1
		err := tx.Where("agent_id = ?", in.AgentID).
			Order("version DESC").
			First(&latest).Error
		if err == nil {
			version = latest.Version + 1
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("查询最新版本失败: %w", err)
		}

		def = &FlowDefinition{
			ID:          uuid.New().String(),
			TenantID:    in.TenantID,
			WorkspaceID: in.WorkspaceID,
			AgentID:     in.AgentID,
			Name:        in.Name,
			Version:     version,
			Graph:       in.Graph,
		}
		if err := tx.Create(def).Error; err != nil {
			return fmt.Errorf("保存规则流版本失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return def, nil
}

// GetActive 查询 Agent 当前生效的规则流（最新版本）
func (s *Service) GetActive(ctx context.Context, agentID string) (*FlowDefinition, error) {
	var def FlowDefinition
	if err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("version DESC").
		First(&def).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFlowNotFound
		}
		return nil, fmt.Errorf("查询规则流失败: %w", err)
	}
	return &def, nil
}

// ListVersions 查询 Agent 的全部规则流版本（新的在前）
func (s *Service) ListVersions(ctx context.Context, agentID string) ([]*FlowDefinition, error) {
	var list []*FlowDefinition
	if err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("version DESC").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("查询规则流版本失败: %w", err)
	}
	return list, nil
}
