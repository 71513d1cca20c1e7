package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backend/internal/logger"
	"backend/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrApprovalNotPending 审批请求不存在或已处理
var ErrApprovalNotPending = errors.New("审批请求不存在或已处理")

// 默认审批超时（24 小时）
const defaultTimeout = 24 * time.Hour

// Manager 审批管理器
// 派发器只创建请求并读取终态；批准/拒绝由审阅侧 API 触发
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager 创建审批管理器
func NewManager(db *gorm.DB) *Manager {
	return &Manager{db: db, logger: logger.Get()}
}

// CreateInput 创建审批请求入参
// Preview 必须已脱敏，管理器不会二次处理
type CreateInput struct {
	TenantID    string
	WorkspaceID string
	RunID       string
	AgentID     string
	ActionType  string
	Channel     string
	Preview     map[string]any
	Timeout     time.Duration
}

// Create 创建审批请求
func (m *Manager) Create(ctx context.Context, in *CreateInput) (*ApprovalRequest, error) {
	now := time.Now().UTC()
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	expiresAt := now.Add(timeout)

	req := &ApprovalRequest{
		ID:          uuid.New().String(),
		TenantID:    in.TenantID,
		WorkspaceID: in.WorkspaceID,
		RunID:       in.RunID,
		AgentID:     in.AgentID,
		ActionType:  in.ActionType,
		Channel:     in.Channel,
		Status:      StatusPending,
		Preview:     in.Preview,
		ExpiresAt:   &expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.db.WithContext(ctx).Create(req).Error; err != nil {
		return nil, fmt.Errorf("创建审批请求失败: %w", err)
	}

	metrics.ApprovalPendingGauge.WithLabelValues(in.WorkspaceID).Inc()
	return req, nil
}

// Approve 批准请求
func (m *Manager) Approve(ctx context.Context, approvalID, resolvedBy, comment string) error {
	return m.resolve(ctx, approvalID, StatusApproved, resolvedBy, comment)
}

// Reject 拒绝请求
func (m *Manager) Reject(ctx context.Context, approvalID, resolvedBy, comment string) error {
	return m.resolve(ctx, approvalID, StatusRejected, resolvedBy, comment)
}

func (m *Manager) resolve(ctx context.Context, approvalID string, status ApprovalStatus, resolvedBy, comment string) error {
	req, err := m.loadPending(ctx, approvalID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	updates := map[string]any{
		"status":      status,
		"resolved_by": resolvedBy,
		"comment":     comment,
		"resolved_at": now,
		"updated_at":  now,
	}
	if err := m.db.WithContext(ctx).Model(req).Updates(updates).Error; err != nil {
		return fmt.Errorf("更新审批状态失败: %w", err)
	}

	metrics.ApprovalPendingGauge.WithLabelValues(req.WorkspaceID).Dec()
	metrics.ApprovalDecisionsTotal.WithLabelValues(req.WorkspaceID, string(status)).Inc()
	m.logger.Info("审批请求已处理",
		zap.String("approval_id", approvalID),
		zap.String("status", string(status)),
		zap.String("resolved_by", resolvedBy),
	)
	return nil
}

// Get 查询审批请求
func (m *Manager) Get(ctx context.Context, approvalID string) (*ApprovalRequest, error) {
	var req ApprovalRequest
	if err := m.db.WithContext(ctx).Where("id = ?", approvalID).First(&req).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrApprovalNotPending
		}
		return nil, fmt.Errorf("查询审批请求失败: %w", err)
	}
	return &req, nil
}

// ListPending 查询工作区的待审批请求，agentID 可选
func (m *Manager) ListPending(ctx context.Context, workspaceID, agentID string) ([]*ApprovalRequest, error) {
	query := m.db.WithContext(ctx).
		Where("workspace_id = ? AND status = ?", workspaceID, StatusPending)
	if agentID != "" {
		query = query.Where("agent_id = ?", agentID)
	}

	var list []*ApprovalRequest
	if err := query.Order("created_at ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("查询待审批请求失败: %w", err)
	}
	return list, nil
}

// ExpireOverdue 将超过有效期的待审批请求标记为超时（维护任务定期调用）
func (m *Manager) ExpireOverdue(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	result := m.db.WithContext(ctx).
		Model(&ApprovalRequest{}).
		Where("status = ? AND expires_at < ?", StatusPending, now).
		Updates(map[string]any{
			"status":      StatusTimeout,
			"resolved_at": now,
			"updated_at":  now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("标记超时审批失败: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (m *Manager) loadPending(ctx context.Context, approvalID string) (*ApprovalRequest, error) {
	var req ApprovalRequest
	if err := m.db.WithContext(ctx).
		Where("id = ? AND status = ?", approvalID, StatusPending).
		First(&req).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrApprovalNotPending
		}
		return nil, fmt.Errorf("查询审批请求失败: %w", err)
	}
	return &req, nil
}
