package audit

import (
	"context"
	"fmt"
	"time"

	"backend/internal/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Recorder 审计/解释性事件记录器
//
// 写入失败不向上抛错，避免业务流程因审计失败而中断；
// 但需要精确计数的调用方（熔断事件）可改用带错误返回的 RecordExplainability。
type Recorder struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRecorder 创建记录器
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db, logger: logger.Get()}
}

// ActionInput 审计动作入参
type ActionInput struct {
	TenantID    string
	WorkspaceID string
	ActorID     string
	Action      string
	Resource    string
	Detail      map[string]any
}

// RecordAction 写入一条审计记录（best-effort）
func (r *Recorder) RecordAction(ctx context.Context, in *ActionInput) {
	entry := &AuditLogEntry{
		ID:          uuid.New().String(),
		TenantID:    in.TenantID,
		WorkspaceID: in.WorkspaceID,
		ActorID:     in.ActorID,
		Action:      in.Action,
		Resource:    in.Resource,
		Detail:      in.Detail,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		r.logger.Warn("写入审计记录失败",
			zap.String("action", in.Action),
			zap.Error(err),
		)
	}
}

// ExplainabilityInput 解释性事件入参
type ExplainabilityInput struct {
	TenantID    string
	WorkspaceID string
	AgentID     string
	RunID       string
	EventType   string
	Detail      map[string]any
}

// RecordExplainability 写入一条解释性事件
func (r *Recorder) RecordExplainability(ctx context.Context, in *ExplainabilityInput) error {
	event := &ExplainabilityEvent{
		ID:          uuid.New().String(),
		TenantID:    in.TenantID,
		WorkspaceID: in.WorkspaceID,
		AgentID:     in.AgentID,
		RunID:       in.RunID,
		EventType:   in.EventType,
		Detail:      in.Detail,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("写入解释性事件失败: %w", err)
	}
	return nil
}

// QueryFilter 审计查询条件
type QueryFilter struct {
	From   *time.Time
	To     *time.Time
	Action string
	Limit  int
	Offset int
}

// QueryWorkspaceLogs 按工作区及筛选条件查询审计日志
func (r *Recorder) QueryWorkspaceLogs(ctx context.Context, workspaceID string, f QueryFilter) ([]*AuditLogEntry, error) {
	query := r.db.WithContext(ctx).Where("workspace_id = ?", workspaceID)
	if f.From != nil {
		query = query.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		query = query.Where("created_at <= ?", *f.To)
	}
	if f.Action != "" {
		query = query.Where("action = ?", f.Action)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var entries []*AuditLogEntry
	if err := query.Order("created_at DESC").Limit(limit).Offset(f.Offset).
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("查询审计日志失败: %w", err)
	}
	return entries, nil
}

// QueryExplainability 查询 Agent 的解释性事件
func (r *Recorder) QueryExplainability(ctx context.Context, agentID string, limit int) ([]*ExplainabilityEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var events []*ExplainabilityEvent
	if err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("查询解释性事件失败: %w", err)
	}
	return events, nil
}
