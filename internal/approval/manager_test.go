package approval

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func setupApprovalTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:approval_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("打开 sqlite 失败: %v", err)
	}
	if err := db.AutoMigrate(&ApprovalRequest{}); err != nil {
		t.Fatalf("迁移 schema 失败: %v", err)
	}
	return db
}

func createPending(t *testing.T, m *Manager, timeout time.Duration) *ApprovalRequest {
	t.Helper()
	req, err := m.Create(context.Background(), &CreateInput{
		TenantID:    "tenant-A",
		WorkspaceID: "ws-1",
		RunID:       "run-1",
		AgentID:     "agent-1",
		ActionType:  "send_email",
		Channel:     "email",
		Preview:     map[string]any{"subject": "欢迎了解我们的课程", "body": "你好！..."},
		Timeout:     timeout,
	})
	if err != nil {
		t.Fatalf("创建审批请求失败: %v", err)
	}
	return req
}

func TestCreateSetsPendingWithExpiry(t *testing.T) {
	db := setupApprovalTestDB(t)
	m := NewManager(db)

	req := createPending(t, m, 0)
	if req.Status != StatusPending {
		t.Fatalf("新建请求应为 pending: %s", req.Status)
	}
	if req.ExpiresAt == nil {
		t.Fatal("新建请求应带超时时间")
	}
	remaining := time.Until(*req.ExpiresAt)
	if remaining < 23*time.Hour || remaining > 25*time.Hour {
		t.Fatalf("缺省超时应约为 24 小时: %v", remaining)
	}
}

func TestApproveResolvesOnce(t *testing.T) {
	ctx := context.Background()
	db := setupApprovalTestDB(t)
	m := NewManager(db)

	req := createPending(t, m, time.Hour)
	if err := m.Approve(ctx, req.ID, "reviewer-1", "内容没问题"); err != nil {
		t.Fatalf("批准失败: %v", err)
	}

	got, err := m.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if got.Status != StatusApproved {
		t.Fatalf("应为 approved: %s", got.Status)
	}
	if got.ResolvedBy != "reviewer-1" || got.Comment != "内容没问题" {
		t.Fatalf("裁决信息未记录: %+v", got)
	}
	if got.ResolvedAt == nil {
		t.Fatal("应记录裁决时间")
	}

	// 终态不可再次裁决
	if err := m.Approve(ctx, req.ID, "reviewer-2", ""); !errors.Is(err, ErrApprovalNotPending) {
		t.Fatalf("重复裁决应返回 ErrApprovalNotPending: %v", err)
	}
	if err := m.Reject(ctx, req.ID, "reviewer-2", ""); !errors.Is(err, ErrApprovalNotPending) {
		t.Fatalf("已批准的请求不能再拒绝: %v", err)
	}
}

func TestRejectResolves(t *testing.T) {
	ctx := context.Background()
	db := setupApprovalTestDB(t)
	m := NewManager(db)

	req := createPending(t, m, time.Hour)
	if err := m.Reject(ctx, req.ID, "reviewer-1", "语气不合适"); err != nil {
		t.Fatalf("拒绝失败: %v", err)
	}

	got, err := m.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if got.Status != StatusRejected {
		t.Fatalf("应为 rejected: %s", got.Status)
	}
	if got.Comment != "语气不合适" {
		t.Fatalf("拒绝理由未记录: %s", got.Comment)
	}
}

func TestApproveUnknownID(t *testing.T) {
	db := setupApprovalTestDB(t)
	m := NewManager(db)

	if err := m.Approve(context.Background(), "no-such-id", "reviewer-1", ""); !errors.Is(err, ErrApprovalNotPending) {
		t.Fatalf("不存在的请求应返回 ErrApprovalNotPending: %v", err)
	}
}

func TestListPendingFilters(t *testing.T) {
	ctx := context.Background()
	db := setupApprovalTestDB(t)
	m := NewManager(db)

	first := createPending(t, m, time.Hour)
	second := createPending(t, m, time.Hour)
	if err := m.Approve(ctx, second.ID, "reviewer-1", ""); err != nil {
		t.Fatalf("批准失败: %v", err)
	}

	// 另一个 Agent 的待审批不应混入
	if _, err := m.Create(ctx, &CreateInput{
		TenantID:    "tenant-A",
		WorkspaceID: "ws-1",
		RunID:       "run-2",
		AgentID:     "agent-2",
		ActionType:  "send_sms",
		Channel:     "sms",
	}); err != nil {
		t.Fatalf("创建审批请求失败: %v", err)
	}

	list, err := m.ListPending(ctx, "ws-1", "agent-1")
	if err != nil {
		t.Fatalf("查询待审批失败: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("agent-1 应只剩 1 条待审批: %d", len(list))
	}
	if list[0].ID != first.ID {
		t.Fatalf("待审批不符: %s", list[0].ID)
	}

	all, err := m.ListPending(ctx, "ws-1", "")
	if err != nil {
		t.Fatalf("查询待审批失败: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("工作区应有 2 条待审批: %d", len(all))
	}
}

func TestExpireOverdueMarksTimeout(t *testing.T) {
	ctx := context.Background()
	db := setupApprovalTestDB(t)
	m := NewManager(db)

	overdue := createPending(t, m, time.Hour)
	fresh := createPending(t, m, time.Hour)

	past := time.Now().UTC().Add(-time.Minute)
	if err := db.Model(&ApprovalRequest{}).
		Where("id = ?", overdue.ID).
		Update("expires_at", past).Error; err != nil {
		t.Fatalf("改写超时时间失败: %v", err)
	}

	expired, err := m.ExpireOverdue(ctx)
	if err != nil {
		t.Fatalf("处理超时失败: %v", err)
	}
	if expired != 1 {
		t.Fatalf("应恰好超时 1 条: %d", expired)
	}

	gotOverdue, err := m.Get(ctx, overdue.ID)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if gotOverdue.Status != StatusTimeout {
		t.Fatalf("过期请求应为 timeout: %s", gotOverdue.Status)
	}
	gotFresh, err := m.Get(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if gotFresh.Status != StatusPending {
		t.Fatalf("未过期请求不应改变: %s", gotFresh.Status)
	}

	// 超时后不可再裁决
	if err := m.Approve(ctx, overdue.ID, "reviewer-1", ""); !errors.Is(err, ErrApprovalNotPending) {
		t.Fatalf("超时请求不能再批准: %v", err)
	}
}
