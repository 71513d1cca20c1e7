package narrative

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func setupProfileTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:narrative_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("打开 sqlite 失败: %v", err)
	}
	if err := db.AutoMigrate(&NarrativeProfile{}, &NarrativeProfileVersion{}); err != nil {
		t.Fatalf("迁移 schema 失败: %v", err)
	}
	return db
}

func TestProfileVersionMonotonic(t *testing.T) {
	ctx := context.Background()
	svc := NewService(setupProfileTestDB(t))

	created, err := svc.CreateProfile(ctx, &CreateProfileInput{
		TenantID:      "tenant-A",
		WorkspaceID:   "ws-1",
		Name:          "招生沟通",
		Tone:          "supportive",
		BlockedTopics: []string{"Financial aid"},
	})
	if err != nil {
		t.Fatalf("创建档案失败: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("初始版本应为 1: %d", created.Version)
	}

	tone := "professional"
	updated, err := svc.UpdateProfile(ctx, created.ID, &UpdateProfileInput{Tone: &tone})
	if err != nil {
		t.Fatalf("编辑档案失败: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("编辑后版本应为 2: %d", updated.Version)
	}
	if updated.Tone != "professional" {
		t.Fatalf("语气未更新: %s", updated.Tone)
	}
	// 未提供的字段维持原值
	if len(updated.BlockedTopics) != 1 || updated.BlockedTopics[0] != "Financial aid" {
		t.Fatalf("拦截话题不应变化: %v", updated.BlockedTopics)
	}

	versions, err := svc.ListVersions(ctx, created.ID)
	if err != nil {
		t.Fatalf("查询版本历史失败: %v", err)
	}
	if len(versions) != 1 || versions[0].Version != 1 {
		t.Fatalf("应保存版本 1 的快照: %+v", versions)
	}
}

func TestProfileRollbackCreatesNewVersion(t *testing.T) {
	ctx := context.Background()
	svc := NewService(setupProfileTestDB(t))

	created, err := svc.CreateProfile(ctx, &CreateProfileInput{
		TenantID:    "tenant-A",
		WorkspaceID: "ws-1",
		Name:        "招生沟通",
		Tone:        "supportive",
	})
	if err != nil {
		t.Fatalf("创建档案失败: %v", err)
	}

	tone := "urgent"
	if _, err := svc.UpdateProfile(ctx, created.ID, &UpdateProfileInput{Tone: &tone}); err != nil {
		t.Fatalf("编辑档案失败: %v", err)
	}

	// 回滚到版本 1：内容恢复，版本号继续递增
	rolled, err := svc.Rollback(ctx, created.ID, 1)
	if err != nil {
		t.Fatalf("回滚失败: %v", err)
	}
	if rolled.Version != 3 {
		t.Fatalf("回滚应产生新版本 3: %d", rolled.Version)
	}
	if rolled.Tone != "supportive" {
		t.Fatalf("回滚后语气应恢复: %s", rolled.Tone)
	}
}

func TestProfileRollbackUnknownVersion(t *testing.T) {
	ctx := context.Background()
	svc := NewService(setupProfileTestDB(t))

	created, err := svc.CreateProfile(ctx, &CreateProfileInput{
		TenantID:    "tenant-A",
		WorkspaceID: "ws-1",
		Name:        "招生沟通",
	})
	if err != nil {
		t.Fatalf("创建档案失败: %v", err)
	}

	if _, err := svc.Rollback(ctx, created.ID, 99); err == nil {
		t.Fatal("回滚到不存在的版本应报错")
	}
}
