package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func setupQueueTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:queue_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("打开 sqlite 失败: %v", err)
	}
	if err := db.AutoMigrate(&Job{}, &DeadLetterEntry{}); err != nil {
		t.Fatalf("迁移 schema 失败: %v", err)
	}
	return db
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	q := NewQueue(setupQueueTestDB(t))

	handler := func(ctx context.Context, job *Job) (map[string]any, error) { return nil, nil }
	if err := q.Register("agent:run", handler); err != nil {
		t.Fatalf("首次注册不应失败: %v", err)
	}
	if err := q.Register("agent:run", handler); !errors.Is(err, ErrHandlerRegistered) {
		t.Fatalf("重复注册应返回 ErrHandlerRegistered: %v", err)
	}
}

func TestRunJobByIDStoresResult(t *testing.T) {
	ctx := context.Background()
	db := setupQueueTestDB(t)
	q := NewQueue(db)

	if err := q.Register("agent:run", func(ctx context.Context, job *Job) (map[string]any, error) {
		return map[string]any{"run_id": "run-42", "status": "success"}, nil
	}); err != nil {
		t.Fatalf("注册处理器失败: %v", err)
	}

	job, err := q.Enqueue(ctx, &EnqueueInput{
		TenantID:    "tenant-A",
		WorkspaceID: "ws-1",
		AgentID:     "agent-1",
		Type:        "agent:run",
	})
	if err != nil {
		t.Fatalf("提交作业失败: %v", err)
	}

	done, err := q.RunJobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("同步执行失败: %v", err)
	}
	if done.Status != JobSucceeded {
		t.Fatalf("作业状态应为 succeeded: %s", done.Status)
	}
	if done.Result["run_id"] != "run-42" {
		t.Fatalf("处理器结果未持久化: %+v", done.Result)
	}

	// 已执行的作业不能再次同步执行
	if _, err := q.RunJobByID(ctx, job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("重复执行应返回 ErrJobNotFound: %v", err)
	}
}

func TestEnqueueUnknownTypeRejected(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(setupQueueTestDB(t))

	if _, err := q.Enqueue(ctx, &EnqueueInput{Type: "no-such-type"}); !errors.Is(err, ErrHandlerNotFound) {
		t.Fatalf("未注册类型应被拒绝: %v", err)
	}
}

func TestRetryExhaustionDeadLettersOnce(t *testing.T) {
	ctx := context.Background()
	db := setupQueueTestDB(t)
	q := NewQueue(db)

	attempts := 0
	if err := q.Register("agent:run", func(ctx context.Context, job *Job) (map[string]any, error) {
		attempts++
		return nil, errors.New("下游持续失败")
	}); err != nil {
		t.Fatalf("注册处理器失败: %v", err)
	}

	job, err := q.Enqueue(ctx, &EnqueueInput{
		TenantID:    "tenant-A",
		WorkspaceID: "ws-1",
		AgentID:     "agent-1",
		Type:        "agent:run",
		Payload:     map[string]any{"email": "student@example.edu", "mode": "dry_run"},
	}, WithMaxRetries(2))
	if err != nil {
		t.Fatalf("提交作业失败: %v", err)
	}

	// maxRetries=2 表示总共 3 次尝试；测试里手动回拨退避时间推进重试
	for i := 0; i < 3; i++ {
		processed, err := q.ProcessNextJob(ctx)
		if err != nil {
			t.Fatalf("第 %d 次处理失败: %v", i+1, err)
		}
		if !processed {
			t.Fatalf("第 %d 次应有作业可处理", i+1)
		}
		if err := db.Model(&Job{}).Where("id = ? AND status = ?", job.ID, JobFailed).
			Update("next_retry_at", time.Now().UTC().Add(-time.Second)).Error; err != nil {
			t.Fatalf("回拨退避时间失败: %v", err)
		}
	}

	if attempts != 3 {
		t.Fatalf("应尝试 3 次: %d", attempts)
	}

	var final Job
	if err := db.Where("id = ?", job.ID).First(&final).Error; err != nil {
		t.Fatalf("查询作业失败: %v", err)
	}
	if final.Status != JobDead {
		t.Fatalf("重试耗尽后状态应为 dead: %s", final.Status)
	}

	// 死信恰好一条，且载荷已脱敏
	var entries []DeadLetterEntry
	if err := db.Find(&entries).Error; err != nil {
		t.Fatalf("查询死信失败: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("应恰好有 1 条死信: %d", len(entries))
	}
	if entries[0].PayloadSummary["email"] != "[REDACTED]" {
		t.Fatalf("死信载荷应脱敏: %v", entries[0].PayloadSummary)
	}
	if entries[0].PayloadSummary["mode"] != "dry_run" {
		t.Fatalf("非敏感字段应保留: %v", entries[0].PayloadSummary)
	}

	// 死信作业不再被取出
	processed, err := q.ProcessNextJob(ctx)
	if err != nil {
		t.Fatalf("处理失败: %v", err)
	}
	if processed {
		t.Fatal("死信作业不应再被处理")
	}
}

func TestRunJobByIDPropagatesHandlerError(t *testing.T) {
	ctx := context.Background()
	db := setupQueueTestDB(t)
	q := NewQueue(db)

	handlerErr := errors.New("下游拒绝请求")
	if err := q.Register("agent:run", func(ctx context.Context, job *Job) (map[string]any, error) {
		return nil, handlerErr
	}); err != nil {
		t.Fatalf("注册处理器失败: %v", err)
	}

	job, err := q.Enqueue(ctx, &EnqueueInput{
		TenantID:    "tenant-A",
		WorkspaceID: "ws-1",
		AgentID:     "agent-1",
		Type:        "agent:run",
	})
	if err != nil {
		t.Fatalf("提交作业失败: %v", err)
	}

	// 同步执行把处理器的失败原样返回给调用方
	done, err := q.RunJobByID(ctx, job.ID)
	if !errors.Is(err, handlerErr) {
		t.Fatalf("应返回处理器的错误: %v", err)
	}
	if done == nil || done.Status != JobFailed {
		t.Fatalf("作业应落为 failed: %+v", done)
	}
	if done.LastError != handlerErr.Error() {
		t.Fatalf("作业应记录失败原因: %s", done.LastError)
	}
	if done.NextRetryAt != nil {
		t.Fatalf("同步失败的作业不应安排重试: %v", done.NextRetryAt)
	}

	// 同步失败是终态：后台排空不会再捡起，也不会产生重复副作用
	processed, err := q.ProcessNextJob(ctx)
	if err != nil {
		t.Fatalf("处理失败: %v", err)
	}
	if processed {
		t.Fatal("同步失败的作业不应被后台重新执行")
	}
	var dlqCount int64
	if err := db.Model(&DeadLetterEntry{}).Count(&dlqCount).Error; err != nil {
		t.Fatalf("统计死信失败: %v", err)
	}
	if dlqCount != 0 {
		t.Fatalf("同步失败不应入死信: %d", dlqCount)
	}
}

func TestUnregisteredHandlerFailsJob(t *testing.T) {
	ctx := context.Background()
	db := setupQueueTestDB(t)
	q := NewQueue(db)

	// 作业由旧进程持久化，其类型在本进程没有注册
	now := time.Now().UTC()
	orphan := &Job{
		ID:          "job-orphan",
		TenantID:    "tenant-A",
		WorkspaceID: "ws-1",
		AgentID:     "agent-1",
		Type:        "ghost:run",
		Status:      JobPending,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.Create(orphan).Error; err != nil {
		t.Fatalf("写入作业失败: %v", err)
	}

	if _, err := q.RunJobByID(ctx, orphan.ID); !errors.Is(err, ErrHandlerNotFound) {
		t.Fatalf("缺少处理器应返回 ErrHandlerNotFound: %v", err)
	}

	var final Job
	if err := db.Where("id = ?", orphan.ID).First(&final).Error; err != nil {
		t.Fatalf("查询作业失败: %v", err)
	}
	if final.Status != JobFailed {
		t.Fatalf("作业应落为 failed: %s", final.Status)
	}
	if final.LastError == "" {
		t.Fatal("作业应记录失败原因")
	}
}

func TestAgentLockFailFast(t *testing.T) {
	ctx := context.Background()
	db := setupQueueTestDB(t)
	q := NewQueue(db)

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	if err := q.Register("agent:run", func(ctx context.Context, job *Job) (map[string]any, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	}); err != nil {
		t.Fatalf("注册处理器失败: %v", err)
	}

	first, err := q.Enqueue(ctx, &EnqueueInput{TenantID: "t", WorkspaceID: "ws-1", AgentID: "agent-1", Type: "agent:run"})
	if err != nil {
		t.Fatalf("提交作业失败: %v", err)
	}
	second, err := q.Enqueue(ctx, &EnqueueInput{TenantID: "t", WorkspaceID: "ws-1", AgentID: "agent-1", Type: "agent:run"})
	if err != nil {
		t.Fatalf("提交作业失败: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := q.RunJobByID(ctx, first.ID)
		errCh <- err
	}()
	<-started

	// 同一 Agent 的第二次触发必须立即失败
	if _, err := q.RunJobByID(ctx, second.ID); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("同一 Agent 并发触发应返回 ErrRunInProgress: %v", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("首次执行不应失败: %v", err)
	}

	// 锁释放后可以再次执行
	if _, err := q.RunJobByID(ctx, second.ID); err != nil {
		t.Fatalf("锁释放后应可执行: %v", err)
	}
}

func TestWorkspaceConcurrencyCap(t *testing.T) {
	ctx := context.Background()
	db := setupQueueTestDB(t)
	q := NewQueue(db, WithWorkspaceConcurrency(1))

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	if err := q.Register("agent:run", func(ctx context.Context, job *Job) (map[string]any, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	}); err != nil {
		t.Fatalf("注册处理器失败: %v", err)
	}

	first, err := q.Enqueue(ctx, &EnqueueInput{TenantID: "t", WorkspaceID: "ws-1", AgentID: "agent-1", Type: "agent:run"})
	if err != nil {
		t.Fatalf("提交作业失败: %v", err)
	}
	second, err := q.Enqueue(ctx, &EnqueueInput{TenantID: "t", WorkspaceID: "ws-1", AgentID: "agent-2", Type: "agent:run"})
	if err != nil {
		t.Fatalf("提交作业失败: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := q.RunJobByID(ctx, first.ID)
		errCh <- err
	}()
	<-started

	// 不同 Agent 但同一工作区，超过并发上限应被拒绝
	if _, err := q.RunJobByID(ctx, second.ID); !errors.Is(err, ErrWorkspaceBusy) {
		t.Fatalf("超过工作区并发上限应返回 ErrWorkspaceBusy: %v", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("首次执行不应失败: %v", err)
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 60 * time.Second},
		{1, 120 * time.Second},
		{2, 240 * time.Second},
		{3, 480 * time.Second},
		{4, 600 * time.Second},
		{10, 600 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.retryCount); got != tc.want {
			t.Fatalf("retryCount=%d: got %v, want %v", tc.retryCount, got, tc.want)
		}
	}
}
