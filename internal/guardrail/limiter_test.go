package guardrail

import (
	"context"
	"fmt"
	"testing"
	"time"

	"backend/internal/agent"
	"backend/internal/audit"
	"backend/internal/config"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func setupLimiterTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:guardrail_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("打开 sqlite 失败: %v", err)
	}
	if err := db.AutoMigrate(&agent.Agent{}, &audit.ExplainabilityEvent{}); err != nil {
		t.Fatalf("迁移 schema 失败: %v", err)
	}
	// 运行记录表按表名查询，这里直接建表避免包依赖环
	if err := db.Exec(`CREATE TABLE agent_runs (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		status TEXT NOT NULL,
		messages_sent INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL
	)`).Error; err != nil {
		t.Fatalf("建表失败: %v", err)
	}
	return db
}

func newTestAgent(t *testing.T, db *gorm.DB, limits agent.RateLimitConfig) *agent.Agent {
	t.Helper()
	ag := &agent.Agent{
		ID:          uuid.New().String(),
		TenantID:    "tenant-A",
		WorkspaceID: "ws-1",
		Name:        "招生外联",
		Type:        agent.TypeRuleFlow,
		Status:      agent.StatusActive,
		RateLimits:  limits,
	}
	if err := db.Create(ag).Error; err != nil {
		t.Fatalf("创建 Agent 失败: %v", err)
	}
	return ag
}

func insertRun(t *testing.T, db *gorm.DB, agentID, status string, messagesSent int, startedAt time.Time) {
	t.Helper()
	if err := db.Exec(
		"INSERT INTO agent_runs (id, agent_id, status, messages_sent, started_at) VALUES (?, ?, ?, ?, ?)",
		uuid.New().String(), agentID, status, messagesSent, startedAt,
	).Error; err != nil {
		t.Fatalf("插入运行记录失败: %v", err)
	}
}

func newTestLimiter(db *gorm.DB, defaults config.GuardrailConfig) *Limiter {
	return NewLimiter(db, agent.NewService(db), audit.NewRecorder(db), defaults)
}

func TestCheckAllowsUnderLimits(t *testing.T) {
	ctx := context.Background()
	db := setupLimiterTestDB(t)
	l := newTestLimiter(db, config.GuardrailConfig{})

	ag := newTestAgent(t, db, agent.RateLimitConfig{MaxActionsPerHour: 5})
	insertRun(t, db, ag.ID, "success", 1, time.Now().UTC().Add(-10*time.Minute))

	decision, err := l.Check(ctx, ag)
	if err != nil {
		t.Fatalf("检查失败: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("未超限时应放行: %+v", decision)
	}
}

func TestCheckDeniesActionsPerHour(t *testing.T) {
	ctx := context.Background()
	db := setupLimiterTestDB(t)
	l := newTestLimiter(db, config.GuardrailConfig{})

	ag := newTestAgent(t, db, agent.RateLimitConfig{MaxActionsPerHour: 3})
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		insertRun(t, db, ag.ID, "success", 0, now.Add(-time.Duration(i+1)*time.Minute))
	}
	// 窗口外的记录不计入
	insertRun(t, db, ag.ID, "success", 0, now.Add(-2*time.Hour))

	decision, err := l.Check(ctx, ag)
	if err != nil {
		t.Fatalf("检查失败: %v", err)
	}
	if decision.Allowed {
		t.Fatal("达到每小时动作上限应拒绝")
	}
	if decision.AutoPaused {
		t.Fatal("动作数超限不应触发自动熔断")
	}
}

func TestCheckDeniesMessagesPerDay(t *testing.T) {
	ctx := context.Background()
	db := setupLimiterTestDB(t)
	l := newTestLimiter(db, config.GuardrailConfig{})

	ag := newTestAgent(t, db, agent.RateLimitConfig{MaxMessagesPerDay: 10})
	now := time.Now().UTC()
	insertRun(t, db, ag.ID, "success", 6, now.Add(-2*time.Hour))
	insertRun(t, db, ag.ID, "partial", 4, now.Add(-20*time.Hour))
	// 24 小时窗口外的发送量不计入
	insertRun(t, db, ag.ID, "success", 100, now.Add(-30*time.Hour))

	decision, err := l.Check(ctx, ag)
	if err != nil {
		t.Fatalf("检查失败: %v", err)
	}
	if decision.Allowed {
		t.Fatal("达到每日消息上限应拒绝")
	}
}

func TestCheckErrorSpikeAutoPauses(t *testing.T) {
	ctx := context.Background()
	db := setupLimiterTestDB(t)
	l := newTestLimiter(db, config.GuardrailConfig{})

	ag := newTestAgent(t, db, agent.RateLimitConfig{
		MaxErrorsPerHour:      5,
		AutoPauseOnErrorSpike: true,
		ErrorSpikeThreshold:   5,
	})
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		insertRun(t, db, ag.ID, "failed", 0, now.Add(-time.Duration(i+1)*time.Minute))
	}

	decision, err := l.Check(ctx, ag)
	if err != nil {
		t.Fatalf("检查失败: %v", err)
	}
	if decision.Allowed {
		t.Fatal("错误数超限应拒绝")
	}
	if !decision.AutoPaused {
		t.Fatal("开启自动熔断且达到阈值时应熔断")
	}

	var paused agent.Agent
	if err := db.Where("id = ?", ag.ID).First(&paused).Error; err != nil {
		t.Fatalf("查询 Agent 失败: %v", err)
	}
	if paused.Status != agent.StatusPaused {
		t.Fatalf("熔断后 Agent 应为 paused: %s", paused.Status)
	}

	// 每次拒绝恰好记录一条熔断事件
	var events []audit.ExplainabilityEvent
	if err := db.Where("agent_id = ? AND event_type = ?", ag.ID, audit.EventGuardrailTriggered).
		Find(&events).Error; err != nil {
		t.Fatalf("查询熔断事件失败: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("应恰好记录 1 条熔断事件: %d", len(events))
	}
	if events[0].Detail["auto_paused"] != true {
		t.Fatalf("事件应标记自动熔断: %v", events[0].Detail)
	}
}

func TestCheckErrorCapWithoutAutoPause(t *testing.T) {
	ctx := context.Background()
	db := setupLimiterTestDB(t)
	l := newTestLimiter(db, config.GuardrailConfig{})

	ag := newTestAgent(t, db, agent.RateLimitConfig{MaxErrorsPerHour: 2})
	now := time.Now().UTC()
	insertRun(t, db, ag.ID, "failed", 0, now.Add(-5*time.Minute))
	insertRun(t, db, ag.ID, "failed", 0, now.Add(-10*time.Minute))

	decision, err := l.Check(ctx, ag)
	if err != nil {
		t.Fatalf("检查失败: %v", err)
	}
	if decision.Allowed {
		t.Fatal("错误数超限应拒绝")
	}
	if decision.AutoPaused {
		t.Fatal("未开启自动熔断时不应暂停")
	}

	var unchanged agent.Agent
	if err := db.Where("id = ?", ag.ID).First(&unchanged).Error; err != nil {
		t.Fatalf("查询 Agent 失败: %v", err)
	}
	if unchanged.Status != agent.StatusActive {
		t.Fatalf("Agent 状态不应改变: %s", unchanged.Status)
	}
}

func TestCheckFallsBackToDefaults(t *testing.T) {
	ctx := context.Background()
	db := setupLimiterTestDB(t)
	l := newTestLimiter(db, config.GuardrailConfig{MaxActionsPerHour: 2})

	// Agent 未配置上限，回退到全局默认值
	ag := newTestAgent(t, db, agent.RateLimitConfig{})
	now := time.Now().UTC()
	insertRun(t, db, ag.ID, "success", 0, now.Add(-time.Minute))
	insertRun(t, db, ag.ID, "success", 0, now.Add(-2*time.Minute))

	decision, err := l.Check(ctx, ag)
	if err != nil {
		t.Fatalf("检查失败: %v", err)
	}
	if decision.Allowed {
		t.Fatal("默认上限生效时应拒绝")
	}
}

func TestCheckZeroMeansUnlimited(t *testing.T) {
	ctx := context.Background()
	db := setupLimiterTestDB(t)
	l := newTestLimiter(db, config.GuardrailConfig{})

	ag := newTestAgent(t, db, agent.RateLimitConfig{})
	now := time.Now().UTC()
	for i := 0; i < 50; i++ {
		insertRun(t, db, ag.ID, "success", 10, now.Add(-time.Duration(i)*time.Minute))
	}

	decision, err := l.Check(ctx, ag)
	if err != nil {
		t.Fatalf("检查失败: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("上限为 0 表示不限制: %+v", decision)
	}
}
