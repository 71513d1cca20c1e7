package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"backend/internal/agent"
	"backend/internal/approval"
	"backend/internal/config"
	"backend/internal/narrative"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func setupDispatchTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:dispatch_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("打开 sqlite 失败: %v", err)
	}
	if err := db.AutoMigrate(
		&AgentActionLog{},
		&MessageArtifact{},
		&approval.ApprovalRequest{},
	); err != nil {
		t.Fatalf("迁移 schema 失败: %v", err)
	}
	return db
}

func testAgent(requiresApproval bool) *agent.Agent {
	flag := requiresApproval
	return &agent.Agent{
		ID:          "agent-1",
		TenantID:    "tenant-A",
		WorkspaceID: "ws-1",
		Name:        "outreach",
		Type:        agent.TypeAutonomous,
		Status:      agent.StatusActive,
		Tools: agent.ToolConfigs{
			agent.ChannelEmail:   {Enabled: true, RequiresApproval: &flag, Subject: "Campus tour", BodyTemplate: "Hi {{First name}}, join our campus tour"},
			agent.ChannelSMS:     {Enabled: true, RequiresApproval: &flag},
			agent.ChannelWebhook: {Enabled: true, RequiresApproval: &flag},
		},
	}
}

func testRunContext(ag *agent.Agent, mode string) *RunContext {
	return &RunContext{
		TenantID:    ag.TenantID,
		WorkspaceID: ag.WorkspaceID,
		RunID:       "run-1",
		Agent:       ag,
		Mode:        mode,
	}
}

func emailItem() ActionPlanItem {
	return ActionPlanItem{
		Channel:    agent.ChannelEmail,
		ActionType: ActionSendEmail,
		TargetID:   "contact-1",
	}
}

func TestDispatchDryRunProducesDraft(t *testing.T) {
	ctx := context.Background()
	db := setupDispatchTestDB(t)
	d := NewDispatcher(db, approval.NewManager(db), config.FeaturesConfig{LiveEmailSend: true}, config.ConnectorsConfig{})

	res := d.Dispatch(ctx, testRunContext(testAgent(false), ModeDryRun), emailItem())
	if res.Status != StatusDrafted {
		t.Fatalf("试运行应产出草稿: %s", res.Status)
	}
	if res.Counts.Drafted != 1 || res.Counts.Executed != 0 || res.Counts.MessagesSent != 0 {
		t.Fatalf("计数不正确: %+v", res.Counts)
	}
}

func TestDispatchLiveFlagOffStaysDraft(t *testing.T) {
	ctx := context.Background()
	db := setupDispatchTestDB(t)
	d := NewDispatcher(db, approval.NewManager(db), config.FeaturesConfig{}, config.ConnectorsConfig{})

	res := d.Dispatch(ctx, testRunContext(testAgent(false), ModeLive), emailItem())
	if res.Status != StatusDrafted {
		t.Fatalf("实投开关关闭时应停留在草稿: %s", res.Status)
	}
}

func TestDispatchLiveExecutes(t *testing.T) {
	ctx := context.Background()
	db := setupDispatchTestDB(t)
	d := NewDispatcher(db, approval.NewManager(db), config.FeaturesConfig{LiveEmailSend: true}, config.ConnectorsConfig{})

	res := d.Dispatch(ctx, testRunContext(testAgent(false), ModeLive), emailItem())
	if res.Status != StatusExecuted {
		t.Fatalf("活跃模式且开关开启时应执行: %s", res.Status)
	}
	if res.Counts.Executed != 1 || res.Counts.MessagesSent != 1 {
		t.Fatalf("计数不正确: %+v", res.Counts)
	}
}

func TestDispatchApprovalGateWinsOverLive(t *testing.T) {
	ctx := context.Background()
	db := setupDispatchTestDB(t)
	d := NewDispatcher(db, approval.NewManager(db), config.FeaturesConfig{LiveEmailSend: true}, config.ConnectorsConfig{})

	// 需要审批的动作即便实投开关开启也不得直接执行
	res := d.Dispatch(ctx, testRunContext(testAgent(true), ModeLive), emailItem())
	if res.Status != StatusPendingApproval {
		t.Fatalf("应进入待审批: %s", res.Status)
	}
	if res.Counts.Executed != 0 || res.Counts.MessagesSent != 0 {
		t.Fatalf("待审批动作不应执行: %+v", res.Counts)
	}
	if res.Counts.ApprovalsCreated != 1 {
		t.Fatalf("应创建审批请求: %+v", res.Counts)
	}

	var reqs []approval.ApprovalRequest
	if err := db.Find(&reqs).Error; err != nil {
		t.Fatalf("查询审批请求失败: %v", err)
	}
	if len(reqs) != 1 || reqs[0].Status != approval.StatusPending {
		t.Fatalf("审批请求状态不正确: %+v", reqs)
	}
}

func TestDispatchPolicyBlocks(t *testing.T) {
	ctx := context.Background()
	db := setupDispatchTestDB(t)
	d := NewDispatcher(db, approval.NewManager(db), config.FeaturesConfig{LiveEmailSend: true}, config.ConnectorsConfig{})

	rc := testRunContext(testAgent(false), ModeLive)
	rc.Profile = &narrative.NarrativeProfile{
		ID:            "profile-1",
		Version:       2,
		BlockedTopics: []string{"Financial aid"},
	}

	item := emailItem()
	item.Payload = map[string]any{"body": "Apply for fafsa before the deadline"}

	res := d.Dispatch(ctx, rc, item)
	if res.Status != StatusBlocked {
		t.Fatalf("命中策略的动作应被拦截: %s", res.Status)
	}
	if res.Counts.Blocked != 1 || res.Counts.Executed != 0 {
		t.Fatalf("计数不正确: %+v", res.Counts)
	}

	// 无论结果如何都要写内容留痕
	var artifacts []MessageArtifact
	if err := db.Find(&artifacts).Error; err != nil {
		t.Fatalf("查询消息留痕失败: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("应有 1 条消息留痕: %d", len(artifacts))
	}
	if artifacts[0].PolicyAllowed {
		t.Fatal("留痕应记录拦截结果")
	}
	if artifacts[0].BlockReason != "Blocked topic: Financial aid" {
		t.Fatalf("拦截原因不正确: %s", artifacts[0].BlockReason)
	}
	if artifacts[0].ProfileVersion != 2 {
		t.Fatalf("留痕应记录档案版本: %d", artifacts[0].ProfileVersion)
	}
}

func TestDispatchWebhookAllowlist(t *testing.T) {
	ctx := context.Background()
	db := setupDispatchTestDB(t)
	connectors := config.ConnectorsConfig{
		Webhook: config.WebhookConnectorConfig{
			BaseURL:      "https://hooks.example.edu",
			AllowedPaths: []string{"/crm/update-record"},
		},
	}
	d := NewDispatcher(db, approval.NewManager(db), config.FeaturesConfig{LiveWebhookCall: true}, connectors)

	ag := testAgent(false)
	rc := testRunContext(ag, ModeLive)

	allowed := ActionPlanItem{
		Channel:    agent.ChannelWebhook,
		ActionType: ActionCallWebhook,
		Payload:    map[string]any{"path": "/crm/update-record"},
	}
	if res := d.Dispatch(ctx, rc, allowed); res.Status != StatusExecuted {
		t.Fatalf("白名单路径应执行: %s", res.Status)
	}

	denied := ActionPlanItem{
		Channel:    agent.ChannelWebhook,
		ActionType: ActionCallWebhook,
		Payload:    map[string]any{"path": "/admin/delete-everything"},
	}
	res := d.Dispatch(ctx, rc, denied)
	if res.Status != StatusFailed {
		t.Fatalf("白名单之外的路径应失败: %s", res.Status)
	}
	if res.Counts.Failed != 1 {
		t.Fatalf("计数不正确: %+v", res.Counts)
	}
}

func TestDispatchSFMCAllowlist(t *testing.T) {
	ctx := context.Background()
	db := setupDispatchTestDB(t)
	connectors := config.ConnectorsConfig{
		SFMC: config.SFMCConnectorConfig{
			AllowedDataExtensions: []string{"prospect_outreach"},
			AllowedJourneys:       []string{"reengagement"},
		},
	}
	d := NewDispatcher(db, approval.NewManager(db), config.FeaturesConfig{LiveSFMCSync: true}, connectors)

	ag := testAgent(false)
	ag.Tools[agent.ChannelSFMC] = agent.ToolConfig{Enabled: true, RequiresApproval: boolPtr(false)}
	rc := testRunContext(ag, ModeLive)

	ok := ActionPlanItem{
		Channel:    agent.ChannelSFMC,
		ActionType: ActionSyncSFMC,
		Payload:    map[string]any{"journey": "reengagement"},
	}
	if res := d.Dispatch(ctx, rc, ok); res.Status != StatusExecuted {
		t.Fatalf("白名单旅程应执行: %s", res.Status)
	}

	bad := ActionPlanItem{
		Channel:    agent.ChannelSFMC,
		ActionType: ActionSyncSFMC,
		Payload:    map[string]any{"data_extension": "all_students"},
	}
	if res := d.Dispatch(ctx, rc, bad); res.Status != StatusFailed {
		t.Fatalf("白名单之外的数据扩展应失败: %s", res.Status)
	}
}

func TestRedactPayload(t *testing.T) {
	payload := map[string]any{
		"email":   "student@example.edu",
		"stage":   "applied",
		"contact": map[string]any{"phone": "555-0100", "city": "Springfield"},
	}

	redacted := RedactPayload(payload)
	if redacted["email"] != "[REDACTED]" {
		t.Fatalf("email 应脱敏: %v", redacted["email"])
	}
	if redacted["stage"] != "applied" {
		t.Fatalf("非敏感字段不应变化: %v", redacted["stage"])
	}
	nested := redacted["contact"].(map[string]any)
	if nested["phone"] != "[REDACTED]" || nested["city"] != "Springfield" {
		t.Fatalf("嵌套脱敏不正确: %v", nested)
	}
	// 原载荷不受影响
	if payload["email"] != "student@example.edu" {
		t.Fatal("脱敏不应修改原载荷")
	}
}

func boolPtr(v bool) *bool {
	return &v
}
