package api

import (
	agentHandlers "backend/api/handlers/agents"
	approvalHandlers "backend/api/handlers/approvals"
	auditHandlers "backend/api/handlers/audit"
	flowHandlers "backend/api/handlers/flows"
	narrativeHandlers "backend/api/handlers/narratives"
	runHandlers "backend/api/handlers/runs"

	agentSvc "backend/internal/agent"
	"backend/internal/approval"
	auditpkg "backend/internal/audit"
	"backend/internal/autonomous"
	"backend/internal/config"
	"backend/internal/dispatch"
	"backend/internal/flow"
	"backend/internal/guardrail"
	"backend/internal/infra/queue"
	"backend/internal/jobs"
	"backend/internal/logger"
	"backend/internal/metrics"
	"backend/internal/narrative"
	"backend/internal/run"
	"backend/internal/worker"
	"backend/internal/worker/tasks"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handlers 聚合全部 HTTP Handler
type Handlers struct {
	Agent     *agentHandlers.AgentHandler
	Run       *runHandlers.RunHandler
	Approval  *approvalHandlers.ApprovalHandler
	Narrative *narrativeHandlers.ProfileHandler
	Flow      *flowHandlers.FlowHandler
	Audit     *auditHandlers.AuditHandler
}

// SetupRouter 设置并返回 Gin 路由、Worker 服务器与维护调度器
func SetupRouter(db *gorm.DB, cfg *config.Config) (*gin.Engine, *worker.Server, *worker.Maintenance) {
	router := gin.New()

	// 初始化队列客户端（asynq，用于异步触发）
	queueClient := queue.NewClient(cfg.Redis)

	// 领域服务
	agentService := agentSvc.NewService(db)
	profileService := narrative.NewService(db)
	flowService := flow.NewService(db)
	auditRecorder := auditpkg.NewRecorder(db)
	approvalManager := approval.NewManager(db)
	limiter := guardrail.NewLimiter(db, agentService, auditRecorder, cfg.Guardrail)
	dispatcher := dispatch.NewDispatcher(db, approvalManager, cfg.Features, cfg.Connectors)
	flowRunner := flow.NewRunner(dispatcher)
	autoRunner := autonomous.NewRunner(dispatcher, auditRecorder)
	orchestrator := run.NewOrchestrator(db, agentService, flowService, profileService,
		limiter, flowRunner, autoRunner, auditRecorder)

	// 作业队列：同步触发与后台排空共用同一套锁与限流
	jobQueue := jobs.NewQueue(db,
		jobs.WithWorkspaceConcurrency(cfg.Queue.WorkspaceConcurrency),
		jobs.WithDefaultMaxRetries(cfg.Queue.DefaultMaxRetries),
	)
	if err := jobQueue.Register(tasks.TypeAgentRun, run.NewJobHandler(orchestrator)); err != nil {
		logger.Fatal("注册作业处理器失败", zap.Error(err))
	}

	workerServer := worker.NewServer(cfg.Redis, cfg.Queue.WorkerConcurrency, jobQueue, logger.Get())
	maintenance := worker.NewMaintenance(jobQueue, approvalManager, orchestrator, logger.Get())
	if err := maintenance.Start(cfg.Queue.DrainInterval); err != nil {
		logger.Fatal("启动维护调度器失败", zap.Error(err))
	}

	// 全局中间件
	router.Use(gin.Recovery(), RequestLogger(), CORS(), metrics.PrometheusMiddleware())

	// 系统端点
	router.GET("/health", HealthCheck(db))
	router.GET("/ready", ReadinessCheck(db))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handlers := &Handlers{
		Agent:     agentHandlers.NewAgentHandler(agentService),
		Run:       runHandlers.NewRunHandler(orchestrator, jobQueue, queueClient),
		Approval:  approvalHandlers.NewApprovalHandler(approvalManager),
		Narrative: narrativeHandlers.NewProfileHandler(profileService),
		Flow:      flowHandlers.NewFlowHandler(flowService),
		Audit:     auditHandlers.NewAuditHandler(auditRecorder, jobQueue),
	}
	RegisterRoutes(router, handlers)

	return router, workerServer, maintenance
}
