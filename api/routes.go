package api

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes 注册所有 API 路由
func RegisterRoutes(router *gin.Engine, h *Handlers) {
	apiV1 := router.Group("/api/v1")
	apiV1.Use(WorkspaceContext())

	registerAgentRoutes(apiV1, h)
	registerRunRoutes(apiV1, h)
	registerApprovalRoutes(apiV1, h)
	registerNarrativeRoutes(apiV1, h)
	registerAuditRoutes(apiV1, h)
}

// registerAgentRoutes Agent 管理、规则流与解释性事件
func registerAgentRoutes(group *gin.RouterGroup, h *Handlers) {
	agents := group.Group("/agents")
	{
		agents.POST("", h.Agent.Create)
		agents.GET("", h.Agent.List)
		agents.GET("/:id", h.Agent.Get)
		agents.POST("/:id/activate", h.Agent.Activate)
		agents.POST("/:id/pause", h.Agent.Pause)
		agents.POST("/:id/resume", h.Agent.Resume)
		agents.POST("/:id/deactivate", h.Agent.Deactivate)

		agents.POST("/:id/runs", h.Run.Trigger)
		agents.GET("/:id/runs", h.Run.ListForAgent)

		agents.POST("/:id/flow", h.Flow.Save)
		agents.GET("/:id/flow", h.Flow.GetActive)
		agents.GET("/:id/flow/versions", h.Flow.ListVersions)

		agents.GET("/:id/explainability", h.Audit.ListExplainability)
	}
}

// registerRunRoutes 运行与作业查询
func registerRunRoutes(group *gin.RouterGroup, h *Handlers) {
	group.GET("/runs/:id", h.Run.Get)
	group.GET("/jobs/:id", h.Run.GetJob)
}

// registerApprovalRoutes 审批审阅
func registerApprovalRoutes(group *gin.RouterGroup, h *Handlers) {
	approvals := group.Group("/approvals")
	{
		approvals.GET("", h.Approval.ListPending)
		approvals.GET("/:id", h.Approval.Get)
		approvals.POST("/:id/approve", h.Approval.Approve)
		approvals.POST("/:id/reject", h.Approval.Reject)
	}
}

// registerNarrativeRoutes 叙事档案治理
func registerNarrativeRoutes(group *gin.RouterGroup, h *Handlers) {
	profiles := group.Group("/narrative-profiles")
	{
		profiles.POST("", h.Narrative.Create)
		profiles.GET("/:id", h.Narrative.Get)
		profiles.PUT("/:id", h.Narrative.Update)
		profiles.POST("/:id/rollback", h.Narrative.Rollback)
		profiles.GET("/:id/versions", h.Narrative.ListVersions)
		profiles.POST("/:id/check", h.Narrative.Check)
	}
}

// registerAuditRoutes 审计查询
func registerAuditRoutes(group *gin.RouterGroup, h *Handlers) {
	auditGroup := group.Group("/audit")
	{
		auditGroup.GET("/logs", h.Audit.ListLogs)
		auditGroup.GET("/dead-letters", h.Audit.ListDeadLetters)
	}
}
