package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrunner_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrunner_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Run 执行指标
var (
	// RunsTotal Agent 运行总数
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrunner_runs_total",
			Help: "Agent 运行总数",
		},
		[]string{"agent_type", "status", "workspace_id"},
	)

	// RunDuration Agent 运行耗时（秒）
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrunner_run_duration_seconds",
			Help:    "Agent 运行耗时分布",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"agent_type"},
	)

	// DispatchActionsTotal 按渠道和终态统计的动作派发总数
	DispatchActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrunner_dispatch_actions_total",
			Help: "动作派发总数",
		},
		[]string{"channel", "status"},
	)

	// GuardrailDenialsTotal 速率限制拒绝总数
	GuardrailDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrunner_guardrail_denials_total",
			Help: "速率限制拒绝总数",
		},
		[]string{"reason", "workspace_id"},
	)

	// PolicyBlocksTotal 叙事策略拦截总数
	PolicyBlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrunner_policy_blocks_total",
			Help: "叙事策略拦截总数",
		},
		[]string{"channel"},
	)
)

// 审批指标
var (
	// ApprovalPendingGauge 待审批数量
	ApprovalPendingGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentrunner_approvals_pending",
			Help: "待审批请求数量",
		},
		[]string{"workspace_id"},
	)

	// ApprovalDecisionsTotal 审批决策总数
	ApprovalDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrunner_approval_decisions_total",
			Help: "审批决策总数",
		},
		[]string{"workspace_id", "status"},
	)
)

// 队列指标
var (
	// QueueJobsTotal 作业处理总数
	QueueJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrunner_queue_jobs_total",
			Help: "作业处理总数",
		},
		[]string{"type", "status"},
	)

	// DeadLetterTotal 死信总数
	DeadLetterTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrunner_dead_letter_total",
			Help: "进入死信队列的作业总数",
		},
		[]string{"type"},
	)
)
