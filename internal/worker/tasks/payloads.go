package tasks

// Task Types
const (
	TypeAgentRun = "agent:run"
)

// AgentRunPayload Agent 运行任务载荷
// 只携带作业 ID，载荷细节留在队列作业表里
type AgentRunPayload struct {
	JobID string `json:"job_id"`
}
