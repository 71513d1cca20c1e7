package approval

import (
	"backend/internal/agent"
)

// MessageRequiresApproval 消息渠道是否需要人工审批
// 默认需要：只有 email 与 sms 两个渠道都显式设置 requiresApproval=false 时才免审
func MessageRequiresApproval(ag *agent.Agent) bool {
	email := ag.Tool(agent.ChannelEmail)
	sms := ag.Tool(agent.ChannelSMS)
	if email.RequiresApproval != nil && !*email.RequiresApproval &&
		sms.RequiresApproval != nil && !*sms.RequiresApproval {
		return false
	}
	return true
}

// ConnectorActionRequiresApproval 连接器动作（webhook/sfmc）是否需要人工审批
// 默认需要：仅当该连接器显式设置 requiresApproval=false 时免审
func ConnectorActionRequiresApproval(ag *agent.Agent, connector string) bool {
	cfg := ag.Tool(connector)
	if cfg.RequiresApproval != nil && !*cfg.RequiresApproval {
		return false
	}
	return true
}
