package dispatch

import (
	"strings"
)

// 敏感字段键（大小写不敏感匹配）
var sensitiveKeys = []string{
	"email", "phone", "mobile", "address", "ssn",
	"password", "token", "secret", "api_key", "apikey",
	"first_name", "last_name", "firstname", "lastname", "name",
	"birthdate", "dob",
}

const redactedPlaceholder = "[REDACTED]"

// 预览正文截断长度
const previewBodyLimit = 200

// RedactPayload 返回可安全落库/外发的载荷副本：敏感键替换为占位符，长文本截断
func RedactPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		if isSensitiveKey(key) {
			out[key] = redactedPlaceholder
			continue
		}
		switch v := value.(type) {
		case string:
			out[key] = truncate(v, previewBodyLimit)
		case map[string]any:
			out[key] = RedactPayload(v)
		default:
			out[key] = value
		}
	}
	return out
}

// BuildPreview 构建审批请求的脱敏预览
func BuildPreview(draft *DraftMessage, payload map[string]any) map[string]any {
	preview := map[string]any{}
	if draft != nil {
		preview["channel"] = draft.Channel
		preview["subject"] = draft.Subject
		preview["body"] = truncate(draft.Body, previewBodyLimit)
	}
	for key, value := range RedactPayload(payload) {
		if _, exists := preview[key]; !exists {
			preview[key] = value
		}
	}
	return preview
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if lower == s {
			return true
		}
	}
	return false
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
