package narrative

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// defaultTopicKeywords 话题关键词表
// 数据驱动的规则表，代替真实分类器；可通过 WithTopicTable 替换调优
var defaultTopicKeywords = map[string][]string{
	"Financial aid":    {"fafsa", "financial aid", "tuition", "scholarship", "grant", "loan"},
	"Enrollment":       {"enroll", "enrollment", "admission", "register for classes", "orientation"},
	"Housing":          {"housing", "dorm", "residence hall", "roommate"},
	"Academic support": {"tutoring", "advising", "academic support", "study group"},
	"Athletics":        {"athletics", "varsity", "tryout", "intramural"},
	"Campus visit":     {"campus visit", "campus tour", "open house", "info session"},
	"Career services":  {"career", "internship", "job fair", "resume"},
}

var personalizationPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Engine 叙事策略引擎：无状态的内容检查器
type Engine struct {
	topicKeywords map[string][]string
}

// EngineOption 引擎配置
type EngineOption func(*Engine)

// WithTopicTable 替换话题关键词表
func WithTopicTable(table map[string][]string) EngineOption {
	return func(e *Engine) {
		if len(table) > 0 {
			e.topicKeywords = table
		}
	}
}

// NewEngine 创建策略引擎
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{topicKeywords: defaultTopicKeywords}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DetectTopics 检测文本命中的话题（大小写不敏感的子串匹配，可同时命中多个）
func (e *Engine) DetectTopics(text string) []string {
	lowered := strings.ToLower(text)
	var detected []string
	for topic, keywords := range e.topicKeywords {
		for _, kw := range keywords {
			if strings.Contains(lowered, strings.ToLower(kw)) {
				detected = append(detected, topic)
				break
			}
		}
	}
	// map 遍历无序，排序保证结果稳定
	sort.Strings(detected)
	return detected
}

// DetectPersonalizationFields 提取文本中所有 {{token}} 占位符（原样返回内部内容）
func (e *Engine) DetectPersonalizationFields(text string) []string {
	matches := personalizationPattern.FindAllStringSubmatch(text, -1)
	var fields []string
	seen := make(map[string]struct{})
	for _, m := range matches {
		token := m[1]
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		fields = append(fields, token)
	}
	return fields
}

// CheckPolicy 对草稿内容执行策略检查
// 判定优先级（首个命中即为拦截原因）：
//  1. 话题命中拦截列表（档案拦截列表与 Agent 覆盖的并集）
//  2. 允许话题列表非空且话题不在其中（覆盖优先于档案）
//  3. 个性化字段不在允许列表内（允许列表为空时跳过该检查）
func (e *Engine) CheckPolicy(profile *NarrativeProfile, overrides *Overrides, subject, body string) *PolicyResult {
	combined := body
	if subject != "" {
		combined = subject + "\n" + body
	}

	result := &PolicyResult{
		Allowed:             true,
		TopicsDetected:      e.DetectTopics(combined),
		PersonalizationUsed: e.DetectPersonalizationFields(combined),
	}

	blocked := profile.BlockedTopics
	allowed := profile.AllowedTopics
	allowedFields := profile.AllowedPersonalization
	if overrides != nil {
		blocked = append(append([]string{}, blocked...), overrides.BlockedTopics...)
		if len(overrides.AllowedTopics) > 0 {
			allowed = overrides.AllowedTopics
		}
		if len(overrides.AllowedPersonalization) > 0 {
			allowedFields = overrides.AllowedPersonalization
		}
	}

	// 1. 拦截话题
	for _, topic := range result.TopicsDetected {
		if containsFold(blocked, topic) {
			result.Allowed = false
			result.BlockReason = fmt.Sprintf("Blocked topic: %s", topic)
			return result
		}
	}

	// 2. 允许话题白名单
	if len(allowed) > 0 {
		for _, topic := range result.TopicsDetected {
			if !containsFold(allowed, topic) {
				result.Allowed = false
				result.BlockReason = fmt.Sprintf("Topic not in allowed list: %s", topic)
				return result
			}
		}
	}

	// 3. 个性化字段白名单（列表为空则跳过）
	if len(allowedFields) > 0 {
		for _, field := range result.PersonalizationUsed {
			if !fieldAllowed(allowedFields, field) {
				result.Allowed = false
				result.BlockReason = fmt.Sprintf("Personalization field not allowed: %s", field)
				return result
			}
		}
	}

	return result
}

// containsFold 大小写不敏感的精确匹配
func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}

// fieldAllowed 个性化字段匹配：大小写不敏感，双向子串
func fieldAllowed(allowed []string, field string) bool {
	lowered := strings.ToLower(field)
	for _, item := range allowed {
		li := strings.ToLower(item)
		if strings.Contains(li, lowered) || strings.Contains(lowered, li) {
			return true
		}
	}
	return false
}
