package narrative

import (
	"reflect"
	"testing"
)

func sampleProfile() *NarrativeProfile {
	return &NarrativeProfile{
		ID:                     "profile-1",
		Name:                   "招生沟通",
		Version:                1,
		Tone:                   "supportive",
		AllowedTopics:          []string{"Enrollment", "Campus visit"},
		BlockedTopics:          []string{"Financial aid"},
		AllowedPersonalization: []string{"First name", "Deadline date"},
	}
}

func TestDetectTopics(t *testing.T) {
	engine := NewEngine()

	topics := engine.DetectTopics("Your FAFSA deadline is coming up, submit your enrollment forms soon")
	want := []string{"Enrollment", "Financial aid"}
	if !reflect.DeepEqual(topics, want) {
		t.Fatalf("话题检测结果不正确: got %v, want %v", topics, want)
	}

	if got := engine.DetectTopics("nothing relevant here"); len(got) != 0 {
		t.Fatalf("不应检测到话题: %v", got)
	}
}

func TestDetectPersonalizationFields(t *testing.T) {
	engine := NewEngine()

	fields := engine.DetectPersonalizationFields("Hi {{First name}}, your deadline is {{Deadline date}}. Again: {{First name}}")
	want := []string{"First name", "Deadline date"}
	if !reflect.DeepEqual(fields, want) {
		t.Fatalf("个性化字段检测结果不正确: got %v, want %v", fields, want)
	}
}

func TestCheckPolicyBlockedTopic(t *testing.T) {
	engine := NewEngine()

	result := engine.CheckPolicy(sampleProfile(), nil, "", "Hi {{First name}}, apply for fafsa support today")
	if result.Allowed {
		t.Fatal("命中拦截话题的内容应被拦截")
	}
	if result.BlockReason != "Blocked topic: Financial aid" {
		t.Fatalf("拦截原因不正确: %s", result.BlockReason)
	}
	if !reflect.DeepEqual(result.TopicsDetected, []string{"Financial aid"}) {
		t.Fatalf("检测到的话题不正确: %v", result.TopicsDetected)
	}
}

func TestCheckPolicyAllowedListEnforced(t *testing.T) {
	engine := NewEngine()
	profile := sampleProfile()
	profile.BlockedTopics = nil

	// Housing 不在允许列表内
	result := engine.CheckPolicy(profile, nil, "", "We have new dorm and housing options for you")
	if result.Allowed {
		t.Fatal("不在允许列表的话题应被拦截")
	}
	if result.BlockReason != "Topic not in allowed list: Housing" {
		t.Fatalf("拦截原因不正确: %s", result.BlockReason)
	}
}

func TestCheckPolicyAllowedListEmptySkipsCheck(t *testing.T) {
	engine := NewEngine()
	profile := sampleProfile()
	profile.BlockedTopics = nil
	profile.AllowedTopics = nil

	result := engine.CheckPolicy(profile, nil, "", "We have new housing options for you")
	if !result.Allowed {
		t.Fatalf("允许列表为空时不应拦截: %s", result.BlockReason)
	}
}

func TestCheckPolicyPersonalizationNotAllowed(t *testing.T) {
	engine := NewEngine()

	result := engine.CheckPolicy(sampleProfile(), nil, "", "Hi {{First name}}, your GPA is {{gpa}}. Visit campus soon")
	if result.Allowed {
		t.Fatal("未授权的个性化字段应被拦截")
	}
	if result.BlockReason != "Personalization field not allowed: gpa" {
		t.Fatalf("拦截原因不正确: %s", result.BlockReason)
	}
}

func TestCheckPolicyPersonalizationAllowed(t *testing.T) {
	engine := NewEngine()

	result := engine.CheckPolicy(sampleProfile(), nil, "", "Hi {{First name}}, submit by {{Deadline date}}. Visit campus soon")
	if !result.Allowed {
		t.Fatalf("合规内容不应被拦截: %s", result.BlockReason)
	}
	want := []string{"First name", "Deadline date"}
	if !reflect.DeepEqual(result.PersonalizationUsed, want) {
		t.Fatalf("个性化字段记录不正确: %v", result.PersonalizationUsed)
	}
}

func TestCheckPolicyOverridesUnionBlocked(t *testing.T) {
	engine := NewEngine()
	profile := sampleProfile()
	profile.BlockedTopics = nil

	// Agent 级覆盖把 Enrollment 加入拦截列表
	overrides := &Overrides{BlockedTopics: []string{"Enrollment"}}
	result := engine.CheckPolicy(profile, overrides, "", "Submit your enrollment application")
	if result.Allowed {
		t.Fatal("覆盖层的拦截话题应生效")
	}
	if result.BlockReason != "Blocked topic: Enrollment" {
		t.Fatalf("拦截原因不正确: %s", result.BlockReason)
	}
}

func TestCheckPolicyOverridesReplaceAllowedList(t *testing.T) {
	engine := NewEngine()
	profile := sampleProfile()
	profile.BlockedTopics = nil

	// 覆盖允许列表后 Campus visit 不再被允许
	overrides := &Overrides{AllowedTopics: []string{"Enrollment"}}
	result := engine.CheckPolicy(profile, overrides, "", "Schedule your campus visit today")
	if result.Allowed {
		t.Fatal("覆盖后的允许列表应生效")
	}
	if result.BlockReason != "Topic not in allowed list: Campus visit" {
		t.Fatalf("拦截原因不正确: %s", result.BlockReason)
	}
}

func TestCheckPolicySubjectIncluded(t *testing.T) {
	engine := NewEngine()

	// 主题行命中拦截话题
	result := engine.CheckPolicy(sampleProfile(), nil, "Scholarship opportunities", "Visit campus soon")
	if result.Allowed {
		t.Fatal("主题行命中拦截话题时应被拦截")
	}
}

func TestCustomTopicTable(t *testing.T) {
	engine := NewEngine(WithTopicTable(map[string][]string{
		"Custom": {"special keyword"},
	}))

	topics := engine.DetectTopics("this contains the SPECIAL Keyword here")
	if !reflect.DeepEqual(topics, []string{"Custom"}) {
		t.Fatalf("自定义话题表未生效: %v", topics)
	}
}
