package run

import (
	"context"

	"backend/internal/jobs"
)

// NewJobHandler 作业队列处理器：从作业载荷还原执行入参并交给编排器
// 同步触发与后台触发都经这里进入编排器，共用队列的 Agent 互斥与工作区并发控制
func NewJobHandler(o *Orchestrator) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job) (map[string]any, error) {
		result, err := o.Execute(ctx, &ExecuteInput{
			AgentID:        job.AgentID,
			WorkspaceID:    job.WorkspaceID,
			Mode:           stringField(job.Payload, "mode"),
			SampleTargets:  stringSliceField(job.Payload, "sample_targets"),
			Records:        recordsField(job.Payload, "records"),
			IdempotencyKey: stringField(job.Payload, "idempotency_key"),
			TriggeredBy:    stringField(job.Payload, "triggered_by"),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"run_id":   result.Run.ID,
			"status":   string(result.Run.Status),
			"replayed": result.Replayed,
			"summary":  result.Run.Summary,
		}, nil
	}
}

// 载荷既可能是入队时的原生 Go 值，也可能是经 JSON 序列化落库后还原的泛型值

func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[key].(string)
	return s
}

func stringSliceField(payload map[string]any, key string) []string {
	if payload == nil {
		return nil
	}
	switch raw := payload[key].(type) {
	case []string:
		return raw
	case []any:
		var out []string
		for _, item := range raw {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func recordsField(payload map[string]any, key string) []map[string]any {
	if payload == nil {
		return nil
	}
	switch raw := payload[key].(type) {
	case []map[string]any:
		return raw
	case []any:
		var out []map[string]any
		for _, item := range raw {
			if record, ok := item.(map[string]any); ok {
				out = append(out, record)
			}
		}
		return out
	default:
		return nil
	}
}
