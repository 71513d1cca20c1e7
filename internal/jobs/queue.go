package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"backend/internal/dispatch"
	"backend/internal/logger"
	"backend/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrHandlerRegistered 同一作业类型重复注册处理器
	ErrHandlerRegistered = errors.New("作业类型已注册处理器")
	// ErrHandlerNotFound 作业类型没有处理器
	ErrHandlerNotFound = errors.New("作业类型未注册处理器")
	// ErrRunInProgress 目标 Agent 已有运行在进行中
	ErrRunInProgress = errors.New("Agent run already in progress")
	// ErrWorkspaceBusy 工作区并发已达上限
	ErrWorkspaceBusy = errors.New("工作区并发已达上限")
	// ErrJobNotFound 作业不存在或不可执行
	ErrJobNotFound = errors.New("作业不存在或不可执行")
)

// 指数退避基数与上限
const (
	backoffBase = 60 * time.Second
	backoffMax  = 600 * time.Second
)

// Handler 作业处理器，返回值会持久化到作业的 Result 字段
type Handler func(ctx context.Context, job *Job) (map[string]any, error)

// Queue 进程内作业队列
// 两级并发控制：每个 Agent 互斥（同一时刻至多一次运行），每个工作区限流
type Queue struct {
	db                   *gorm.DB
	workspaceConcurrency int
	defaultMaxRetries    int
	logger               *zap.Logger

	mu         sync.Mutex
	handlers   map[string]Handler
	agentLocks map[string]string // agentID → 正在执行的 jobID
	wsRunning  map[string]int    // workspaceID → 执行中计数
}

// QueueOption 队列选项
type QueueOption func(*Queue)

// WithWorkspaceConcurrency 指定每个工作区的并发上限
func WithWorkspaceConcurrency(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.workspaceConcurrency = n
		}
	}
}

// WithDefaultMaxRetries 指定默认最大重试次数
func WithDefaultMaxRetries(n int) QueueOption {
	return func(q *Queue) {
		if n >= 0 {
			q.defaultMaxRetries = n
		}
	}
}

// NewQueue 创建队列
func NewQueue(db *gorm.DB, opts ...QueueOption) *Queue {
	q := &Queue{
		db:                   db,
		workspaceConcurrency: 10,
		defaultMaxRetries:    3,
		logger:               logger.Get(),
		handlers:             make(map[string]Handler),
		agentLocks:           make(map[string]string),
		wsRunning:            make(map[string]int),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register 注册作业处理器，同一类型只允许注册一次
func (q *Queue) Register(jobType string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.handlers[jobType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerRegistered, jobType)
	}
	q.handlers[jobType] = handler
	return nil
}

// EnqueueInput 入队入参
type EnqueueInput struct {
	TenantID    string
	WorkspaceID string
	AgentID     string
	Type        string
	Payload     map[string]any
}

// EnqueueOption 入队选项
type EnqueueOption func(*Job)

// WithRunAt 延迟到指定时间执行
func WithRunAt(at time.Time) EnqueueOption {
	return func(j *Job) { j.RunAt = at }
}

// WithMaxRetries 覆盖默认最大重试次数
func WithMaxRetries(n int) EnqueueOption {
	return func(j *Job) {
		if n >= 0 {
			j.MaxRetries = n
		}
	}
}

// Enqueue 提交作业
func (q *Queue) Enqueue(ctx context.Context, in *EnqueueInput, opts ...EnqueueOption) (*Job, error) {
	q.mu.Lock()
	_, registered := q.handlers[in.Type]
	q.mu.Unlock()
	if !registered {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, in.Type)
	}

	now := time.Now().UTC()
	job := &Job{
		ID:          uuid.New().String(),
		TenantID:    in.TenantID,
		WorkspaceID: in.WorkspaceID,
		AgentID:     in.AgentID,
		Type:        in.Type,
		Status:      JobPending,
		Payload:     in.Payload,
		MaxRetries:  q.defaultMaxRetries,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, opt := range opts {
		opt(job)
	}

	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("提交作业失败: %w", err)
	}
	metrics.QueueJobsTotal.WithLabelValues(job.Type, "enqueued").Inc()
	return job, nil
}

// RunJobByID 同步执行指定作业，处理器的失败原样返回给调用方
// 锁冲突直接返回错误（fail-fast），不重试不入死信；同步失败的作业是终态，后台排空不会再捡起
func (q *Queue) RunJobByID(ctx context.Context, jobID string) (*Job, error) {
	job, err := q.loadPending(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if err := q.acquire(job); err != nil {
		return nil, err
	}
	defer q.release(job)

	if err := q.execute(ctx, job, false); err != nil {
		return job, err
	}
	return job, nil
}

// ProcessJob 执行指定作业并走队列自身的重试机制
// 处理器失败不向调用方返回错误：重试由退避时间驱动，后台排空到期后再执行，耗尽进死信
func (q *Queue) ProcessJob(ctx context.Context, jobID string) (*Job, error) {
	job, err := q.loadPending(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if err := q.acquire(job); err != nil {
		return nil, err
	}
	defer q.release(job)

	q.execute(ctx, job, true)
	return job, nil
}

func (q *Queue) loadPending(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := q.db.WithContext(ctx).
		Where("id = ? AND status = ?", jobID, JobPending).
		First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("查询作业失败: %w", err)
	}
	return &job, nil
}

// ProcessNextJob 取出并执行下一个到期作业
// 候选是待执行的新作业和退避时间已到的重试作业，同步失败的作业（没有退避时间）不在其列
// 返回 (是否执行了作业, error)；没有可执行作业或锁被占用时返回 (false, nil)
func (q *Queue) ProcessNextJob(ctx context.Context) (bool, error) {
	now := time.Now().UTC()
	var job Job
	err := q.db.WithContext(ctx).
		Where("(status = ? AND run_at <= ?) OR (status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?)",
			JobPending, now, JobFailed, now).
		Order("created_at ASC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("查询待执行作业失败: %w", err)
	}

	if err := q.acquire(&job); err != nil {
		// 锁被占用不算错误，等下一轮
		return false, nil
	}
	defer q.release(&job)

	q.execute(ctx, &job, true)
	return true, nil
}

// acquire 占用 Agent 互斥锁与工作区并发额度
func (q *Queue) acquire(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, held := q.agentLocks[job.AgentID]; held {
		return ErrRunInProgress
	}
	if q.wsRunning[job.WorkspaceID] >= q.workspaceConcurrency {
		return ErrWorkspaceBusy
	}
	q.agentLocks[job.AgentID] = job.ID
	q.wsRunning[job.WorkspaceID]++
	return nil
}

func (q *Queue) release(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.agentLocks, job.AgentID)
	if q.wsRunning[job.WorkspaceID] > 0 {
		q.wsRunning[job.WorkspaceID]--
	}
	if q.wsRunning[job.WorkspaceID] == 0 {
		delete(q.wsRunning, job.WorkspaceID)
	}
}

// execute 执行处理器并落状态，返回处理器的失败；withRetry 为 false 时失败直接终止
func (q *Queue) execute(ctx context.Context, job *Job, withRetry bool) error {
	q.mu.Lock()
	handler := q.handlers[job.Type]
	q.mu.Unlock()

	now := time.Now().UTC()
	job.Status = JobRunning
	job.StartedAt = &now
	if err := q.db.WithContext(ctx).Save(job).Error; err != nil {
		q.logger.Error("更新作业状态失败", zap.String("job_id", job.ID), zap.Error(err))
	}

	var (
		result map[string]any
		err    error
	)
	if handler == nil {
		// 作业可能由旧进程持久化，其类型在本进程没有注册
		err = fmt.Errorf("%w: %s", ErrHandlerNotFound, job.Type)
	} else {
		result, err = handler(ctx, job)
	}
	completed := time.Now().UTC()
	job.CompletedAt = &completed

	if err == nil {
		job.Status = JobSucceeded
		job.Result = result
		job.NextRetryAt = nil
		q.saveJob(ctx, job)
		metrics.QueueJobsTotal.WithLabelValues(job.Type, "succeeded").Inc()
		return nil
	}

	job.LastError = err.Error()
	if !withRetry {
		job.Status = JobFailed
		job.NextRetryAt = nil
		q.saveJob(ctx, job)
		metrics.QueueJobsTotal.WithLabelValues(job.Type, "failed").Inc()
		return err
	}

	job.RetryCount++
	if job.RetryCount > job.MaxRetries {
		job.Status = JobDead
		job.NextRetryAt = nil
		q.saveJob(ctx, job)
		q.deadLetter(ctx, job)
		metrics.QueueJobsTotal.WithLabelValues(job.Type, "dead").Inc()
		return err
	}

	retryAt := completed.Add(backoffDelay(job.RetryCount))
	job.Status = JobFailed
	job.NextRetryAt = &retryAt
	q.saveJob(ctx, job)
	metrics.QueueJobsTotal.WithLabelValues(job.Type, "retry_scheduled").Inc()
	q.logger.Warn("作业失败，已安排重试",
		zap.String("job_id", job.ID),
		zap.Int("retry_count", job.RetryCount),
		zap.Time("next_retry_at", retryAt),
		zap.Error(err),
	)
	return err
}

// deadLetter 写入死信记录，(job_id) 唯一索引保证每个作业至多一条
func (q *Queue) deadLetter(ctx context.Context, job *Job) {
	entry := &DeadLetterEntry{
		ID:             uuid.New().String(),
		JobID:          job.ID,
		TenantID:       job.TenantID,
		WorkspaceID:    job.WorkspaceID,
		AgentID:        job.AgentID,
		Type:           job.Type,
		PayloadSummary: dispatch.RedactPayload(job.Payload),
		LastError:      job.LastError,
		RetryCount:     job.RetryCount,
		CreatedAt:      time.Now().UTC(),
	}
	if err := q.db.WithContext(ctx).Create(entry).Error; err != nil {
		q.logger.Error("写入死信记录失败", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.DeadLetterTotal.WithLabelValues(job.Type).Inc()
	q.logger.Error("作业重试耗尽，已入死信",
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int("retry_count", job.RetryCount),
	)
}

// GetJob 查询作业
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := q.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("查询作业失败: %w", err)
	}
	return &job, nil
}

// ListDeadLetters 查询工作区的死信记录
func (q *Queue) ListDeadLetters(ctx context.Context, workspaceID string, limit int) ([]*DeadLetterEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var list []*DeadLetterEntry
	if err := q.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("created_at DESC").
		Limit(limit).
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("查询死信记录失败: %w", err)
	}
	return list, nil
}

func (q *Queue) saveJob(ctx context.Context, job *Job) {
	job.UpdatedAt = time.Now().UTC()
	if err := q.db.WithContext(ctx).Save(job).Error; err != nil {
		q.logger.Error("保存作业失败", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// backoffDelay 指数退避：min(60s·2^retryCount, 600s)
func backoffDelay(retryCount int) time.Duration {
	delay := backoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= backoffMax {
			return backoffMax
		}
	}
	return delay
}
