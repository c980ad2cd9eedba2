package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"inpaint-service/app/config"
	"inpaint-service/app/inpaint"
	"inpaint-service/app/logger"
	"inpaint-service/app/model"
	"inpaint-service/app/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// shutdownReason 停止服务时仍在排队的任务的失败原因
const shutdownReason = "service shutting down"

// Options 服务参数
type Options struct {
	Workers          int
	QueueSize        int
	SubscriberBuffer int
	DefaultSteps     int
	CleanupUploads   bool
	// ResultLocation 生成完成消息中的结果地址
	ResultLocation func(taskID string) string
	// SubscribeLocation 生成提交响应中的订阅地址
	SubscribeLocation func(taskID string) string
}

// OptionsFromConfig 从配置生成服务参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Workers:          cfg.Worker.Count,
		QueueSize:        cfg.Worker.QueueSize,
		SubscriberBuffer: cfg.Worker.SubscriberBuffer,
		DefaultSteps:     cfg.Model.RefinementSteps,
		CleanupUploads:   cfg.Storage.CleanupOnShutdown,
	}
}

// SubmitRequest 提交任务的输入。Priority 为空时为 0，RefinementSteps 为空时使用默认步数
type SubmitRequest struct {
	Image           []byte
	Mask            []byte
	Priority        *int
	RefinementSteps *int
}

// SubmitResult 提交成功后的回执
type SubmitResult struct {
	TaskID       string           `json:"taskId"`
	Status       model.TaskStatus `json:"status"`
	Priority     int              `json:"priority"`
	SubscribeURL string           `json:"wsUrl"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// InpaintService 组合任务表、调度器、分发器和 worker 池
type InpaintService struct {
	opts        Options
	registry    *Registry
	scheduler   *Scheduler
	broadcaster *Broadcaster
	pool        *WorkerPool
	adapter     inpaint.Adapter
	blobs       storage.BlobStore
	log         *logger.Logger

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewInpaintService 创建服务，需要调用 Start 启动 worker
func NewInpaintService(opts Options, adapter inpaint.Adapter, blobs storage.BlobStore, log *logger.Logger) *InpaintService {
	if opts.DefaultSteps <= 0 {
		opts.DefaultSteps = 25
	}
	if opts.ResultLocation == nil {
		opts.ResultLocation = func(id string) string { return "/api/v1/inpaint/" + id + "/result" }
	}
	if opts.SubscribeLocation == nil {
		opts.SubscribeLocation = func(id string) string { return "/ws/inpaint/" + id }
	}

	log = log.Named("service")
	registry := NewRegistry()
	scheduler := NewScheduler(opts.QueueSize)
	broadcaster := NewBroadcaster(opts.SubscriberBuffer, opts.ResultLocation, log)

	return &InpaintService{
		opts:        opts,
		registry:    registry,
		scheduler:   scheduler,
		broadcaster: broadcaster,
		pool:        NewWorkerPool(opts.Workers, scheduler, registry, broadcaster, adapter, log),
		adapter:     adapter,
		blobs:       blobs,
		log:         log,
	}
}

// Start 启动 worker 池
func (s *InpaintService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.pool.Start()
}

// Stop 停止接收任务，排队中的任务标记为失败，等待执行中的任务完成。
// ctx 到期后中止执行中的推理
func (s *InpaintService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.scheduler.Close()

	drained := s.scheduler.Drain()
	for _, entry := range drained {
		s.failQueued(entry.TaskID, shutdownReason)
	}
	if len(drained) > 0 {
		s.log.Infof("停止服务，%d 个排队中的任务已标记为失败", len(drained))
	}

	err := s.pool.Wait(ctx)
	if err != nil {
		s.log.Warnf("等待 worker 退出超时，已中止执行中的任务: %v", err)
	}
	s.broadcaster.CloseAll()

	if s.opts.CleanupUploads {
		if clearer, ok := s.blobs.(interface{ Clear(string) (int, error) }); ok {
			removed, cerr := clearer.Clear(storage.NamespaceUpload)
			if cerr != nil {
				s.log.Errorf("清理上传文件失败: %v", cerr)
			} else if removed > 0 {
				s.log.Infof("🧹 已清理 %d 个上传文件", removed)
			}
		}
	}
	return err
}

func (s *InpaintService) failQueued(taskID, reason string) {
	snapshot, err := s.registry.Update(taskID, func(t *model.InpaintTask) error {
		return t.SetFailed(reason, 0, time.Now())
	})
	if err != nil {
		s.log.Warnf("标记任务失败出错: task=%s, err=%v", taskID, err)
		return
	}
	s.broadcaster.Publish(snapshot)
}

// Submit 保存输入、创建任务并入队。队列满时回滚，不留下任何记录
func (s *InpaintService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if len(req.Image) == 0 {
		return nil, fmt.Errorf("%w: image is required", ErrInvalidRequest)
	}
	if len(req.Mask) == 0 {
		return nil, fmt.Errorf("%w: mask is required", ErrInvalidRequest)
	}

	priority := model.PriorityLow
	if req.Priority != nil {
		priority = *req.Priority
	}
	if priority < model.PriorityLow || priority > model.PriorityHigh {
		return nil, fmt.Errorf("%w: priority must be between %d and %d", ErrInvalidRequest, model.PriorityLow, model.PriorityHigh)
	}

	steps := s.opts.DefaultSteps
	if req.RefinementSteps != nil {
		steps = *req.RefinementSteps
	}
	if steps < 1 || steps > 100 {
		return nil, fmt.Errorf("%w: refinement steps must be between 1 and 100", ErrInvalidRequest)
	}

	if !s.adapter.Info().Ready {
		return nil, ErrModelNotReady
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return nil, ErrSchedulerClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	inputs := model.InputRefs{
		ImageKey: storage.UploadKey(id + "_image"),
		MaskKey:  storage.UploadKey(id + "_mask"),
	}
	if err := s.blobs.Put(inputs.ImageKey, req.Image); err != nil {
		return nil, fmt.Errorf("保存图片失败: %w", err)
	}
	if err := s.blobs.Put(inputs.MaskKey, req.Mask); err != nil {
		s.removeBlobs(inputs.ImageKey)
		return nil, fmt.Errorf("保存掩码失败: %w", err)
	}

	task, err := s.registry.Create(CreateSpec{
		ID:              id,
		Priority:        priority,
		RefinementSteps: steps,
		Inputs:          inputs,
	})
	if err != nil {
		s.removeBlobs(inputs.ImageKey, inputs.MaskKey)
		return nil, err
	}

	entry, err := s.scheduler.Enqueue(id, priority)
	if err != nil {
		s.registry.Delete(id)
		s.removeBlobs(inputs.ImageKey, inputs.MaskKey)
		if errors.Is(err, ErrCapacityExceeded) {
			s.log.Warn("队列已满，拒绝提交", zap.Int("capacity", s.scheduler.Cap()))
		}
		return nil, err
	}

	if _, err := s.registry.Update(id, func(t *model.InpaintTask) error {
		t.Sequence = entry.Sequence
		return nil
	}); err != nil {
		s.log.Warnf("记录入队序号失败: task=%s, err=%v", id, err)
	}

	s.log.Info("📥 任务已入队",
		zap.String("task", id),
		zap.Int("priority", priority),
		zap.Int("steps", steps),
		zap.Int("queue", s.scheduler.Len()))

	return &SubmitResult{
		TaskID:       id,
		Status:       task.Status,
		Priority:     priority,
		SubscribeURL: s.opts.SubscribeLocation(id),
		CreatedAt:    task.CreatedAt,
	}, nil
}

func (s *InpaintService) removeBlobs(keys ...string) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := s.blobs.Delete(key); err != nil {
			s.log.Warnf("删除文件失败: %s, %v", key, err)
		}
	}
}

// GetTask 查询任务
func (s *InpaintService) GetTask(id string) (model.InpaintTask, error) {
	return s.registry.Get(id)
}

// GetResult 返回已完成任务的结果图片
func (s *InpaintService) GetResult(id string) ([]byte, model.InpaintTask, error) {
	task, err := s.registry.Get(id)
	if err != nil {
		return nil, task, err
	}
	if task.Status != model.TaskStatusCompleted {
		return nil, task, fmt.Errorf("%w: status %s", ErrNotReady, task.Status)
	}
	data, err := s.blobs.Get(task.ResultRef)
	if err != nil {
		return nil, task, err
	}
	return data, task, nil
}

// Preview 渲染掩码叠加预览
func (s *InpaintService) Preview(id string) ([]byte, error) {
	task, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	imageData, err := s.blobs.Get(task.Inputs.ImageKey)
	if err != nil {
		return nil, err
	}
	maskData, err := s.blobs.Get(task.Inputs.MaskKey)
	if err != nil {
		return nil, err
	}
	return inpaint.RenderMaskPreview(imageData, maskData)
}

// Subscribe 订阅任务进度。任务不存在时返回 ErrTaskNotFound
func (s *InpaintService) Subscribe(id string) (*Subscription, error) {
	return s.broadcaster.Subscribe(id, func() (model.InpaintTask, error) {
		return s.registry.Get(id)
	})
}

// Health 健康检查
func (s *InpaintService) Health() model.HealthReport {
	info := s.adapter.Info()
	status := "healthy"
	if !info.Ready {
		status = "degraded"
	}
	return model.HealthReport{
		Status:        status,
		Timestamp:     time.Now(),
		ActiveWorkers: s.pool.ActiveCount(),
		WorkerCount:   s.pool.Size(),
		QueueSize:     s.scheduler.Len(),
		QueueCapacity: s.scheduler.Cap(),
		TotalTasks:    s.registry.Len(),
		Model:         info,
		WorkerStats:   s.pool.Stats(),
	}
}

// Stats 任务统计
func (s *InpaintService) Stats() model.StatsReport {
	report := model.StatsReport{WorkerStats: s.pool.Stats()}

	for _, task := range s.registry.List() {
		report.TotalTasks++
		switch {
		case task.Status == model.TaskStatusCompleted:
			report.CompletedTasks++
			report.TotalProcessingTime += task.ProcessingTime
		case task.Status == model.TaskStatusFailed:
			report.FailedTasks++
		case task.Status == model.TaskStatusQueued:
			report.QueuedTasks++
		case task.Status.IsExecuting():
			report.ActiveTasks++
		}
	}
	if report.CompletedTasks > 0 {
		report.AvgProcessingTime = report.TotalProcessingTime / float64(report.CompletedTasks)
	}
	return report
}

// PruneTerminal 删除超过保留期的终态任务及其文件，ttl 为 0 表示不清理该类任务
func (s *InpaintService) PruneTerminal(now time.Time, completedTTL, failedTTL time.Duration) int {
	removed := s.registry.Prune(func(t model.InpaintTask) bool {
		if !t.Status.IsTerminal() || t.CompletedAt == nil {
			return false
		}
		ttl := failedTTL
		if t.Status == model.TaskStatusCompleted {
			ttl = completedTTL
		}
		return ttl > 0 && now.Sub(*t.CompletedAt) > ttl
	})

	for _, t := range removed {
		s.removeBlobs(t.Inputs.ImageKey, t.Inputs.MaskKey, t.ResultRef)
	}
	return len(removed)
}
