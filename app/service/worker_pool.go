package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"inpaint-service/app/inpaint"
	"inpaint-service/app/logger"
	"inpaint-service/app/model"
	"inpaint-service/app/storage"

	"go.uber.org/zap"
)

// 各阶段开始和结束时的进度
const (
	progressValidating     = 10
	progressValidated      = 20
	progressPreprocessing  = 30
	progressPreprocessed   = 40
	progressProcessing     = 50
	progressInferred       = 80
	progressPostprocessing = 90
)

// WorkerPool 固定数量的 worker，从调度器取任务并驱动状态机
type WorkerPool struct {
	size        int
	scheduler   *Scheduler
	registry    *Registry
	broadcaster *Broadcaster
	adapter     inpaint.Adapter
	log         *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int32

	mu      sync.RWMutex
	stats   []model.WorkerStats
	running bool
}

// NewWorkerPool 创建 worker 池
func NewWorkerPool(size int, scheduler *Scheduler, registry *Registry, broadcaster *Broadcaster, adapter inpaint.Adapter, log *logger.Logger) *WorkerPool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	stats := make([]model.WorkerStats, size)
	for i := range stats {
		stats[i].WorkerID = i
	}

	return &WorkerPool{
		size:        size,
		scheduler:   scheduler,
		registry:    registry,
		broadcaster: broadcaster,
		adapter:     adapter,
		log:         log.Named("worker"),
		ctx:         ctx,
		cancel:      cancel,
		stats:       stats,
	}
}

// Start 启动所有 worker
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Infof("🚀 已启动 %d 个 worker", p.size)
}

// Wait 等待所有 worker 退出。调度器关闭后 worker 会在当前任务完成时退出
func (p *WorkerPool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// 超时后中止正在执行的推理
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Abort 中止正在执行的任务
func (p *WorkerPool) Abort() {
	p.cancel()
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		entry, err := p.scheduler.Dequeue(p.ctx)
		if err != nil {
			if !errors.Is(err, ErrSchedulerClosed) && !errors.Is(err, context.Canceled) {
				p.log.Errorf("worker %d 获取任务失败: %v", id, err)
			}
			p.log.Debugf("worker %d 已退出", id)
			return
		}
		p.runTask(id, entry)
	}
}

// runTask 执行单个任务并记录统计
func (p *WorkerPool) runTask(workerID int, entry QueueEntry) {
	p.active.Add(1)
	defer p.active.Add(-1)

	p.setBusy(workerID, entry.TaskID)
	defer p.setIdle(workerID)

	log := p.log.With(zap.String("task", entry.TaskID), zap.Int("worker", workerID))
	log.Info("开始处理任务", zap.Int("priority", entry.Priority))

	start := time.Now()
	resultRef, err := p.execute(workerID, entry.TaskID, log)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			log.Warn("任务已不存在，跳过")
			return
		}
		log.Error("❌ 任务失败", zap.Error(err), zap.Duration("elapsed", elapsed))
		p.finish(entry.TaskID, func(t *model.InpaintTask) error {
			return t.SetFailed(err.Error(), elapsed, time.Now())
		}, log)
		p.recordFailure(workerID)
		return
	}

	log.Info("✅ 任务完成", zap.Duration("elapsed", elapsed))
	p.finish(entry.TaskID, func(t *model.InpaintTask) error {
		return t.SetCompleted(resultRef, elapsed, time.Now())
	}, log)
	p.recordSuccess(workerID, elapsed)
}

// execute 依次执行四个阶段，panic 按失败处理
func (p *WorkerPool) execute(workerID int, taskID string, log *logger.Logger) (resultRef string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	ctx := p.ctx

	task, err := p.advance(taskID, model.TaskStatusValidating, progressValidating, func(t *model.InpaintTask) {
		id := workerID
		t.WorkerID = &id
	})
	if err != nil {
		return "", err
	}

	size, err := p.adapter.Validate(ctx, task.Inputs)
	if err != nil {
		return "", err
	}
	if _, err := p.advance(taskID, "", progressValidated, func(t *model.InpaintTask) { t.ImageSize = size }); err != nil {
		return "", err
	}

	if _, err := p.advance(taskID, model.TaskStatusPreprocessing, progressPreprocessing, nil); err != nil {
		return "", err
	}
	prepared, err := p.adapter.Preprocess(ctx, task.Inputs)
	if err != nil {
		return "", err
	}
	if _, err := p.advance(taskID, "", progressPreprocessed, nil); err != nil {
		return "", err
	}

	if _, err := p.advance(taskID, model.TaskStatusProcessing, progressProcessing, nil); err != nil {
		return "", err
	}
	result, err := p.adapter.Infer(ctx, prepared, inpaint.Params{RefinementSteps: task.RefinementSteps})
	if err != nil {
		return "", err
	}
	if _, err := p.advance(taskID, "", progressInferred, nil); err != nil {
		return "", err
	}

	if _, err := p.advance(taskID, model.TaskStatusPostprocessing, progressPostprocessing, nil); err != nil {
		return "", err
	}
	return p.adapter.Postprocess(ctx, result, storage.ResultKey(taskID+".jpg"))
}

// advance 原子地迁移状态和更新进度，成功后发布给订阅者。status 为空时只更新进度
func (p *WorkerPool) advance(taskID string, status model.TaskStatus, progress int, mutate func(t *model.InpaintTask)) (model.InpaintTask, error) {
	snapshot, err := p.registry.Update(taskID, func(t *model.InpaintTask) error {
		if status != "" {
			if err := t.Transition(status, time.Now()); err != nil {
				return err
			}
		} else {
			t.UpdatedAt = time.Now()
		}
		t.SetProgress(progress)
		if mutate != nil {
			mutate(t)
		}
		return nil
	})
	if err != nil {
		return snapshot, err
	}

	p.broadcaster.Publish(snapshot)
	return snapshot, nil
}

// finish 写入终态并发布
func (p *WorkerPool) finish(taskID string, mutate func(t *model.InpaintTask) error, log *logger.Logger) {
	snapshot, err := p.registry.Update(taskID, mutate)
	if err != nil {
		log.Error("写入任务终态失败", zap.Error(err))
		return
	}
	p.broadcaster.Publish(snapshot)
}

func (p *WorkerPool) setBusy(workerID int, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats[workerID].Busy = true
	p.stats[workerID].CurrentTask = taskID
}

func (p *WorkerPool) setIdle(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats[workerID].Busy = false
	p.stats[workerID].CurrentTask = ""
}

func (p *WorkerPool) recordSuccess(workerID int, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats[workerID].TasksCompleted++
	p.stats[workerID].TotalTime += elapsed.Seconds()
}

func (p *WorkerPool) recordFailure(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats[workerID].TasksFailed++
}

// Stats 返回每个 worker 的统计快照
func (p *WorkerPool) Stats() []model.WorkerStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stats := make([]model.WorkerStats, len(p.stats))
	copy(stats, p.stats)
	return stats
}

// ActiveCount 正在执行任务的 worker 数
func (p *WorkerPool) ActiveCount() int {
	return int(p.active.Load())
}

// Size worker 数量
func (p *WorkerPool) Size() int {
	return p.size
}
