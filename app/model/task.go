package model

import (
	"errors"
	"fmt"
	"time"
)

// TaskStatus 任务状态
type TaskStatus string

const (
	TaskStatusQueued         TaskStatus = "queued"
	TaskStatusValidating     TaskStatus = "validating"
	TaskStatusPreprocessing  TaskStatus = "preprocessing"
	TaskStatusProcessing     TaskStatus = "processing"
	TaskStatusPostprocessing TaskStatus = "postprocessing"
	TaskStatusCompleted      TaskStatus = "completed"
	TaskStatusFailed         TaskStatus = "failed"
	TaskStatusCancelled      TaskStatus = "cancelled" // 预留的终态，目前没有任何操作会进入
)

// 优先级常量
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
)

// ErrInvalidTransition 非法的状态迁移
var ErrInvalidTransition = errors.New("非法的任务状态迁移")

// taskTransitions 状态迁移表，未列出的迁移一律拒绝
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusQueued:         {TaskStatusValidating, TaskStatusFailed},
	TaskStatusValidating:     {TaskStatusPreprocessing, TaskStatusFailed},
	TaskStatusPreprocessing:  {TaskStatusProcessing, TaskStatusFailed},
	TaskStatusProcessing:     {TaskStatusPostprocessing, TaskStatusFailed},
	TaskStatusPostprocessing: {TaskStatusCompleted, TaskStatusFailed},
}

// IsTerminal 是否为终态
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsExecuting 是否正在被 worker 执行（非排队、非终态）
func (s TaskStatus) IsExecuting() bool {
	switch s {
	case TaskStatusValidating, TaskStatusPreprocessing, TaskStatusProcessing, TaskStatusPostprocessing:
		return true
	}
	return false
}

// CanTransitionTo 检查迁移是否在迁移表中
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InputRefs 上传图片和掩码在 blob 存储中的引用
type InputRefs struct {
	ImageKey string `json:"image"`
	MaskKey  string `json:"mask"`
}

// ImageSize 图片尺寸，验证阶段之后才有值
type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// InpaintTask 消除任务
type InpaintTask struct {
	ID              string     `json:"taskId"`
	Status          TaskStatus `json:"status"`
	Progress        int        `json:"progress"`
	Priority        int        `json:"priority"`
	Sequence        uint64     `json:"-"` // 入队序号，只用于同优先级排序
	RefinementSteps int        `json:"refinementSteps"`
	ImageSize       ImageSize  `json:"imageSize"`
	Inputs          InputRefs  `json:"-"`
	ResultRef       string     `json:"resultRef,omitempty"`
	Error           string     `json:"error,omitempty"`
	WorkerID        *int       `json:"workerId,omitempty"`
	ProcessingTime  float64    `json:"processingTime"` // 秒
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// Transition 按迁移表切换状态，同时维护时间戳
func (t *InpaintTask) Transition(next TaskStatus, now time.Time) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}

	t.Status = next
	t.UpdatedAt = now

	if next.IsExecuting() && t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	if next.IsTerminal() {
		completed := now
		t.CompletedAt = &completed
	}
	return nil
}

// SetProgress 更新进度，进度只增不减
func (t *InpaintTask) SetProgress(progress int) {
	if progress > 100 {
		progress = 100
	}
	if progress > t.Progress {
		t.Progress = progress
	}
}

// SetCompleted 设置为已完成状态
func (t *InpaintTask) SetCompleted(resultRef string, elapsed time.Duration, now time.Time) error {
	if err := t.Transition(TaskStatusCompleted, now); err != nil {
		return err
	}
	t.ResultRef = resultRef
	t.Progress = 100
	t.ProcessingTime = elapsed.Seconds()
	return nil
}

// SetFailed 设置为失败状态并记录原因
func (t *InpaintTask) SetFailed(reason string, elapsed time.Duration, now time.Time) error {
	if err := t.Transition(TaskStatusFailed, now); err != nil {
		return err
	}
	t.Error = reason
	t.ProcessingTime = elapsed.Seconds()
	return nil
}

// Clone 返回一份与原记录不共享指针的快照
func (t *InpaintTask) Clone() InpaintTask {
	cp := *t
	if t.WorkerID != nil {
		id := *t.WorkerID
		cp.WorkerID = &id
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		cp.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		cp.CompletedAt = &completed
	}
	return cp
}
