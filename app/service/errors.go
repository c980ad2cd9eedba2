package service

import "errors"

var (
	// ErrCapacityExceeded 队列已满，提交被拒绝
	ErrCapacityExceeded = errors.New("task queue is full")
	// ErrSchedulerClosed 调度器已关闭，服务正在停止
	ErrSchedulerClosed = errors.New("scheduler closed")
	ErrTaskNotFound    = errors.New("task not found")
	ErrDuplicateTask   = errors.New("task already exists")
	// ErrNotReady 任务尚未完成，没有结果
	ErrNotReady       = errors.New("task result not ready")
	ErrInvalidRequest = errors.New("invalid request")
	ErrModelNotReady  = errors.New("model not ready")
)
