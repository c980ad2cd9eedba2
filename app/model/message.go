package model

import "time"

// MessageType 进度推送消息类型
type MessageType string

const (
	MessageTypeStatus    MessageType = "status"
	MessageTypeProgress  MessageType = "progress"
	MessageTypeCompleted MessageType = "completed"
	MessageTypeError     MessageType = "error"
)

// ProgressMessage 推送给订阅者的消息
type ProgressMessage struct {
	Type           MessageType `json:"type"`
	TaskID         string      `json:"taskId,omitempty"`
	Status         TaskStatus  `json:"status,omitempty"`
	Progress       *int        `json:"progress,omitempty"`
	ResultLocation string      `json:"resultLocation,omitempty"`
	ProcessingTime *float64    `json:"processingTime,omitempty"` // 只在 completed 消息中出现，0 也会输出
	Error          string      `json:"error,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// IsTerminal 是否为任务的最后一条消息
func (m ProgressMessage) IsTerminal() bool {
	return m.Type == MessageTypeCompleted || m.Type == MessageTypeError
}

// NewStatusMessage 订阅建立时发送的当前快照
func NewStatusMessage(task InpaintTask) ProgressMessage {
	progress := task.Progress
	return ProgressMessage{
		Type:      MessageTypeStatus,
		TaskID:    task.ID,
		Status:    task.Status,
		Progress:  &progress,
		Timestamp: time.Now(),
	}
}

// NewProgressMessage 阶段迁移消息
func NewProgressMessage(task InpaintTask) ProgressMessage {
	progress := task.Progress
	return ProgressMessage{
		Type:      MessageTypeProgress,
		TaskID:    task.ID,
		Status:    task.Status,
		Progress:  &progress,
		Timestamp: time.Now(),
	}
}

// NewTerminalMessage 根据终态生成 completed 或 error 消息
func NewTerminalMessage(task InpaintTask, resultLocation string) ProgressMessage {
	if task.Status == TaskStatusCompleted {
		processingTime := task.ProcessingTime
		return ProgressMessage{
			Type:           MessageTypeCompleted,
			TaskID:         task.ID,
			ResultLocation: resultLocation,
			ProcessingTime: &processingTime,
			Timestamp:      time.Now(),
		}
	}
	return ProgressMessage{
		Type:      MessageTypeError,
		TaskID:    task.ID,
		Status:    task.Status,
		Error:     task.Error,
		Timestamp: time.Now(),
	}
}

// NewNotFoundMessage 订阅了不存在的任务
func NewNotFoundMessage() ProgressMessage {
	return ProgressMessage{
		Type:      MessageTypeError,
		Error:     "task not found",
		Timestamp: time.Now(),
	}
}
