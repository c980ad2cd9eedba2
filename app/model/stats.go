package model

import "time"

// WorkerStats 单个 worker 的累计统计
type WorkerStats struct {
	WorkerID       int     `json:"workerId"`
	TasksCompleted int     `json:"tasksCompleted"`
	TasksFailed    int     `json:"tasksFailed"`
	TotalTime      float64 `json:"totalTime"` // 秒
	Busy           bool    `json:"busy"`
	CurrentTask    string  `json:"currentTask,omitempty"`
}

// ModelInfo 模型适配器状态
type ModelInfo struct {
	Engine     string    `json:"engine"`
	Device     string    `json:"device"`
	Checkpoint string    `json:"checkpoint,omitempty"`
	Ready      bool      `json:"ready"`
	LoadedAt   time.Time `json:"loadedAt"`
	LoadTime   float64   `json:"loadTime"` // 秒
}

// HealthReport 健康检查结果
type HealthReport struct {
	Status        string        `json:"status"`
	Timestamp     time.Time     `json:"timestamp"`
	ActiveWorkers int           `json:"activeWorkers"`
	WorkerCount   int           `json:"workerCount"`
	QueueSize     int           `json:"queueSize"`
	QueueCapacity int           `json:"queueCapacity"`
	TotalTasks    int           `json:"totalTasks"`
	Model         ModelInfo     `json:"model"`
	WorkerStats   []WorkerStats `json:"workerStats"`
}

// StatsReport 任务统计
type StatsReport struct {
	TotalTasks          int           `json:"totalTasks"`
	CompletedTasks      int           `json:"completedTasks"`
	FailedTasks         int           `json:"failedTasks"`
	QueuedTasks         int           `json:"queuedTasks"`
	ActiveTasks         int           `json:"activeTasks"`
	AvgProcessingTime   float64       `json:"avgProcessingTime"`
	TotalProcessingTime float64       `json:"totalProcessingTime"`
	WorkerStats         []WorkerStats `json:"workerStats"`
}
