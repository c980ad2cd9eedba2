package service

import (
	"fmt"
	"sync"
	"time"

	"inpaint-service/app/model"

	"github.com/google/uuid"
)

// CreateSpec 新建任务所需的字段
type CreateSpec struct {
	ID              string // 为空时自动生成
	Priority        int
	RefinementSteps int
	Inputs          model.InputRefs
}

type registryEntry struct {
	mu   sync.Mutex
	task model.InpaintTask
}

// Registry 任务表。map 锁只保护查找，每条记录单独加锁，不同任务的更新互不阻塞
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*registryEntry
}

// NewRegistry 创建空的任务表
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*registryEntry)}
}

// Create 新建 queued 状态的任务
func (r *Registry) Create(spec CreateSpec) (model.InpaintTask, error) {
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now()
	entry := &registryEntry{task: model.InpaintTask{
		ID:              id,
		Status:          model.TaskStatusQueued,
		Priority:        spec.Priority,
		RefinementSteps: spec.RefinementSteps,
		Inputs:          spec.Inputs,
		CreatedAt:       now,
		UpdatedAt:       now,
	}}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[id]; exists {
		return model.InpaintTask{}, fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	r.tasks[id] = entry
	return entry.task.Clone(), nil
}

func (r *Registry) entry(id string) (*registryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	return e, ok
}

// Get 返回任务快照
func (r *Registry) Get(id string) (model.InpaintTask, error) {
	e, ok := r.entry(id)
	if !ok {
		return model.InpaintTask{}, ErrTaskNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

// Update 原子地修改任务。mutate 返回错误时所有修改都被丢弃
func (r *Registry) Update(id string, mutate func(t *model.InpaintTask) error) (model.InpaintTask, error) {
	e, ok := r.entry(id)
	if !ok {
		return model.InpaintTask{}, ErrTaskNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	working := e.task.Clone()
	if err := mutate(&working); err != nil {
		return e.task.Clone(), err
	}
	e.task = working
	return working.Clone(), nil
}

// Delete 删除任务，返回是否存在
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return false
	}
	delete(r.tasks, id)
	return true
}

// List 返回所有任务的快照
func (r *Registry) List() []model.InpaintTask {
	r.mu.RLock()
	entries := make([]*registryEntry, 0, len(r.tasks))
	for _, e := range r.tasks {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	tasks := make([]model.InpaintTask, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		tasks = append(tasks, e.task.Clone())
		e.mu.Unlock()
	}
	return tasks
}

// Len 任务总数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Prune 删除满足条件的任务并返回被删除的快照
func (r *Registry) Prune(match func(t model.InpaintTask) bool) []model.InpaintTask {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []model.InpaintTask
	for id, e := range r.tasks {
		e.mu.Lock()
		snapshot := e.task.Clone()
		e.mu.Unlock()

		if match(snapshot) {
			delete(r.tasks, id)
			removed = append(removed, snapshot)
		}
	}
	return removed
}
