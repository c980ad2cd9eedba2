package service

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
)

// QueueEntry 队列中的一项
type QueueEntry struct {
	TaskID   string
	Priority int
	Sequence uint64
}

// entryHeap 优先级高的在前，同优先级按入队序号先进先出
type entryHeap []QueueEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Sequence < h[j].Sequence
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(QueueEntry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler 有界优先级队列。ready 中的令牌数不超过堆中的元素数
type Scheduler struct {
	mu       sync.Mutex
	heap     entryHeap
	capacity int
	sequence uint64
	closed   bool

	ready chan struct{}
	done  chan struct{}
}

// NewScheduler 创建指定容量的调度器
func NewScheduler(capacity int) *Scheduler {
	if capacity < 1 {
		capacity = 1
	}
	return &Scheduler{
		heap:     make(entryHeap, 0, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, capacity),
		done:     make(chan struct{}),
	}
}

// Enqueue 非阻塞入队，队列满时立即返回 ErrCapacityExceeded 且不改变队列
func (s *Scheduler) Enqueue(taskID string, priority int) (QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return QueueEntry{}, ErrSchedulerClosed
	}
	if len(s.heap) >= s.capacity {
		return QueueEntry{}, fmt.Errorf("%w: capacity %d", ErrCapacityExceeded, s.capacity)
	}

	s.sequence++
	entry := QueueEntry{TaskID: taskID, Priority: priority, Sequence: s.sequence}
	heap.Push(&s.heap, entry)
	s.ready <- struct{}{}
	return entry, nil
}

// Dequeue 阻塞直到有任务、调度器关闭或 ctx 结束
func (s *Scheduler) Dequeue(ctx context.Context) (QueueEntry, error) {
	for {
		select {
		case <-s.done:
			return QueueEntry{}, ErrSchedulerClosed
		default:
		}

		select {
		case <-s.done:
			return QueueEntry{}, ErrSchedulerClosed
		case <-ctx.Done():
			return QueueEntry{}, ctx.Err()
		case <-s.ready:
			s.mu.Lock()
			if len(s.heap) == 0 {
				// 已被 Drain 取走
				s.mu.Unlock()
				continue
			}
			entry := heap.Pop(&s.heap).(QueueEntry)
			s.mu.Unlock()
			return entry, nil
		}
	}
}

// Close 停止接受新任务并唤醒所有等待中的 Dequeue，可重复调用
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Drain 按出队顺序取走所有剩余任务
func (s *Scheduler) Drain() []QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]QueueEntry, 0, len(s.heap))
	for len(s.heap) > 0 {
		entries = append(entries, heap.Pop(&s.heap).(QueueEntry))
	}
	for {
		select {
		case <-s.ready:
		default:
			return entries
		}
	}
}

// Len 当前排队数量
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// Cap 队列容量
func (s *Scheduler) Cap() int {
	return s.capacity
}
