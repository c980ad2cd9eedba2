package service

import (
	"sync"
	"sync/atomic"

	"inpaint-service/app/logger"
	"inpaint-service/app/model"
)

// Subscription 单个任务的进度订阅。C 在终态消息之后、订阅者被丢弃或取消时关闭
type Subscription struct {
	taskID  string
	ch      chan model.ProgressMessage
	b       *Broadcaster
	closed  bool // 由 Broadcaster.mu 保护
	dropped atomic.Bool
}

// C 消息通道
func (s *Subscription) C() <-chan model.ProgressMessage {
	return s.ch
}

// TaskID 订阅的任务
func (s *Subscription) TaskID() string {
	return s.taskID
}

// Dropped 是否因为消费太慢被丢弃
func (s *Subscription) Dropped() bool {
	return s.dropped.Load()
}

// Close 取消订阅，可重复调用
func (s *Subscription) Close() {
	s.b.unsubscribe(s)
}

// Broadcaster 按任务分发进度消息。发布从不阻塞，缓冲区满的订阅者会被丢弃
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	locate func(taskID string) string
	log    *logger.Logger
}

// NewBroadcaster 创建分发器，locate 用于生成完成消息中的结果地址
func NewBroadcaster(buffer int, locate func(taskID string) string, log *logger.Logger) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		locate: locate,
		log:    log.Named("broadcaster"),
	}
}

// Subscribe 注册订阅者并放入当前状态。snapshot 在分发锁内执行，
// 因此与 Publish 不会交错：订阅者要么收到 worker 发布的终态消息，要么收到这里合成的，只会有一条
func (b *Broadcaster) Subscribe(taskID string, snapshot func() (model.InpaintTask, error)) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, err := snapshot()
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		taskID: taskID,
		ch:     make(chan model.ProgressMessage, b.buffer+1),
		b:      b,
	}
	sub.ch <- model.NewStatusMessage(task)

	if task.Status.IsTerminal() {
		sub.ch <- model.NewTerminalMessage(task, b.locate(taskID))
		close(sub.ch)
		sub.closed = true
		return sub, nil
	}

	set, ok := b.subs[taskID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[taskID] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// Publish 把任务快照转成消息发给所有订阅者，终态消息之后关闭全部订阅
func (b *Broadcaster) Publish(task model.InpaintTask) {
	terminal := task.Status.IsTerminal()

	var msg model.ProgressMessage
	if terminal {
		msg = model.NewTerminalMessage(task, b.locate(task.ID))
	} else {
		msg = model.NewProgressMessage(task)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[task.ID]
	if !ok {
		return
	}

	for sub := range set {
		select {
		case sub.ch <- msg:
		default:
			sub.dropped.Store(true)
			b.closeLocked(sub)
			b.log.Warnf("订阅者消费过慢已被丢弃: task=%s", task.ID)
		}
	}

	if terminal {
		for sub := range set {
			b.closeLocked(sub)
		}
	}
	if len(set) == 0 {
		delete(b.subs, task.ID)
	}
}

// closeLocked 调用方需持有 b.mu
func (b *Broadcaster) closeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)

	if set, ok := b.subs[sub.taskID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.taskID)
		}
	}
}

func (b *Broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked(sub)
}

// SubscriberCount 某任务当前的订阅数
func (b *Broadcaster) SubscriberCount(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[taskID])
}

// CloseAll 关闭所有订阅，停止服务时使用
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range b.subs {
		for sub := range set {
			b.closeLocked(sub)
		}
	}
}
