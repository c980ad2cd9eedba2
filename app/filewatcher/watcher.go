package filewatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"inpaint-service/app/logger"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc 检查点变化后的回调
type ReloadFunc func(ctx context.Context) error

// CheckpointWatcher 监控模型检查点文件，变化后重新选择推理引擎
type CheckpointWatcher struct {
	path     string
	debounce time.Duration
	reload   ReloadFunc
	watcher  *fsnotify.Watcher
	logger   *logger.Logger

	stopCh   chan struct{}
	wg       sync.WaitGroup
	watching bool
	mu       sync.Mutex
}

// NewCheckpointWatcher 创建检查点监控器。监控的是所在目录，文件被替换或新建都能感知
func NewCheckpointWatcher(path string, debounce time.Duration, reload ReloadFunc, log *logger.Logger) (*CheckpointWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("检查点路径为空")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	return &CheckpointWatcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		reload:   reload,
		watcher:  watcher,
		logger:   log.Named("checkpoint"),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start 启动监控
func (w *CheckpointWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watching {
		return fmt.Errorf("检查点监控器已经在运行")
	}

	dir, err := nearestExistingDir(filepath.Dir(w.path))
	if err != nil {
		return err
	}
	if dir != filepath.Dir(w.path) {
		w.logger.Warnf("⚠️ 检查点目录 %s 不存在，改为监控 %s，目录创建后继续跟进", filepath.Dir(w.path), dir)
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("添加监控目录失败: %w", err)
	}

	w.watching = true
	w.wg.Add(1)
	go w.watchLoop()

	w.logger.Infof("检查点监控已启动: %s", w.path)
	return nil
}

// nearestExistingDir 返回 dir 自身或最近的已存在的上级目录
func nearestExistingDir(dir string) (string, error) {
	for {
		info, err := os.Stat(dir)
		if err == nil {
			if !info.IsDir() {
				return "", fmt.Errorf("检查点路径 %s 不是目录", dir)
			}
			return dir, nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("检查检查点目录失败: %w", err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("检查点目录不存在: %s", dir)
		}
		dir = parent
	}
}

// isAncestorDir 判断 dir 是否为 target 或它的上级目录
func isAncestorDir(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Stop 停止监控
func (w *CheckpointWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.watching {
		return w.watcher.Close()
	}

	close(w.stopCh)
	err := w.watcher.Close()
	w.wg.Wait()
	w.watching = false

	w.logger.Info("检查点监控已停止")
	return err
}

// watchLoop 事件循环。连续的写事件合并为一次重新加载
func (w *CheckpointWatcher) watchLoop() {
	defer w.wg.Done()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.followDir(event) {
				timer.Reset(w.debounce)
				continue
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debugf("检查点文件变化: %s %s", event.Op, event.Name)
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("检查点监控错误: %v", err)

		case <-timer.C:
			w.triggerReload()

		case <-w.stopCh:
			return
		}
	}
}

// followDir 检查点所在路径上的目录被创建时，把监控下移到该目录。
// 检查点可能随目录一起出现，返回 true 时由调用方安排一次重新加载
func (w *CheckpointWatcher) followDir(event fsnotify.Event) bool {
	if event.Op&fsnotify.Create == 0 {
		return false
	}
	name := filepath.Clean(event.Name)
	target := filepath.Dir(w.path)
	if !isAncestorDir(name, target) {
		return false
	}
	if info, err := os.Stat(name); err != nil || !info.IsDir() {
		return false
	}

	// 中间目录可能已经一起创建好了
	dir, err := nearestExistingDir(target)
	if err != nil || !isAncestorDir(name, dir) {
		dir = name
	}
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Errorf("添加监控目录失败: %s, %v", dir, err)
		return false
	}
	w.logger.Infof("检查点监控已切换到 %s", dir)
	return dir == target
}

func (w *CheckpointWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}

func (w *CheckpointWatcher) triggerReload() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.reload(ctx); err != nil {
		w.logger.Errorf("重新加载推理引擎失败: %v", err)
		return
	}
	w.logger.Infof("🔄 检查点变化，推理引擎已重新加载")
}
