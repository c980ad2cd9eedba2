package service

import (
	"fmt"
	"time"

	"inpaint-service/app/config"
	"inpaint-service/app/logger"

	"github.com/robfig/cron/v3"
)

// Retention 定期清理过期的终态任务
type Retention struct {
	cfg  config.TaskConfig
	svc  *InpaintService
	cron *cron.Cron
	log  *logger.Logger
}

// NewRetention 创建清理任务，两个保留期都为 0 时不注册定时任务
func NewRetention(cfg config.TaskConfig, svc *InpaintService, log *logger.Logger) (*Retention, error) {
	r := &Retention{
		cfg:  cfg,
		svc:  svc,
		cron: cron.New(),
		log:  log.Named("retention"),
	}

	if !r.enabled() {
		return r, nil
	}
	schedule := cfg.CleanupSchedule
	if schedule == "" {
		schedule = "@every 10m"
	}
	if _, err := r.cron.AddFunc(schedule, r.Sweep); err != nil {
		return nil, fmt.Errorf("无效的清理周期 %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Retention) enabled() bool {
	return r.cfg.RetentionCompleted > 0 || r.cfg.RetentionFailed > 0
}

// Start 启动定时清理
func (r *Retention) Start() error {
	if !r.enabled() {
		r.log.Info("任务保留期为 0，不启用定时清理")
		return nil
	}
	r.cron.Start()
	r.log.Infof("定时清理已启动: 已完成保留 %v, 失败保留 %v", r.cfg.RetentionCompleted, r.cfg.RetentionFailed)
	return nil
}

// Stop 停止定时清理并等待正在执行的清理结束
func (r *Retention) Stop() error {
	<-r.cron.Stop().Done()
	return nil
}

// Sweep 执行一次清理
func (r *Retention) Sweep() {
	removed := r.svc.PruneTerminal(time.Now(), r.cfg.RetentionCompleted, r.cfg.RetentionFailed)
	if removed > 0 {
		r.log.Infof("🧹 清理了 %d 个过期任务", removed)
	}
}
