package inpaint

import (
	"context"
	"fmt"
	"os"
	"time"

	"inpaint-service/app/config"
	"inpaint-service/app/logger"
	"inpaint-service/app/storage"
)

// Selector 按配置选择推理引擎
type Selector struct {
	cfg config.ModelConfig
	log *logger.Logger
}

// NewSelector 创建引擎选择器
func NewSelector(cfg config.ModelConfig, log *logger.Logger) *Selector {
	return &Selector{cfg: cfg, log: log}
}

// Select 返回可用的引擎。auto 模式下检查点存在且配置了服务地址才使用 lama，否则回退到 mock
func (s *Selector) Select(ctx context.Context) (Engine, error) {
	switch s.cfg.Engine {
	case "mock":
		return NewMockEngine(0), nil

	case "lama":
		engine := NewLamaEngine(s.cfg.Endpoint, s.cfg.Device, s.cfg.Timeout, s.log)
		if err := engine.Ping(ctx); err != nil {
			_ = engine.Close()
			return nil, err
		}
		return engine, nil

	case "gemini":
		return NewGeminiEngine(ctx, s.cfg.GeminiAPIKey, s.cfg.GeminiModel, s.log)

	case "auto", "":
		if !CheckpointExists(s.cfg.CheckpointPath) {
			s.log.Warnf("⚠️ 未找到模型检查点 %s，使用模拟引擎", s.cfg.CheckpointPath)
			return NewMockEngine(0), nil
		}
		if s.cfg.Endpoint == "" {
			s.log.Warnf("⚠️ 未配置 lama-cleaner 地址，使用模拟引擎")
			return NewMockEngine(0), nil
		}
		engine := NewLamaEngine(s.cfg.Endpoint, s.cfg.Device, s.cfg.Timeout, s.log)
		if err := engine.Ping(ctx); err != nil {
			_ = engine.Close()
			s.log.Warnf("⚠️ lama-cleaner 不可用 (%v)，使用模拟引擎", err)
			return NewMockEngine(0), nil
		}
		return engine, nil
	}

	return nil, fmt.Errorf("%w: unknown engine %q", ErrEngineUnavailable, s.cfg.Engine)
}

// CheckpointExists 检查点文件存在且不是目录
func CheckpointExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// NewAdapter 选择引擎并创建管线，Reload 会重新执行同样的选择
func NewAdapter(ctx context.Context, cfg config.ModelConfig, blobs storage.BlobStore, log *logger.Logger) (*Pipeline, error) {
	selector := NewSelector(cfg, log)

	start := time.Now()
	engine, err := selector.Select(ctx)
	if err != nil {
		return nil, err
	}
	loadTime := time.Since(start)

	pipeline := NewPipeline(engine, blobs, PipelineOptions{
		MinSize:     cfg.MinImageSize,
		MaxSize:     cfg.MaxImageSize,
		JPEGQuality: cfg.JPEGQuality,
		Device:      cfg.Device,
		Checkpoint:  cfg.CheckpointPath,
	}, log)
	pipeline.loadTime = loadTime
	pipeline.reselect = selector.Select

	log.Infof("✅ 推理引擎 %s 加载完成，设备: %s，耗时 %v", engine.Name(), cfg.Device, loadTime)
	return pipeline, nil
}
