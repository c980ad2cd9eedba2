package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inpaint-service/app/config"
	"inpaint-service/app/filewatcher"
	"inpaint-service/app/inpaint"
	"inpaint-service/app/logger"
	"inpaint-service/app/server"
	"inpaint-service/app/service"
	"inpaint-service/app/storage"

	"github.com/spf13/cobra"
)

// shutdownTimeout 等待执行中任务完成的最长时间
const shutdownTimeout = 30 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动服务器",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		// 创建日志器
		log := logger.New(cfg.Log)
		defer log.Close()

		blobs, err := storage.NewFileStore(cfg.Storage)
		if err != nil {
			log.Fatalf("初始化存储失败: %v", err)
		}

		// 模型加载失败时不启动
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Model.Timeout)
		adapter, err := inpaint.NewAdapter(ctx, cfg.Model, blobs, log)
		cancel()
		if err != nil {
			log.Fatalf("加载推理引擎失败: %v", err)
		}

		opts := service.OptionsFromConfig(cfg)
		svc := service.NewInpaintService(opts, adapter, blobs, log)

		var components []server.Component
		retention, err := service.NewRetention(cfg.Task, svc, log)
		if err != nil {
			log.Fatalf("初始化任务清理失败: %v", err)
		}
		components = append(components, retention)

		if cfg.Model.WatchCheckpoint && cfg.Model.Engine == "auto" {
			watcher, err := filewatcher.NewCheckpointWatcher(cfg.Model.CheckpointPath, 0, adapter.Reload, log)
			if err != nil {
				log.Warnf("创建检查点监控失败: %v", err)
			} else {
				components = append(components, watcher)
			}
		}

		srv := server.New(cfg, log, svc, components...)

		// 在协程中启动服务器
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("启动服务器失败: %v", err)
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("收到关闭信号，正在关闭服务器...")

		ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("服务器关闭失败: %v", err)
		}
		log.Info("服务器已退出")
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
