package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	"inpaint-service/app/config"
	"inpaint-service/app/handler"
	"inpaint-service/app/logger"
	"inpaint-service/app/middleware"
	"inpaint-service/app/service"

	"github.com/gin-gonic/gin"
)

// Component 随服务器一起启停的后台组件
type Component interface {
	Start() error
	Stop() error
}

// Server 表示 HTTP 服务器
type Server struct {
	Config     *config.Config
	Logger     *logger.Logger
	gin        *gin.Engine
	http       *http.Server
	svc        *service.InpaintService
	components []Component
}

// New 创建一个新的 Server 实例
func New(cfg *config.Config, log *logger.Logger, svc *service.InpaintService, components ...Component) *Server {
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.AccessLog(log.Named("http")), middleware.CORS(cfg.Server.CORSOrigins))

	s := &Server{
		gin: router,
		http: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: router,
		},
		Config:     cfg,
		Logger:     log,
		svc:        svc,
		components: components,
	}

	// 设置路由
	s.setupRoutes()

	return s
}

// Handler 返回路由，测试用
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Start 监听配置的端口并开始服务
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve 启动后台组件和 worker 池，然后在 ln 上处理请求。
// 后台组件启动失败只记录日志，不影响对外服务
func (s *Server) Serve(ln net.Listener) error {
	for _, c := range s.components {
		if err := c.Start(); err != nil {
			s.Logger.Warnf("⚠️ 后台组件启动失败，继续运行: %v", err)
		}
	}
	s.svc.Start()

	s.Logger.Infof("在 %s 启动服务器", ln.Addr())
	return s.http.Serve(ln)
}

// Shutdown 先停止接收请求，再停止后台组件，最后等待 worker 池退出
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	for i := len(s.components) - 1; i >= 0; i-- {
		if err := s.components[i].Stop(); err != nil {
			s.Logger.Errorf("停止后台组件失败: %v", err)
		}
	}

	if err := s.svc.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() {
	inpaintHandler := handler.NewInpaintHandler(s.svc, s.Logger.Named("handler"))
	progressHandler := handler.NewProgressHandler(s.svc, s.Config.Server.CORSOrigins, s.Logger.Named("ws"))

	api := s.gin.Group("/api/v1")
	{
		inpaint := api.Group("/inpaint")
		{
			inpaint.POST("", inpaintHandler.Submit)
			inpaint.GET("/:id", inpaintHandler.GetTask)
			inpaint.GET("/:id/result", inpaintHandler.GetResult)
			inpaint.GET("/:id/preview", inpaintHandler.GetPreview)
		}

		api.GET("/health", inpaintHandler.Health)
		api.GET("/stats", inpaintHandler.Stats)
	}

	s.gin.GET("/ws/inpaint/:id", progressHandler.Subscribe)
}
