package handler

import (
	"net/http"
	"slices"
	"time"

	"inpaint-service/app/logger"
	"inpaint-service/app/model"
	"inpaint-service/app/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsCloseTimeout = time.Second
)

// ProgressHandler 通过 websocket 推送任务进度
type ProgressHandler struct {
	svc      *service.InpaintService
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewProgressHandler 构造函数，allowedOrigins 包含 "*" 时不校验来源
func NewProgressHandler(svc *service.InpaintService, allowedOrigins []string, log *logger.Logger) *ProgressHandler {
	return &ProgressHandler{
		svc:    svc,
		logger: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || slices.Contains(allowedOrigins, "*") {
					return true
				}
				return slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// Subscribe 推送状态快照和后续进度，终态消息之后以 1000 关闭。
// 任务不存在时发送错误消息并以 1008 关闭，消费过慢被丢弃时以 1013 关闭
func (h *ProgressHandler) Subscribe(c *gin.Context) {
	taskID := c.Param("id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnf("websocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	log := h.logger.With(zap.String("task", taskID), zap.String("client", c.ClientIP()))

	sub, err := h.svc.Subscribe(taskID)
	if err != nil {
		_ = h.write(conn, model.NewNotFoundMessage())
		h.close(conn, websocket.ClosePolicyViolation, "task not found")
		return
	}
	defer sub.Close()
	log.Debug("订阅已建立")

	// 读循环只用于感知客户端断开
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				if sub.Dropped() {
					log.Warn("订阅者消费过慢，连接已关闭")
					h.close(conn, websocket.CloseTryAgainLater, "subscriber too slow")
				} else {
					h.close(conn, websocket.CloseGoingAway, "service shutting down")
				}
				return
			}
			if err := h.write(conn, msg); err != nil {
				log.Debug("推送失败，客户端可能已断开", zap.Error(err))
				return
			}
			if msg.IsTerminal() {
				h.close(conn, websocket.CloseNormalClosure, "")
				return
			}

		case <-gone:
			log.Debug("客户端已断开")
			return
		}
	}
}

func (h *ProgressHandler) write(conn *websocket.Conn, msg model.ProgressMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func (h *ProgressHandler) close(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wsCloseTimeout))
}
