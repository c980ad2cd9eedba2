package handler

import (
	"errors"
	"net/http"

	"inpaint-service/app/service"
	"inpaint-service/app/storage"

	"github.com/gin-gonic/gin"
)

// ApiResponse 统一响应结构
type ApiResponse struct {
	Code    int    `json:"code"`    // 状态码，0表示成功
	Message string `json:"message"` // 响应消息
	Data    any    `json:"data"`    // 响应数据
}

// success 统一成功响应
func success(c *gin.Context, statusCode int, data any, message string) {
	c.JSON(statusCode, ApiResponse{Code: 0, Message: message, Data: data})
}

// fail 统一错误响应，错误码与 HTTP 状态码一致
func fail(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, ApiResponse{Code: statusCode, Message: message, Data: nil})
}

// retryAfterSeconds 队列满时建议客户端的重试间隔
const retryAfterSeconds = "5"

// failWithError 把服务层错误映射为 HTTP 状态码
func failWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrTaskNotFound), errors.Is(err, storage.ErrBlobNotFound):
		fail(c, http.StatusNotFound, "任务不存在")
	case errors.Is(err, service.ErrNotReady):
		fail(c, http.StatusConflict, "任务尚未完成")
	case errors.Is(err, service.ErrCapacityExceeded):
		c.Header("Retry-After", retryAfterSeconds)
		fail(c, http.StatusServiceUnavailable, "队列已满，请稍后重试")
	case errors.Is(err, service.ErrModelNotReady):
		fail(c, http.StatusServiceUnavailable, "模型尚未就绪")
	case errors.Is(err, service.ErrSchedulerClosed):
		fail(c, http.StatusServiceUnavailable, "服务正在关闭")
	default:
		fail(c, http.StatusInternalServerError, "服务器内部错误")
	}
}
