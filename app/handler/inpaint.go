package handler

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"inpaint-service/app/logger"
	"inpaint-service/app/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxUploadSize 单个上传文件的大小上限
const maxUploadSize = 32 << 20

// InpaintHandler 任务提交与查询接口
type InpaintHandler struct {
	svc    *service.InpaintService
	logger *logger.Logger
}

// NewInpaintHandler 构造函数
func NewInpaintHandler(svc *service.InpaintService, log *logger.Logger) *InpaintHandler {
	return &InpaintHandler{svc: svc, logger: log}
}

// submitQuery 提交参数，通过查询字符串传入
type submitQuery struct {
	Priority        *int `form:"priority" binding:"omitempty,min=0,max=2"`
	RefinementSteps *int `form:"refinement_steps" binding:"omitempty,min=1,max=100"`
}

// Submit 上传图片和掩码创建任务
// multipart 字段: image, mask; 查询参数: priority, refinement_steps
func (h *InpaintHandler) Submit(c *gin.Context) {
	var query submitQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		fail(c, http.StatusBadRequest, "参数错误: "+err.Error())
		return
	}

	image, err := readFormFile(c, "image")
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	mask, err := readFormFile(c, "mask")
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.svc.Submit(c.Request.Context(), service.SubmitRequest{
		Image:           image,
		Mask:            mask,
		Priority:        query.Priority,
		RefinementSteps: query.RefinementSteps,
	})
	if err != nil {
		h.logger.Warn("提交任务失败", zap.Error(err), zap.String("client", c.ClientIP()))
		failWithError(c, err)
		return
	}

	success(c, http.StatusAccepted, result, "任务已提交")
}

func readFormFile(c *gin.Context, field string) ([]byte, error) {
	header, err := c.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("缺少文件字段 %s", field)
	}
	if header.Size > maxUploadSize {
		return nil, fmt.Errorf("文件 %s 超过大小限制", field)
	}
	return readMultipart(header)
}

func readMultipart(header *multipart.FileHeader) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("读取文件 %s 失败: %w", header.Filename, err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSize+1))
	if err != nil {
		return nil, fmt.Errorf("读取文件 %s 失败: %w", header.Filename, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("文件 %s 为空", header.Filename)
	}
	return data, nil
}

// GetTask 查询任务状态
func (h *InpaintHandler) GetTask(c *gin.Context) {
	task, err := h.svc.GetTask(c.Param("id"))
	if err != nil {
		failWithError(c, err)
		return
	}
	success(c, http.StatusOK, task, "获取成功")
}

// GetResult 下载结果图片，任务未完成时返回 409
func (h *InpaintHandler) GetResult(c *gin.Context) {
	id := c.Param("id")
	data, _, err := h.svc.GetResult(id)
	if err != nil {
		failWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`inline; filename="inpainted_%s.jpg"`, id))
	c.Data(http.StatusOK, "image/jpeg", data)
}

// GetPreview 原图叠加掩码的预览
func (h *InpaintHandler) GetPreview(c *gin.Context) {
	data, err := h.svc.Preview(c.Param("id"))
	if err != nil {
		failWithError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

// Health 健康检查
func (h *InpaintHandler) Health(c *gin.Context) {
	report := h.svc.Health()
	success(c, http.StatusOK, report, report.Status)
}

// Stats 任务统计
func (h *InpaintHandler) Stats(c *gin.Context) {
	success(c, http.StatusOK, h.svc.Stats(), "获取成功")
}
