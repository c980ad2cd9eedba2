package inpaint

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strconv"
	"sync/atomic"
	"time"

	"inpaint-service/app/logger"

	"github.com/disintegration/imaging"
	"resty.dev/v3"
)

// LamaEngine 调用外部 lama-cleaner 服务完成推理
type LamaEngine struct {
	client *resty.Client
	device string
	ready  atomic.Bool
	log    *logger.Logger
}

// NewLamaEngine 创建 lama-cleaner 客户端
func NewLamaEngine(endpoint, device string, timeout time.Duration, log *logger.Logger) *LamaEngine {
	client := resty.New()
	client.SetBaseURL(endpoint)
	client.SetTimeout(timeout)

	return &LamaEngine{
		client: client,
		device: device,
		log:    log.Named("lama"),
	}
}

func (e *LamaEngine) Name() string { return "lama" }

func (e *LamaEngine) Ready() bool { return e.ready.Load() }

// Ping 检查服务是否可用，成功后标记为就绪
func (e *LamaEngine) Ping(ctx context.Context) error {
	resp, err := e.client.R().
		SetContext(ctx).
		Get("/model")
	if err != nil {
		e.ready.Store(false)
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if resp.IsError() {
		e.ready.Store(false)
		return fmt.Errorf("%w: 状态码 %d", ErrEngineUnavailable, resp.StatusCode())
	}

	e.ready.Store(true)
	e.log.Infof("lama-cleaner 已就绪, 模型: %s", resp.String())
	return nil
}

// Inpaint 以 multipart 上传图片和掩码，返回修复结果
func (e *LamaEngine) Inpaint(ctx context.Context, img *image.NRGBA, mask *image.Gray, params Params) (image.Image, error) {
	var imageBuf, maskBuf bytes.Buffer
	if err := imaging.Encode(&imageBuf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("%w: encode image: %v", ErrInference, err)
	}
	if err := imaging.Encode(&maskBuf, mask, imaging.PNG); err != nil {
		return nil, fmt.Errorf("%w: encode mask: %v", ErrInference, err)
	}

	resp, err := e.client.R().
		SetContext(ctx).
		SetFileReader("image", "image.png", &imageBuf).
		SetFileReader("mask", "mask.png", &maskBuf).
		SetFormData(map[string]string{
			"ldmSteps":   strconv.Itoa(params.RefinementSteps),
			"hdStrategy": "Original",
			"sizeLimit":  "Original",
		}).
		Post("/inpaint")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: request lama-cleaner: %v", ErrInference, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: lama-cleaner status %d: %s", ErrInference, resp.StatusCode(), resp.String())
	}

	result, err := imaging.Decode(bytes.NewReader(resp.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("%w: decode lama-cleaner result: %v", ErrInference, err)
	}

	// 只保留掩码区域的修改
	return composite(img, result, mask), nil
}

// Close 释放 HTTP 客户端
func (e *LamaEngine) Close() error {
	return e.client.Close()
}
