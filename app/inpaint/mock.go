package inpaint

import (
	"context"
	"image"
	"time"

	"github.com/disintegration/imaging"
)

// MockEngine 没有模型检查点时使用，对掩码区域做高斯模糊
type MockEngine struct {
	delay time.Duration
}

// NewMockEngine 创建模拟引擎，delay 用于模拟推理耗时
func NewMockEngine(delay time.Duration) *MockEngine {
	return &MockEngine{delay: delay}
}

func (e *MockEngine) Name() string { return "mock" }

func (e *MockEngine) Ready() bool { return true }

// Inpaint 用模糊后的像素填充掩码区域，细化步数越多模糊越强
func (e *MockEngine) Inpaint(ctx context.Context, img *image.NRGBA, mask *image.Gray, params Params) (image.Image, error) {
	if e.delay > 0 {
		timer := time.NewTimer(e.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sigma := 4 + float64(params.RefinementSteps)/5
	blurred := imaging.Blur(img, sigma)
	return composite(img, blurred, mask), nil
}
