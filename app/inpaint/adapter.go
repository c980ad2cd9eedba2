package inpaint

import (
	"context"
	"errors"
	"image"

	"inpaint-service/app/model"
)

// 各阶段的错误类型，worker 池据此记录失败原因
var (
	ErrValidation        = errors.New("validation failed")
	ErrPreprocess        = errors.New("preprocessing failed")
	ErrInference         = errors.New("inference failed")
	ErrIO                = errors.New("result write failed")
	ErrEngineUnavailable = errors.New("inference engine unavailable")
)

// Params 推理参数
type Params struct {
	RefinementSteps int
}

// Prepared 预处理后的输入，掩码已二值化为 0/255
type Prepared struct {
	Image *image.NRGBA
	Mask  *image.Gray
}

// Adapter 模型适配器。worker 池按顺序调用这四个阶段
type Adapter interface {
	Validate(ctx context.Context, in model.InputRefs) (model.ImageSize, error)
	Preprocess(ctx context.Context, in model.InputRefs) (*Prepared, error)
	Infer(ctx context.Context, in *Prepared, params Params) (image.Image, error)
	Postprocess(ctx context.Context, result image.Image, dest string) (string, error)
	Info() model.ModelInfo
}

// Engine 实际执行修复的推理后端
type Engine interface {
	Name() string
	Ready() bool
	Inpaint(ctx context.Context, img *image.NRGBA, mask *image.Gray, params Params) (image.Image, error)
}
