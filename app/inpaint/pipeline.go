package inpaint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"sync"
	"time"

	"inpaint-service/app/logger"
	"inpaint-service/app/model"
	"inpaint-service/app/storage"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// maskThreshold 掩码灰度大于该值视为需要修复的区域
const maskThreshold = 128

// PipelineOptions 管线参数
type PipelineOptions struct {
	MinSize     int
	MaxSize     int
	JPEGQuality int
	Device      string
	Checkpoint  string
}

// SelectFunc 重新选择推理引擎，用于检查点热加载
type SelectFunc func(ctx context.Context) (Engine, error)

// Pipeline 通用的验证、预处理、后处理流程，推理交给 Engine
type Pipeline struct {
	blobs storage.BlobStore
	opts  PipelineOptions
	log   *logger.Logger

	mu       sync.RWMutex
	engine   Engine
	loadedAt time.Time
	loadTime time.Duration
	reselect SelectFunc
}

// NewPipeline 创建管线
func NewPipeline(engine Engine, blobs storage.BlobStore, opts PipelineOptions, log *logger.Logger) *Pipeline {
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 95
	}
	return &Pipeline{
		blobs:    blobs,
		opts:     opts,
		log:      log.Named("inpaint"),
		engine:   engine,
		loadedAt: time.Now(),
	}
}

func (p *Pipeline) currentEngine() Engine {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.engine
}

// SetEngine 替换推理引擎，正在执行的推理继续使用旧引擎
func (p *Pipeline) SetEngine(engine Engine, loadTime time.Duration) {
	p.mu.Lock()
	previous := p.engine
	p.engine = engine
	p.loadedAt = time.Now()
	p.loadTime = loadTime
	p.mu.Unlock()

	if previous == nil || previous.Name() != engine.Name() {
		p.log.Infof("推理引擎已切换: %s", engine.Name())
	}
}

// Reload 重新选择推理引擎
func (p *Pipeline) Reload(ctx context.Context) error {
	if p.reselect == nil {
		return nil
	}
	start := time.Now()
	engine, err := p.reselect(ctx)
	if err != nil {
		return err
	}
	p.SetEngine(engine, time.Since(start))
	return nil
}

// Info 返回当前模型状态
func (p *Pipeline) Info() model.ModelInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	info := model.ModelInfo{
		Device:     p.opts.Device,
		Checkpoint: p.opts.Checkpoint,
		LoadedAt:   p.loadedAt,
		LoadTime:   p.loadTime.Seconds(),
	}
	if p.engine != nil {
		info.Engine = p.engine.Name()
		info.Ready = p.engine.Ready()
	}
	return info
}

// Validate 检查图片可解码且尺寸在限制范围内
func (p *Pipeline) Validate(ctx context.Context, in model.InputRefs) (model.ImageSize, error) {
	if err := ctx.Err(); err != nil {
		return model.ImageSize{}, err
	}

	data, err := p.blobs.Get(in.ImageKey)
	if err != nil {
		return model.ImageSize{}, fmt.Errorf("%w: image unavailable: %v", ErrValidation, err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return model.ImageSize{}, fmt.Errorf("%w: invalid image: %v", ErrValidation, err)
	}

	if cfg.Width > p.opts.MaxSize || cfg.Height > p.opts.MaxSize {
		return model.ImageSize{}, fmt.Errorf("%w: image size %dx%d exceeds maximum %dx%d",
			ErrValidation, cfg.Width, cfg.Height, p.opts.MaxSize, p.opts.MaxSize)
	}
	if cfg.Width < p.opts.MinSize || cfg.Height < p.opts.MinSize {
		return model.ImageSize{}, fmt.Errorf("%w: image size %dx%d below minimum %dx%d",
			ErrValidation, cfg.Width, cfg.Height, p.opts.MinSize, p.opts.MinSize)
	}

	if !p.blobs.Exists(in.MaskKey) {
		return model.ImageSize{}, fmt.Errorf("%w: mask unavailable", ErrValidation)
	}

	p.log.Debugf("图片验证通过: %dx%d (%s)", cfg.Width, cfg.Height, format)
	return model.ImageSize{Width: cfg.Width, Height: cfg.Height}, nil
}

// Preprocess 解码图片和掩码，掩码按阈值二值化
func (p *Pipeline) Preprocess(ctx context.Context, in model.InputRefs) (*Prepared, error) {
	img, err := p.decode(in.ImageKey)
	if err != nil {
		return nil, fmt.Errorf("%w: image: %v", ErrPreprocess, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mask, err := p.decode(in.MaskKey)
	if err != nil {
		return nil, fmt.Errorf("%w: mask: %v", ErrPreprocess, err)
	}

	if img.Bounds().Size() != mask.Bounds().Size() {
		return nil, fmt.Errorf("%w: mask size %v does not match image size %v",
			ErrPreprocess, mask.Bounds().Size(), img.Bounds().Size())
	}

	return &Prepared{
		Image: imaging.Clone(img),
		Mask:  Binarize(mask),
	}, nil
}

func (p *Pipeline) decode(key string) (image.Image, error) {
	data, err := p.blobs.Get(key)
	if err != nil {
		return nil, err
	}
	return imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
}

// Infer 调用当前推理引擎
func (p *Pipeline) Infer(ctx context.Context, in *Prepared, params Params) (image.Image, error) {
	engine := p.currentEngine()
	if engine == nil || !engine.Ready() {
		return nil, fmt.Errorf("%w: %w", ErrInference, ErrEngineUnavailable)
	}

	result, err := engine.Inpaint(ctx, in.Image, in.Mask, params)
	if err != nil {
		if errors.Is(err, ErrInference) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	if result == nil {
		return nil, fmt.Errorf("%w: engine %s returned no image", ErrInference, engine.Name())
	}
	return result, nil
}

// Postprocess 编码为 JPEG 写入结果存储
func (p *Pipeline) Postprocess(ctx context.Context, result image.Image, dest string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, result, imaging.JPEG, imaging.JPEGQuality(p.opts.JPEGQuality)); err != nil {
		return "", fmt.Errorf("%w: encode: %v", ErrIO, err)
	}
	if err := p.blobs.Put(dest, buf.Bytes()); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	return dest, nil
}

// Binarize 把任意掩码图转成 0/255 的灰度图
func Binarize(mask image.Image) *image.Gray {
	gray := imaging.Grayscale(mask)
	bounds := gray.Bounds()
	out := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			i := gray.PixOffset(x, y)
			if gray.Pix[i] > maskThreshold && gray.Pix[i+3] > 0 {
				out.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return out
}

// composite 只把掩码覆盖区域的像素从 filled 拷贝到原图
func composite(original *image.NRGBA, filled image.Image, mask *image.Gray) *image.NRGBA {
	out := imaging.Clone(original)
	bounds := out.Bounds()
	src := imaging.Clone(filled)
	if src.Bounds().Size() != bounds.Size() {
		src = imaging.Resize(filled, bounds.Dx(), bounds.Dy(), imaging.Lanczos)
	}

	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			if mask.GrayAt(x, y).Y == 0 {
				continue
			}
			i := out.PixOffset(x, y)
			copy(out.Pix[i:i+4], src.Pix[i:i+4])
		}
	}
	return out
}
