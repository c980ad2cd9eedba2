package inpaint

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"

	"inpaint-service/app/logger"

	"github.com/disintegration/imaging"
	"google.golang.org/genai"
)

const geminiPrompt = "The first image is a photo, the second image is a black and white mask. " +
	"Remove everything covered by the white area of the mask and fill it so that it blends naturally " +
	"with the surrounding content. Return only the edited photo at the same size."

// GeminiEngine 使用 Gemini 图像模型完成修复
type GeminiEngine struct {
	client *genai.Client
	model  string
	log    *logger.Logger
}

// NewGeminiEngine 创建 Gemini 客户端
func NewGeminiEngine(ctx context.Context, apiKey, modelName string, log *logger.Logger) (*GeminiEngine, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create gemini client: %v", ErrEngineUnavailable, err)
	}

	return &GeminiEngine{
		client: client,
		model:  modelName,
		log:    log.Named("gemini"),
	}, nil
}

func (e *GeminiEngine) Name() string { return "gemini" }

func (e *GeminiEngine) Ready() bool { return e.client != nil }

// Inpaint 发送原图和掩码，取回复中的第一张图片
func (e *GeminiEngine) Inpaint(ctx context.Context, img *image.NRGBA, mask *image.Gray, params Params) (image.Image, error) {
	var imageBuf, maskBuf bytes.Buffer
	if err := imaging.Encode(&imageBuf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("%w: encode image: %v", ErrInference, err)
	}
	if err := imaging.Encode(&maskBuf, mask, imaging.PNG); err != nil {
		return nil, fmt.Errorf("%w: encode mask: %v", ErrInference, err)
	}

	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{Text: geminiPrompt},
			{InlineData: &genai.Blob{MIMEType: "image/png", Data: imageBuf.Bytes()}},
			{InlineData: &genai.Blob{MIMEType: "image/png", Data: maskBuf.Bytes()}},
		},
	}}

	e.log.Debugf("调用 Gemini 模型 %s, 细化步数 %d 对该引擎无效", e.model, params.RefinementSteps)

	resp, err := e.client.Models.GenerateContent(ctx, e.model, contents, &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: gemini: %v", ErrInference, err)
	}

	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: gemini returned no candidates", ErrInference)
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return nil, fmt.Errorf("%w: gemini blocked the request for safety reasons", ErrInference)
	}
	if candidate.Content == nil {
		return nil, fmt.Errorf("%w: gemini returned empty content", ErrInference)
	}

	for _, part := range candidate.Content.Parts {
		if part.InlineData == nil || !strings.HasPrefix(part.InlineData.MIMEType, "image/") {
			continue
		}
		result, err := imaging.Decode(bytes.NewReader(part.InlineData.Data))
		if err != nil {
			return nil, fmt.Errorf("%w: decode gemini image: %v", ErrInference, err)
		}
		return composite(img, result, mask), nil
	}

	return nil, fmt.Errorf("%w: gemini response contains no image", ErrInference)
}
