package inpaint

import (
	"context"
	"bytes"
	"image"
	"testing"

	"inpaint-service/app/logger"
	"inpaint-service/app/model"
	"inpaint-service/app/storage"

	"github.com/fogleman/gg"
	"github.com/stretchr/testify/require"
)

// splitImage 左红右蓝的测试图片
func splitImage(t *testing.T, w, h int) []byte {
	t.Helper()
	dc := gg.NewContext(w, h)
	dc.SetRGB(1, 0, 0)
	dc.DrawRectangle(0, 0, float64(w)/2, float64(h))
	dc.Fill()
	dc.SetRGB(0, 0, 1)
	dc.DrawRectangle(float64(w)/2, 0, float64(w)/2, float64(h))
	dc.Fill()
	return encodePNG(t, dc)
}

// rectMask 黑底白色矩形掩码
func rectMask(t *testing.T, w, h int, r image.Rectangle) []byte {
	t.Helper()
	dc := gg.NewContext(w, h)
	dc.SetRGB(0, 0, 0)
	dc.Clear()
	dc.SetRGB(1, 1, 1)
	dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
	dc.Fill()
	return encodePNG(t, dc)
}

func encodePNG(t *testing.T, dc *gg.Context) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, dc.EncodePNG(&buf))
	return buf.Bytes()
}

func storeInputs(t *testing.T, blobs storage.BlobStore, imageData, maskData []byte) model.InputRefs {
	t.Helper()
	refs := model.InputRefs{
		ImageKey: storage.UploadKey("t_image"),
		MaskKey:  storage.UploadKey("t_mask"),
	}
	require.NoError(t, blobs.Put(refs.ImageKey, imageData))
	require.NoError(t, blobs.Put(refs.MaskKey, maskData))
	return refs
}

func newTestPipeline(engine Engine, blobs storage.BlobStore) *Pipeline {
	return NewPipeline(engine, blobs, PipelineOptions{
		MinSize:     64,
		MaxSize:     512,
		JPEGQuality: 90,
		Device:      "cpu",
	}, logger.NewNop())
}

// unavailableEngine 始终未就绪
type unavailableEngine struct{}

func (unavailableEngine) Name() string { return "offline" }
func (unavailableEngine) Ready() bool  { return false }
func (unavailableEngine) Inpaint(_ context.Context, _ *image.NRGBA, _ *image.Gray, _ Params) (image.Image, error) {
	panic("不应被调用")
}
