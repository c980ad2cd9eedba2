package inpaint

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
)

// previewColor 掩码覆盖区域的叠加颜色
var previewColor = color.NRGBA{R: 255, A: 110}

// RenderMaskPreview 在原图上叠加半透明红色掩码，输出 PNG
func RenderMaskPreview(imageData, maskData []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(imageData), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	rawMask, err := imaging.Decode(bytes.NewReader(maskData))
	if err != nil {
		return nil, fmt.Errorf("decode mask: %w", err)
	}

	size := img.Bounds().Size()
	if rawMask.Bounds().Size() != size {
		rawMask = imaging.Resize(rawMask, size.X, size.Y, imaging.NearestNeighbor)
	}
	mask := Binarize(rawMask)

	overlay := image.NewNRGBA(image.Rect(0, 0, size.X, size.Y))
	for y := 0; y < size.Y; y++ {
		for x := 0; x < size.X; x++ {
			if mask.GrayAt(x, y).Y != 0 {
				overlay.SetNRGBA(x, y, previewColor)
			}
		}
	}

	dc := gg.NewContextForImage(img)
	dc.DrawImage(overlay, 0, 0)

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode preview: %w", err)
	}
	return buf.Bytes(), nil
}
