package cmd

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"inpaint-service/app/config"
	"inpaint-service/app/inpaint"
	"inpaint-service/app/logger"
	"inpaint-service/app/model"
	"inpaint-service/app/storage"

	"github.com/fogleman/gg"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "用合成图片检查推理引擎",
	Long:  "加载配置的推理引擎，对一张合成图片执行验证、预处理、推理和后处理，输出结果大小和耗时",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		log := logger.New(cfg.Log)
		defer log.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Model.Timeout)
		defer cancel()

		blobs := storage.NewMemStore()
		adapter, err := inpaint.NewAdapter(ctx, cfg.Model, blobs, log)
		if err != nil {
			return fmt.Errorf("加载推理引擎失败: %w", err)
		}

		refs, err := storeSyntheticInputs(blobs, cfg.Model.MinImageSize)
		if err != nil {
			return err
		}

		start := time.Now()
		size, err := adapter.Validate(ctx, refs)
		if err != nil {
			return err
		}
		prepared, err := adapter.Preprocess(ctx, refs)
		if err != nil {
			return err
		}
		result, err := adapter.Infer(ctx, prepared, inpaint.Params{RefinementSteps: cfg.Model.RefinementSteps})
		if err != nil {
			return err
		}
		ref, err := adapter.Postprocess(ctx, result, storage.ResultKey("check.jpg"))
		if err != nil {
			return err
		}
		data, err := blobs.Get(ref)
		if err != nil {
			return err
		}

		info := adapter.Info()
		cmd.Printf("引擎: %s (%s)\n", info.Engine, info.Device)
		cmd.Printf("输入: %dx%d, 结果: %d 字节, 耗时: %v\n", size.Width, size.Height, len(data), time.Since(start))
		return nil
	},
}

// storeSyntheticInputs 生成一张带圆形物体的图片和对应的掩码
func storeSyntheticInputs(blobs storage.BlobStore, minSize int) (model.InputRefs, error) {
	side := max(256, minSize)
	center := float64(side) / 2

	img := gg.NewContext(side, side)
	img.SetRGB(0.85, 0.85, 0.8)
	img.Clear()
	img.SetRGB(0.8, 0.1, 0.1)
	img.DrawCircle(center, center, center/4)
	img.Fill()

	mask := gg.NewContext(side, side)
	mask.SetRGB(0, 0, 0)
	mask.Clear()
	mask.SetRGB(1, 1, 1)
	mask.DrawCircle(center, center, center/3)
	mask.Fill()

	refs := model.InputRefs{
		ImageKey: storage.UploadKey("check_image"),
		MaskKey:  storage.UploadKey("check_mask"),
	}
	for key, dc := range map[string]*gg.Context{refs.ImageKey: img, refs.MaskKey: mask} {
		var buf bytes.Buffer
		if err := dc.EncodePNG(&buf); err != nil {
			return refs, fmt.Errorf("生成合成图片失败: %w", err)
		}
		if err := blobs.Put(key, buf.Bytes()); err != nil {
			return refs, err
		}
	}
	return refs, nil
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
