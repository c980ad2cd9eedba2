package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	v.AddConfigPath(t.TempDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	return v
}

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(newViper(t))
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "auto", cfg.Model.Engine)
	assert.Equal(t, 4096, cfg.Model.MaxImageSize)
	assert.Equal(t, 64, cfg.Model.MinImageSize)
	assert.Equal(t, 25, cfg.Model.RefinementSteps)
	assert.Equal(t, 95, cfg.Model.JPEGQuality)
	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, 50, cfg.Worker.QueueSize)
	assert.Equal(t, 24*time.Hour, cfg.Task.RetentionCompleted)
	assert.Equal(t, 72*time.Hour, cfg.Task.RetentionFailed)
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	t.Setenv("LAMA_NUM_WORKERS", "2")
	t.Setenv("LAMA_QUEUE_SIZE", "7")
	t.Setenv("INPAINT_SERVICE_PORT", "9100")
	t.Setenv("LAMA_DEVICE", "cuda")
	t.Setenv("RESULT_DIR", "/data/results")

	cfg, err := LoadFrom(newViper(t))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Worker.Count)
	assert.Equal(t, 7, cfg.Worker.QueueSize)
	assert.Equal(t, "9100", cfg.Server.Port)
	assert.Equal(t, "cuda", cfg.Model.Device)
	assert.Equal(t, "/data/results", cfg.Storage.ResultDir)
}

func TestLoadFrom_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
worker:
  count: 8
  queue_size: 100
model:
  engine: mock
task:
  retention_completed: 1h
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0644))

	v := viper.New()
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Worker.Count)
	assert.Equal(t, 100, cfg.Worker.QueueSize)
	assert.Equal(t, "mock", cfg.Model.Engine)
	assert.Equal(t, time.Hour, cfg.Task.RetentionCompleted)
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"零个 worker", map[string]string{"LAMA_NUM_WORKERS": "0"}},
		{"零容量队列", map[string]string{"LAMA_QUEUE_SIZE": "0"}},
		{"未知引擎", map[string]string{"LAMA_ENGINE": "torch"}},
		{"lama 缺少地址", map[string]string{"LAMA_ENGINE": "lama"}},
		{"gemini 缺少密钥", map[string]string{"LAMA_ENGINE": "gemini"}},
		{"最小尺寸大于最大尺寸", map[string]string{"LAMA_MIN_IMAGE_SIZE": "512", "LAMA_MAX_IMAGE_SIZE": "256"}},
		{"细化步数越界", map[string]string{"LAMA_REFINEMENT_STEPS": "500"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFrom(newViper(t))
			assert.Error(t, err)
		})
	}
}
