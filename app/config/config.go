package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Model   ModelConfig   `mapstructure:"model"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Storage StorageConfig `mapstructure:"storage"`
	Task    TaskConfig    `mapstructure:"task"`
}

type ServerConfig struct {
	Port        string   `mapstructure:"port" validate:"required,numeric"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error fatal"`
	Format     string `mapstructure:"format" validate:"oneof=json text"` // json 或 text
	Output     string `mapstructure:"output" validate:"oneof=stdout file"`
	Dir        string `mapstructure:"dir"`         // 日志目录
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

// ModelConfig 推理引擎配置
type ModelConfig struct {
	Engine          string        `mapstructure:"engine" validate:"oneof=auto mock lama gemini"`
	Device          string        `mapstructure:"device" validate:"required"`
	CheckpointPath  string        `mapstructure:"checkpoint_path"`
	Endpoint        string        `mapstructure:"endpoint" validate:"omitempty,url"` // lama-cleaner 服务地址
	GeminiAPIKey    string        `mapstructure:"gemini_api_key"`
	GeminiModel     string        `mapstructure:"gemini_model"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxImageSize    int           `mapstructure:"max_image_size" validate:"gt=0"`
	MinImageSize    int           `mapstructure:"min_image_size" validate:"gt=0"`
	RefinementSteps int           `mapstructure:"refinement_steps" validate:"min=1,max=100"`
	JPEGQuality     int           `mapstructure:"jpeg_quality" validate:"min=1,max=100"`
	WatchCheckpoint bool          `mapstructure:"watch_checkpoint"`
}

// WorkerConfig worker 池与队列配置
type WorkerConfig struct {
	Count            int `mapstructure:"count" validate:"gt=0"`
	QueueSize        int `mapstructure:"queue_size" validate:"gt=0"`
	SubscriberBuffer int `mapstructure:"subscriber_buffer" validate:"gt=0"`
}

type StorageConfig struct {
	UploadDir         string        `mapstructure:"upload_dir" validate:"required"`
	ResultDir         string        `mapstructure:"result_dir" validate:"required"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	CleanupOnShutdown bool          `mapstructure:"cleanup_on_shutdown"`
}

// TaskConfig 任务记录保留策略，0 表示不清理
type TaskConfig struct {
	RetentionCompleted time.Duration `mapstructure:"retention_completed"`
	RetentionFailed    time.Duration `mapstructure:"retention_failed"`
	CleanupSchedule    string        `mapstructure:"cleanup_schedule"`
}

// envBindings 兼容原部署使用的环境变量名
var envBindings = map[string]string{
	"server.port":                 "INPAINT_SERVICE_PORT",
	"server.cors_origins":         "INPAINT_CORS_ORIGINS",
	"log.level":                   "LOG_LEVEL",
	"log.format":                  "LOG_FORMAT",
	"log.output":                  "LOG_OUTPUT",
	"log.dir":                     "LOG_DIR",
	"model.engine":                "LAMA_ENGINE",
	"model.device":                "LAMA_DEVICE",
	"model.checkpoint_path":       "LAMA_CHECKPOINT_PATH",
	"model.endpoint":              "LAMA_ENDPOINT",
	"model.gemini_api_key":        "GEMINI_API_KEY",
	"model.gemini_model":          "GEMINI_MODEL",
	"model.timeout":               "LAMA_TIMEOUT",
	"model.max_image_size":        "LAMA_MAX_IMAGE_SIZE",
	"model.min_image_size":        "LAMA_MIN_IMAGE_SIZE",
	"model.refinement_steps":      "LAMA_REFINEMENT_STEPS",
	"model.jpeg_quality":          "LAMA_JPEG_QUALITY",
	"model.watch_checkpoint":      "LAMA_WATCH_CHECKPOINT",
	"worker.count":                "LAMA_NUM_WORKERS",
	"worker.queue_size":           "LAMA_QUEUE_SIZE",
	"worker.subscriber_buffer":    "LAMA_SUBSCRIBER_BUFFER",
	"storage.upload_dir":          "UPLOAD_DIR",
	"storage.result_dir":          "RESULT_DIR",
	"storage.cache_ttl":           "RESULT_CACHE_TTL",
	"storage.cleanup_on_shutdown": "UPLOAD_CLEANUP",
	"task.retention_completed":    "TASK_RETENTION_COMPLETED",
	"task.retention_failed":       "TASK_RETENTION_FAILED",
	"task.cleanup_schedule":       "TASK_CLEANUP_SCHEDULE",
}

func Load() *Config {
	cfg, err := LoadFrom(viper.GetViper())
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	return cfg
}

// LoadFrom 从指定的 viper 实例读取并校验配置
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置和环境变量")
		} else {
			return nil, fmt.Errorf("读取配置文件出错: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解码配置: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// SetDefaults 设置默认配置并绑定环境变量
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.cors_origins", []string{"*"})

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.dir", "data/logs")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	// 推理引擎
	v.SetDefault("model.engine", "auto")
	v.SetDefault("model.device", "cpu")
	v.SetDefault("model.checkpoint_path", "/models/lama-mpe.ckpt")
	v.SetDefault("model.endpoint", "")
	v.SetDefault("model.gemini_model", "gemini-2.0-flash-preview-image-generation")
	v.SetDefault("model.timeout", 60*time.Second)
	v.SetDefault("model.max_image_size", 4096)
	v.SetDefault("model.min_image_size", 64)
	v.SetDefault("model.refinement_steps", 25)
	v.SetDefault("model.jpeg_quality", 95)
	v.SetDefault("model.watch_checkpoint", true)

	// worker 池
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.queue_size", 50)
	v.SetDefault("worker.subscriber_buffer", 32)

	// 存储
	v.SetDefault("storage.upload_dir", "/tmp/uploads")
	v.SetDefault("storage.result_dir", "/tmp/results")
	v.SetDefault("storage.cache_ttl", 10*time.Minute)
	v.SetDefault("storage.cleanup_on_shutdown", true)

	// 任务保留
	v.SetDefault("task.retention_completed", 24*time.Hour)
	v.SetDefault("task.retention_failed", 72*time.Hour)
	v.SetDefault("task.cleanup_schedule", "@every 10m")

	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if err := validator.New().Struct(config); err != nil {
		return err
	}
	if config.Model.MinImageSize > config.Model.MaxImageSize {
		return fmt.Errorf("最小图片尺寸 %d 大于最大尺寸 %d", config.Model.MinImageSize, config.Model.MaxImageSize)
	}
	switch config.Model.Engine {
	case "lama":
		if config.Model.Endpoint == "" {
			return fmt.Errorf("lama 引擎需要设置 model.endpoint")
		}
	case "gemini":
		if config.Model.GeminiAPIKey == "" {
			return fmt.Errorf("gemini 引擎需要设置 model.gemini_api_key")
		}
	}
	if config.Log.Output == "file" && strings.TrimSpace(config.Log.Dir) == "" {
		return fmt.Errorf("文件日志需要设置 log.dir")
	}
	return nil
}
