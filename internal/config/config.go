// Package config 提供了化合物数据采集管道的配置管理功能。
// 该包负责从 YAML 配置文件加载配置，并支持通过环境变量覆盖敏感配置项（如密码和 API Key）。
// 配置覆盖熔断器、限流、调用重试、响应缓存、检查点、批处理、外部服务、日志、指标和遥测等方面。
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// 缓存后端类型
const (
	CacheBackendFile   = "file"
	CacheBackendBadger = "badger"
	CacheBackendRedis  = "redis"
)

// DefaultUserAgent 访问外部服务时使用的默认 User-Agent
const DefaultUserAgent = "ChemDataCollector/0.1 (Research Project)"

// Config 是应用程序的主配置结构体，包含所有子系统的配置。
// 该结构体通过 YAML 标签与配置文件进行映射。
type Config struct {
	// Breaker 熔断器配置，对每个外部服务单独生效
	Breaker BreakerConfig `yaml:"breaker"`
	// RateLimit 默认限流配置，可被 Services 中的单个服务覆盖
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// Client 弹性调用客户端配置，包括重试次数和请求超时
	Client ClientConfig `yaml:"client"`
	// Cache 响应缓存配置
	Cache CacheConfig `yaml:"cache"`
	// Checkpoint 检查点存储配置
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	// Batch 批处理配置，包括并发工作协程数和分块大小
	Batch BatchConfig `yaml:"batch"`
	// Services 外部服务配置，键为服务名称（如 pubchem、pubmed）
	Services map[string]ServiceConfig `yaml:"services"`
	// Pipeline 管道步骤配置
	Pipeline PipelineConfig `yaml:"pipeline"`
	// Server 运维 HTTP 服务配置
	Server ServerConfig `yaml:"server"`
	// Storage 存储配置，目前仅包含 Redis 连接信息
	Storage StorageConfig `yaml:"storage"`
	// Events 事件配置，包括 NATS 消息队列连接信息
	Events EventsConfig `yaml:"events"`
	// Logging 日志配置，包括日志级别和格式
	Logging LoggingConfig `yaml:"logging"`
	// Metrics 指标配置，用于 Prometheus 监控
	Metrics MetricsConfig `yaml:"metrics"`
	// Telemetry 遥测配置，用于分布式追踪
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// BreakerConfig 熔断器配置结构体。
type BreakerConfig struct {
	// FailureThreshold 连续失败多少次后熔断器打开
	// 默认值：5
	FailureThreshold int `yaml:"failure_threshold"`
	// ResetTimeout 打开状态持续多久后允许进入半开状态
	// 默认值：60 秒
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	// HalfOpenTimeout 半开状态下两次试探调用之间的最小间隔
	// 默认值：30 秒
	HalfOpenTimeout time.Duration `yaml:"half_open_timeout"`
}

// RateLimitConfig 限流配置结构体。
type RateLimitConfig struct {
	// MinInterval 同一服务两次调用之间的最小间隔，0 表示不限流
	// 默认值：200 毫秒
	MinInterval time.Duration `yaml:"min_interval"`
}

// ClientConfig 弹性调用客户端配置结构体。
type ClientConfig struct {
	// MaxRetries 单次调用的最大尝试次数（包含第一次）
	// 默认值：3
	MaxRetries int `yaml:"max_retries"`
	// RetryDelay 线性退避的基础间隔，第 n 次失败后等待 RetryDelay*n
	// 默认值：1 秒
	RetryDelay time.Duration `yaml:"retry_delay"`
	// MaxRetryDelay 退避间隔上限，0 表示不设上限
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	// RequestTimeout 单次尝试的超时时间
	// 默认值：30 秒
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// UserAgent 发送 HTTP 请求时使用的 User-Agent
	UserAgent string `yaml:"user_agent"`
}

// CacheConfig 响应缓存配置结构体。
type CacheConfig struct {
	// Disabled 是否关闭响应缓存
	// 默认值：false
	Disabled bool `yaml:"disabled"`
	// Backend 缓存后端，可选值：file、badger、redis
	// 默认值：file
	Backend string `yaml:"backend"`
	// Dir 文件或 badger 后端的数据目录
	// 默认值：~/.chemical_data_collector/cache
	Dir string `yaml:"dir"`
	// TTL 缓存条目的有效期
	// 默认值：24 小时
	TTL time.Duration `yaml:"ttl"`
	// PruneSchedule 过期条目清理任务的 cron 表达式
	// 默认值：@every 1h
	PruneSchedule string `yaml:"prune_schedule"`
	// RedisPrefix redis 后端的键前缀
	// 默认值：chemdata:cache:
	RedisPrefix string `yaml:"redis_prefix"`
}

// CheckpointConfig 检查点存储配置结构体。
type CheckpointConfig struct {
	// Dir 检查点目录，包含清单文件和各步骤数据文件
	// 默认值：./checkpoints
	Dir string `yaml:"dir"`
}

// BatchConfig 批处理配置结构体。
type BatchConfig struct {
	// MaxWorkers 批处理并发工作协程数
	// 默认值：4
	MaxWorkers int `yaml:"max_workers"`
	// ChunkSize 分块读取大表时每块的行数
	// 默认值：100000
	ChunkSize int `yaml:"chunk_size"`
}

// ServiceConfig 单个外部服务配置结构体。
type ServiceConfig struct {
	// BaseURL 服务根地址
	BaseURL string `yaml:"base_url"`
	// MinInterval 覆盖全局限流间隔，0 表示沿用 RateLimit.MinInterval
	MinInterval time.Duration `yaml:"min_interval"`
	// APIKey 服务 API Key（可选）
	APIKey string `yaml:"api_key"`
}

// PipelineConfig 管道配置结构体。
type PipelineConfig struct {
	// TargetPatterns 目标受体名称的匹配模式（不区分大小写的正则表达式）
	TargetPatterns []string `yaml:"target_patterns"`
	// Organisms 允许的物种名称（子串匹配，不区分大小写），默认为人、小鼠、大鼠等哺乳动物
	Organisms []string `yaml:"organisms"`
	// MaxCompounds 富集步骤最多处理的化合物数量，0 表示不限制
	MaxCompounds int `yaml:"max_compounds"`
}

// ServerConfig 运维 HTTP 服务配置结构体。
type ServerConfig struct {
	// Listen 监听地址，为空则不启动
	Listen string `yaml:"listen"`
	// ShutdownTimeout 优雅关闭超时时间
	// 默认值：10 秒
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig 存储配置结构体。
type StorageConfig struct {
	// Redis Redis 连接配置
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig Redis 连接配置结构体。
type RedisConfig struct {
	// Address Redis 服务器地址，格式为 "host:port"
	Address string `yaml:"address"`
	// Password Redis 密码，可通过环境变量 CHEMDATA_REDIS_PASSWORD 或
	// CHEMDATA_REDIS_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// DB Redis 数据库编号（0-15）
	DB int `yaml:"db"`
}

// EventsConfig 事件配置结构体。
type EventsConfig struct {
	// NatsURL NATS 消息服务器 URL，如 "nats://localhost:4222"，为空则不发布事件
	NatsURL string `yaml:"nats_url"`
	// Stream JetStream 流名称，默认 CHEMDATA
	Stream string `yaml:"stream"`
	// SubjectPrefix 事件主题前缀，默认 chemdata
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LoggingConfig 日志配置结构体。
type LoggingConfig struct {
	// Level 日志级别，可选值：debug、info、warn、error
	Level string `yaml:"level"`
	// Format 日志格式，可选值：json、text
	Format string `yaml:"format"`
	// File 日志文件路径，为空则只输出到标准错误
	File string `yaml:"file"`
}

// MetricsConfig 指标配置结构体。
type MetricsConfig struct {
	// Enabled 是否启用指标收集
	Enabled bool `yaml:"enabled"`
	// Namespace 指标命名空间前缀
	Namespace string `yaml:"namespace"`
}

// TelemetryConfig 遥测配置结构体。
// 定义了分布式追踪的相关设置，支持 OpenTelemetry 协议。
type TelemetryConfig struct {
	// Enabled 是否启用遥测
	Enabled bool `yaml:"enabled"`
	// Endpoint OTLP 端点地址
	// 默认值：localhost:4317
	Endpoint string `yaml:"endpoint"`
	// ServiceName 服务名称，用于追踪标识
	// 默认值：chemdata
	ServiceName string `yaml:"service_name"`
	// SampleRate 采样率，范围 0.0 到 1.0
	// 默认值：0.1（10% 采样）
	SampleRate float64 `yaml:"sample_rate"`
	// Environment 环境标识（如 production、development）
	// 默认值：development
	Environment string `yaml:"environment"`
}

// Load 从指定路径加载配置文件。
// 该函数会读取 YAML 配置文件，应用默认值，并处理环境变量覆盖。
//
// 参数：
//   - path: 配置文件的路径
//
// 返回值：
//   - *Config: 加载并处理后的配置对象
//   - error: 如果读取或解析失败则返回错误
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := newConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

// newConfig 返回预置布尔默认值的配置，YAML 中未出现的字段保持这些值。
func newConfig() *Config {
	return &Config{Metrics: MetricsConfig{Enabled: true}}
}

// Default 返回仅包含默认值的配置，用于未提供配置文件的场景。
func Default() *Config {
	cfg := newConfig()
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

// Service 返回指定服务的配置，服务未配置时返回零值。
func (c *Config) Service(name string) ServiceConfig {
	return c.Services[name]
}

// MinIntervalFor 返回指定服务的限流间隔，优先使用服务级配置。
func (c *Config) MinIntervalFor(name string) time.Duration {
	if s, ok := c.Services[name]; ok && s.MinInterval > 0 {
		return s.MinInterval
	}
	return c.RateLimit.MinInterval
}

// applyEnvOverrides 应用环境变量覆盖。
// 支持直接设置环境变量（如 CHEMDATA_REDIS_PASSWORD），
// 或通过 _FILE 后缀指定包含密钥的文件路径（如 CHEMDATA_REDIS_PASSWORD_FILE）。
// _FILE 方式优先级更高，适用于 Docker Secrets 等场景。
func (c *Config) applyEnvOverrides() {
	if v := readEnvOrFileAny(
		[]string{"CHEMDATA_REDIS_PASSWORD"},
		[]string{"CHEMDATA_REDIS_PASSWORD_FILE"},
	); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := readEnvOrFileAny(
		[]string{"CHEMDATA_PUBMED_API_KEY", "NCBI_API_KEY"},
		[]string{"CHEMDATA_PUBMED_API_KEY_FILE"},
	); v != "" {
		svc := c.Services["pubmed"]
		svc.APIKey = v
		c.Services["pubmed"] = svc
	}
}

// readEnvOrFileAny 从环境变量或文件读取配置值。
// 优先从 fileKeys 指定的文件路径读取，如果文件不存在或读取失败，
// 则从 envKeys 指定的环境变量读取。
func readEnvOrFileAny(envKeys []string, fileKeys []string) string {
	for _, fileKey := range fileKeys {
		if filePath := strings.TrimSpace(os.Getenv(fileKey)); filePath != "" {
			if b, err := os.ReadFile(filePath); err == nil {
				return strings.TrimSpace(string(b))
			}
		}
	}

	for _, envKey := range envKeys {
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			return v
		}
	}

	return ""
}

// defaultCacheDir 返回默认缓存目录，无法获取用户目录时退回到当前目录。
func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".", ".chemical_data_collector", "cache")
	}
	return filepath.Join(home, ".chemical_data_collector", "cache")
}

// expandHome 将以 "~/" 开头的路径展开为用户主目录下的路径。
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return filepath.Join(home, path[2:])
}

// applyDefaults 应用默认配置值。
// 该方法为未设置的配置项填充合理的默认值，确保应用可以正常运行。
func (c *Config) applyDefaults() {
	// 熔断器默认：5 次失败打开，60 秒后半开，半开试探间隔 30 秒
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.ResetTimeout == 0 {
		c.Breaker.ResetTimeout = 60 * time.Second
	}
	if c.Breaker.HalfOpenTimeout == 0 {
		c.Breaker.HalfOpenTimeout = 30 * time.Second
	}
	// 全局限流间隔默认 200 毫秒
	if c.RateLimit.MinInterval == 0 {
		c.RateLimit.MinInterval = 200 * time.Millisecond
	}
	// 最大尝试次数默认为 3
	if c.Client.MaxRetries <= 0 {
		c.Client.MaxRetries = 3
	}
	if c.Client.RetryDelay == 0 {
		c.Client.RetryDelay = time.Second
	}
	if c.Client.RequestTimeout == 0 {
		c.Client.RequestTimeout = 30 * time.Second
	}
	if c.Client.UserAgent == "" {
		c.Client.UserAgent = DefaultUserAgent
	}
	// 缓存默认使用文件后端，有效期 24 小时
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheBackendFile
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = defaultCacheDir()
	}
	c.Cache.Dir = expandHome(c.Cache.Dir)
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 24 * time.Hour
	}
	if c.Cache.PruneSchedule == "" {
		c.Cache.PruneSchedule = "@every 1h"
	}
	if c.Cache.RedisPrefix == "" {
		c.Cache.RedisPrefix = "chemdata:cache:"
	}
	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = "checkpoints"
	}
	c.Checkpoint.Dir = expandHome(c.Checkpoint.Dir)
	c.Logging.File = expandHome(c.Logging.File)
	// 批处理默认 4 个工作协程
	if c.Batch.MaxWorkers <= 0 {
		c.Batch.MaxWorkers = 4
	}
	if c.Batch.ChunkSize <= 0 {
		c.Batch.ChunkSize = 100000
	}
	if c.Services == nil {
		c.Services = make(map[string]ServiceConfig)
	}
	if _, ok := c.Services["pubchem"]; !ok {
		c.Services["pubchem"] = ServiceConfig{BaseURL: "https://pubchem.ncbi.nlm.nih.gov/rest/pug"}
	}
	if _, ok := c.Services["pubmed"]; !ok {
		// 无 API Key 时 E-utilities 限制为每秒 3 次
		c.Services["pubmed"] = ServiceConfig{
			BaseURL:     "https://eutils.ncbi.nlm.nih.gov/entrez/eutils",
			MinInterval: 340 * time.Millisecond,
		}
	}
	if len(c.Pipeline.TargetPatterns) == 0 {
		c.Pipeline.TargetPatterns = []string{`5-?HT2[ABC]?`, `serotonin 2[abc]? receptor`, `HTR2[ABC]`, `5-hydroxytryptamine receptor 2`}
	}
	if len(c.Pipeline.Organisms) == 0 {
		c.Pipeline.Organisms = []string{"human", "homo sapiens", "mouse", "mus musculus", "rat", "rattus", "mammal"}
	}
	if c.Events.Stream == "" {
		c.Events.Stream = "CHEMDATA"
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "chemdata"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "chemdata"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "chemdata"
	}
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "localhost:4317"
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 0.1
	}
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = "development"
	}
}
