package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperr "cbmgrc/pkg/error"
	"cbmgrc/pkg/scheduler"
)

// EnvPrefix 环境变量前缀，例如 CBM_BACKEND_BASE_URL
const EnvPrefix = "CBM"

// Config 主配置结构
type Config struct {
	Server   ServerConfig          `mapstructure:"server"`
	Backend  BackendConfig         `mapstructure:"backend"`
	Cache    CacheConfig           `mapstructure:"cache"`
	Grid     GridConfig            `mapstructure:"grid"`
	Redis    RedisConfig           `mapstructure:"redis"`
	InfluxDB InfluxDBConfig        `mapstructure:"influxdb"`
	Jobs     []scheduler.JobConfig `mapstructure:"jobs"`
	Logger   LoggerConfig          `mapstructure:"logger"`
}

// ServerConfig BFF 服务配置
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release, test
}

// BackendConfig REST 后端配置
type BackendConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	UserAgent  string        `mapstructure:"user_agent"`
	MaxRetries int           `mapstructure:"max_retries"` // 首次请求之后的重试次数
}

// CacheConfig 本地缓存配置
type CacheConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	MaxEntries int           `mapstructure:"max_entries"` // 0 表示不限制
	Policy     string        `mapstructure:"policy"`      // lru, lfu, fifo
}

// GridConfig 分页加载器配置
type GridConfig struct {
	PageSize    int           `mapstructure:"page_size"`
	BlockSize   int           `mapstructure:"block_size"`
	MaxLoaders  int           `mapstructure:"max_loaders"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
}

// RedisConfig 二级缓存配置
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// InfluxDBConfig 统计上报配置
type InfluxDBConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// setDefaults 注册所有默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")

	v.SetDefault("backend.base_url", "http://localhost:8000/api")
	v.SetDefault("backend.timeout", "15s")
	v.SetDefault("backend.user_agent", "CBM-GRC-Matcher/1.0")
	v.SetDefault("backend.max_retries", 3)

	v.SetDefault("cache.default_ttl", "5m")
	v.SetDefault("cache.max_entries", 0)
	v.SetDefault("cache.policy", "lru")

	v.SetDefault("grid.page_size", 20)
	v.SetDefault("grid.block_size", 2)
	v.SetDefault("grid.max_loaders", 256)
	v.SetDefault("grid.wait_timeout", "10s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "cbmgrc:")

	v.SetDefault("influxdb.enabled", false)
	v.SetDefault("influxdb.url", "http://localhost:8086")
	v.SetDefault("influxdb.token", "")
	v.SetDefault("influxdb.org", "cbm")
	v.SetDefault("influxdb.bucket", "cbm_grc")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "text")
}

// Load 加载配置：默认值 < 配置文件 < 环境变量。
// path 为空时在 ./config 与当前目录查找 cbm_server.yaml，找不到文件不视为错误。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cbm_server")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, apperr.WrapError(apperr.ErrConfigInvalid, "failed to read config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperr.WrapError(apperr.ErrConfigInvalid, "failed to unmarshal config", err)
	}

	if len(cfg.Jobs) == 0 {
		cfg.Jobs = DefaultJobs()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回默认配置（不读取文件和环境变量）
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.Jobs = DefaultJobs()
	return &cfg
}

// DefaultJobs 默认维护任务：每 5 分钟清理一次过期缓存
func DefaultJobs() []scheduler.JobConfig {
	return []scheduler.JobConfig{
		{
			Name:     "cache-cleanup",
			Enabled:  true,
			Schedule: "@every 5m",
			Task:     scheduler.TaskCacheCleanup,
		},
		{
			Name:     "stats-report",
			Enabled:  false,
			Schedule: "@every 1m",
			Task:     scheduler.TaskStatsReport,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	invalid := func(msg string) error {
		return apperr.NewError(apperr.ErrConfigInvalid, msg)
	}

	if c.Backend.BaseURL == "" {
		return invalid("backend base_url cannot be empty")
	}
	if c.Backend.Timeout <= 0 {
		return invalid("backend timeout must be positive")
	}
	if c.Backend.MaxRetries < 0 {
		return invalid("backend max_retries cannot be negative")
	}
	if c.Cache.DefaultTTL <= 0 {
		return invalid("cache default_ttl must be positive")
	}
	if c.Cache.MaxEntries < 0 {
		return invalid("cache max_entries cannot be negative")
	}
	switch c.Cache.Policy {
	case "", "lru", "lfu", "fifo":
	default:
		return invalid(fmt.Sprintf("unknown cache policy %q", c.Cache.Policy))
	}
	if c.Grid.PageSize <= 0 {
		return invalid("grid page_size must be positive")
	}
	if c.Grid.BlockSize <= 0 {
		return invalid("grid block_size must be positive")
	}
	if c.Grid.MaxLoaders <= 0 {
		return invalid("grid max_loaders must be positive")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return invalid("redis addr cannot be empty when redis is enabled")
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		return invalid("influxdb url and bucket are required when influxdb is enabled")
	}
	return nil
}
