package config

import (
	"os"
	"strconv"
	"time"
)

// DBConfig 数据库配置
type DBConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	Name          string        `yaml:"name"`
	MaxConns      int32         `yaml:"max_conns"`
	SlowThreshold time.Duration `yaml:"slow_threshold"`
}

// MQConfig 消息队列配置
type MQConfig struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig JWT配置（仅用于识别操作人）
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port    string `yaml:"port"`
	OpsPort string `yaml:"ops_port"` // worker 健康检查/指标端口
}

// EngineConfig 进度引擎参数
type EngineConfig struct {
	RefreshInterval    time.Duration `yaml:"refresh_interval"`
	FullRefreshEvery   int           `yaml:"full_refresh_every"`
	RefreshConcurrency int           `yaml:"refresh_concurrency"`
	RecomputeBatchSize int           `yaml:"recompute_batch_size"`
	RecomputePoll      time.Duration `yaml:"recompute_poll"`
	LockTimeout        time.Duration `yaml:"lock_timeout"`
	TemplatesFile      string        `yaml:"templates_file"`
}

// WithDefaults 填充未配置的引擎参数
func (c EngineConfig) WithDefaults() EngineConfig {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 30 * time.Second
	}
	if c.FullRefreshEvery <= 0 {
		c.FullRefreshEvery = 10
	}
	if c.RefreshConcurrency <= 0 {
		c.RefreshConcurrency = 4
	}
	if c.RecomputeBatchSize <= 0 {
		c.RecomputeBatchSize = 200
	}
	if c.RecomputePoll <= 0 {
		c.RecomputePoll = 5 * time.Second
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 2 * time.Second
	}
	return c
}

// OverrideDBFromEnv 从环境变量覆盖数据库配置
func OverrideDBFromEnv(cfg *DBConfig) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.Name = name
	}
}

// OverrideMQFromEnv 从环境变量覆盖MQ配置
func OverrideMQFromEnv(cfg *MQConfig) {
	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.URL = url
	}
}

// OverrideRedisFromEnv 从环境变量覆盖Redis配置
func OverrideRedisFromEnv(cfg *RedisConfig) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Password = password
	}
}

// OverrideJWTFromEnv 从环境变量覆盖JWT配置
func OverrideJWTFromEnv(cfg *JWTConfig) {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Secret = secret
	}
}

// OverrideServerFromEnv 从环境变量覆盖服务器配置
func OverrideServerFromEnv(cfg *ServerConfig) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if port := os.Getenv("OPS_PORT"); port != "" {
		cfg.OpsPort = port
	}
}

// OverrideEngineFromEnv 从环境变量覆盖引擎参数
func OverrideEngineFromEnv(cfg *EngineConfig) {
	if v := os.Getenv("ENGINE_REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RefreshInterval = d
		}
	}
	if v := os.Getenv("ENGINE_REFRESH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RefreshConcurrency = n
		}
	}
	if v := os.Getenv("ENGINE_TEMPLATES_FILE"); v != "" {
		cfg.TemplatesFile = v
	}
}
