// Package config assembles the process configuration from config/*.yaml,
// secrets.env and the environment.
package config

import (
	"fmt"
	"os"
	"strings"

	pkgconfig "earnedvalue/pkg/config"
	"earnedvalue/pkg/otel"
)

// Storage drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type StorageConfig struct {
	Driver string `yaml:"driver"`
}

type Config struct {
	Server  pkgconfig.ServerConfig `yaml:"server"`
	Storage StorageConfig          `yaml:"storage"`
	DB      pkgconfig.DBConfig     `yaml:"db"`
	Redis   pkgconfig.RedisConfig  `yaml:"redis"`
	MQ      pkgconfig.MQConfig     `yaml:"mq"`
	JWT     pkgconfig.JWTConfig    `yaml:"jwt"`
	Engine  pkgconfig.EngineConfig `yaml:"engine"`
	OTel    otel.Config            `yaml:"otel"`
}

// Load reads <dir>/base.yaml merged with <dir>/<env>.yaml and applies
// environment overrides.
func Load(env, dir string) (*Config, error) {
	raw, err := pkgconfig.LoadConfig(env, dir)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := pkgconfig.Decode(raw, &cfg); err != nil {
		return nil, err
	}

	// environment overrides
	pkgconfig.OverrideDBFromEnv(&cfg.DB)
	pkgconfig.OverrideRedisFromEnv(&cfg.Redis)
	pkgconfig.OverrideMQFromEnv(&cfg.MQ)
	pkgconfig.OverrideJWTFromEnv(&cfg.JWT)
	pkgconfig.OverrideServerFromEnv(&cfg.Server)
	pkgconfig.OverrideEngineFromEnv(&cfg.Engine)
	if driver := os.Getenv("STORAGE_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}

	cfg.Engine = cfg.Engine.WithDefaults()
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverPostgres
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.OpsPort == "" {
		cfg.Server.OpsPort = "9090"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverPostgres:
		if c.DB.Host == "" || c.DB.Name == "" {
			return fmt.Errorf("config: db.host and db.name are required for postgres storage")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// UsesPostgres reports whether the persistent stack (PostgreSQL, Redis,
// RabbitMQ) is in use.
func (c *Config) UsesPostgres() bool {
	return c.Storage.Driver == DriverPostgres
}

// Addr returns the listen address for the API server.
func (c *Config) Addr() string {
	return listenAddr(c.Server.Port)
}

// OpsAddr returns the listen address for the worker's health and metrics server.
func (c *Config) OpsAddr() string {
	return listenAddr(c.Server.OpsPort)
}

func listenAddr(port string) string {
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}
