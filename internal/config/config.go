package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Backend      BackendConfig      `yaml:"backend"`
	Queue        QueueConfig        `yaml:"queue"`
	Cache        CacheConfig        `yaml:"cache"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Webhooks     WebhooksConfig     `yaml:"webhooks"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type BackendConfig struct {
	BaseURL       string        `yaml:"base_url"`
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	ProbePath     string        `yaml:"probe_path"`
}

type QueueConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	BatchSize       int           `yaml:"batch_size"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	MaxFileBytes    int64         `yaml:"max_file_bytes"`
	MaxTotalBytes   int64         `yaml:"max_total_bytes"`
	RetentionWindow time.Duration `yaml:"retention_window"`
}

type CacheConfig struct {
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type ConnectivityConfig struct {
	ProbeAddress   string        `yaml:"probe_address"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	DebounceWindow time.Duration `yaml:"debounce_window"`
	HealthInterval time.Duration `yaml:"health_interval"`
	HealthCacheTTL time.Duration `yaml:"health_cache_ttl"`
}

type WebhooksConfig struct {
	Endpoints   []WebhookEndpoint `yaml:"endpoints"`
	Timeout     time.Duration     `yaml:"timeout"`
	RetryCount  int               `yaml:"retry_count"`
	RetryDelay  time.Duration     `yaml:"retry_delay"`
	WorkerCount int               `yaml:"worker_count"`
	QueueSize   int               `yaml:"queue_size"`
}

type WebhookEndpoint struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8090,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Storage: StorageConfig{
			Path: "./data/fieldsync.db",
		},
		Backend: BackendConfig{
			BaseURL:       "http://localhost:8080",
			SubmitTimeout: 60 * time.Second,
			ProbeTimeout:  5 * time.Second,
			ProbePath:     "/health",
		},
		Queue: QueueConfig{
			MaxRetries:      5,
			BatchSize:       3,
			SweepInterval:   15 * time.Second,
			MaxFileBytes:    50 << 20,
			MaxTotalBytes:   200 << 20,
			RetentionWindow: 7 * 24 * time.Hour,
		},
		Cache: CacheConfig{
			DefaultTTL:      5 * time.Minute,
			CleanupInterval: 10 * time.Minute,
		},
		Connectivity: ConnectivityConfig{
			ProbeAddress:   "1.1.1.1:53",
			ProbeTimeout:   3 * time.Second,
			PollInterval:   10 * time.Second,
			DebounceWindow: 2 * time.Second,
			HealthInterval: 30 * time.Second,
			HealthCacheTTL: 10 * time.Second,
		},
		Webhooks: WebhooksConfig{
			Timeout:     10 * time.Second,
			RetryCount:  3,
			RetryDelay:  5 * time.Second,
			WorkerCount: 3,
			QueueSize:   100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := defaults()

	if v := os.Getenv("FIELDSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("FIELDSYNC_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}

	if v := os.Getenv("FIELDSYNC_BACKEND_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}

	if v := os.Getenv("FIELDSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend base url is required")
	}

	if c.Backend.SubmitTimeout <= 0 {
		return fmt.Errorf("backend submit timeout must be positive")
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative")
	}

	if c.Queue.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}

	if c.Queue.MaxFileBytes <= 0 {
		return fmt.Errorf("max file bytes must be positive")
	}

	if c.Queue.MaxTotalBytes < c.Queue.MaxFileBytes {
		return fmt.Errorf("max total bytes must be at least max file bytes")
	}

	if c.Queue.RetentionWindow < 0 {
		return fmt.Errorf("retention window must be non-negative")
	}

	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache default ttl must be positive")
	}

	if c.Cache.CleanupInterval <= 0 {
		return fmt.Errorf("cache cleanup interval must be positive")
	}

	if c.Connectivity.ProbeAddress == "" {
		return fmt.Errorf("connectivity probe address is required")
	}

	if c.Connectivity.PollInterval <= 0 {
		return fmt.Errorf("connectivity poll interval must be positive")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":  true,
		"text":  true,
		"plain": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text, plain)", c.Logging.Format)
	}

	return nil
}
