// Package config loads and validates service configuration from YAML, with
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration shared by both services.
type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Blob     BlobConfig     `yaml:"blob"`
	Worker   WorkerConfig   `yaml:"worker"`
	Retry    RetryConfig    `yaml:"retry"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	LLM      LLMConfig      `yaml:"llm"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL       string        `yaml:"url"`
	RecordTTL time.Duration `yaml:"record_ttl"`
}

type RabbitMQConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	VHost         string        `yaml:"vhost"`
	Queue         string        `yaml:"queue"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

type BlobConfig struct {
	// Backend is "postgres" or "local".
	Backend    string `yaml:"backend"`
	LocalRoot  string `yaml:"local_root"`
	ScratchDir string `yaml:"scratch_dir"`
}

type WorkerConfig struct {
	ConsumerTag       string        `yaml:"consumer_tag"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type RetryConfig struct {
	Attempts     int           `yaml:"attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Factor       float64       `yaml:"factor"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

type LLMConfig struct {
	APIKey          string        `yaml:"api_key"`
	Model           string        `yaml:"model"`
	Mock            bool          `yaml:"mock"`
	Temperature     float32       `yaml:"temperature"`
	MaxOutputTokens int32         `yaml:"max_output_tokens"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
}

// Load reads YAML from path, applies environment overrides and defaults,
// then validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv lets secrets come from the environment instead of the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("RABBITMQ_PASSWORD"); v != "" {
		c.RabbitMQ.Password = v
	}
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "insight-worker"
	}
	if c.App.Environment == "" {
		c.App.Environment = "development"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = 50 << 20
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.RabbitMQ.Queue == "" {
		c.RabbitMQ.Queue = "data_jobs"
	}
	if c.RabbitMQ.RetryAttempts == 0 {
		c.RabbitMQ.RetryAttempts = 5
	}
	if c.RabbitMQ.RetryInterval == 0 {
		c.RabbitMQ.RetryInterval = 3 * time.Second
	}
	if c.RabbitMQ.Heartbeat == 0 {
		c.RabbitMQ.Heartbeat = 10 * time.Second
	}
	if c.Blob.Backend == "" {
		c.Blob.Backend = "postgres"
	}
	if c.Blob.LocalRoot == "" {
		c.Blob.LocalRoot = "data/blobs"
	}
	if c.Blob.ScratchDir == "" {
		c.Blob.ScratchDir = "data/scratch"
	}
	if c.Worker.ConsumerTag == "" {
		c.Worker.ConsumerTag = "insight-worker"
	}
	if c.Worker.JobTimeout == 0 {
		c.Worker.JobTimeout = 10 * time.Minute
	}
	if c.Worker.HeartbeatInterval == 0 {
		c.Worker.HeartbeatInterval = 10 * time.Second
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = time.Second
	}
	if c.Retry.Factor == 0 {
		c.Retry.Factor = 2
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Breaker.Threshold == 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.Window == 0 {
		c.Breaker.Window = 5 * time.Minute
	}
	if c.Breaker.Cooldown == 0 {
		c.Breaker.Cooldown = 2 * time.Minute
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gemini-2.0-flash"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.2
	}
	if c.LLM.MaxOutputTokens == 0 {
		c.LLM.MaxOutputTokens = 4096
	}
	if c.LLM.CallTimeout == 0 {
		c.LLM.CallTimeout = 60 * time.Second
	}
	if c.Redis.RecordTTL == 0 {
		c.Redis.RecordTTL = 7 * 24 * time.Hour
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	validators := []struct {
		name string
		fn   func() error
	}{
		{"server", c.Server.Validate},
		{"logging", c.Logging.Validate},
		{"redis", c.Redis.Validate},
		{"rabbitmq", c.RabbitMQ.Validate},
		{"blob", c.Blob.Validate},
		{"worker", c.Worker.Validate},
		{"retry", c.Retry.Validate},
		{"breaker", c.Breaker.Validate},
		{"llm", c.LLM.Validate},
	}
	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
	}
	if c.Blob.Backend == "postgres" {
		if err := c.Database.Validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	return nil
}

func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Level)
	}
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.DBName == "" {
		return fmt.Errorf("dbname is required")
	}
	return nil
}

func (c *RedisConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	return nil
}

func (c *RabbitMQConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	return nil
}

func (c *BlobConfig) Validate() error {
	switch c.Backend {
	case "postgres", "local":
		return nil
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
}

func (c *WorkerConfig) Validate() error {
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job_timeout must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	return nil
}

func (c *RetryConfig) Validate() error {
	if c.Attempts < 1 {
		return fmt.Errorf("attempts must be at least 1")
	}
	if c.Factor < 1 {
		return fmt.Errorf("factor must be at least 1")
	}
	if c.InitialDelay <= 0 || c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("delays must satisfy 0 < initial_delay <= max_delay")
	}
	return nil
}

func (c *BreakerConfig) Validate() error {
	if c.Threshold < 1 {
		return fmt.Errorf("threshold must be at least 1")
	}
	if c.Window <= 0 || c.Cooldown <= 0 {
		return fmt.Errorf("window and cooldown must be positive")
	}
	return nil
}

func (c *LLMConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	// A missing API key is tolerated: the generator degrades to the
	// deterministic fallback when credentials are absent.
	return nil
}
