package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment"`
	Server      struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Logging struct {
		Level        string `yaml:"level"`
		Format       string `yaml:"format"`
		Output       string `yaml:"output"`
		OperatorLogs struct {
			Enabled       bool          `yaml:"enabled"`
			FlushInterval time.Duration `yaml:"flush_interval"`
			MaxEntries    int           `yaml:"max_entries"`
		} `yaml:"operator_logs"`
	} `yaml:"logging"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Store struct {
		Type  string `yaml:"type"` // redis or memory
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"store"`
	PriceFeed struct {
		APIKey         string        `yaml:"api_key"`
		WebSocketURL   string        `yaml:"websocket_url"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	} `yaml:"pricefeed"`
	Stream struct {
		GraceWindow     time.Duration `yaml:"grace_window"`
		HandleBuffer    int           `yaml:"handle_buffer"`
		ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
		ReconnectMax    int           `yaml:"reconnect_max"`
		QuoteCacheTTL   time.Duration `yaml:"quote_cache_ttl"`
		QuoteCacheSize  int           `yaml:"quote_cache_size"`
	} `yaml:"stream"`
	Dispatch struct {
		Mode       string        `yaml:"mode"` // inline (default) or queue
		WebhookURL string        `yaml:"webhook_url"`
		AuthToken  string        `yaml:"auth_token"`
		Timeout    time.Duration `yaml:"timeout"`
		RetryMax   int           `yaml:"retry_max"`
		BackoffMin time.Duration `yaml:"backoff_min"`
		BackoffMax time.Duration `yaml:"backoff_max"`
	} `yaml:"dispatch"`
	Persistence struct {
		RetryMax int           `yaml:"retry_max"`
		Backoff  time.Duration `yaml:"backoff"`
	} `yaml:"persistence"`
	Audit struct {
		Enabled bool `yaml:"enabled"`
		Kafka   struct {
			Enabled      bool          `yaml:"enabled"`
			Brokers      []string      `yaml:"brokers"`
			Topic        string        `yaml:"topic"`
			RequiredAcks int           `yaml:"required_acks"`
			Compression  string        `yaml:"compression"`
			MaxAttempts  int           `yaml:"max_attempts"`
			Linger       time.Duration `yaml:"linger"`
			BatchBytes   int           `yaml:"batch_bytes"`
			BatchSize    int           `yaml:"batch_size"`
			WriteTimeout time.Duration `yaml:"write_timeout"`
			ReadTimeout  time.Duration `yaml:"read_timeout"`
			Async        bool          `yaml:"async"`
		} `yaml:"kafka"`
		ClickHouse struct {
			Enabled          bool          `yaml:"enabled"`
			Host             string        `yaml:"host"`
			Port             int           `yaml:"port"`
			Database         string        `yaml:"database"`
			User             string        `yaml:"user"`
			Password         string        `yaml:"password"`
			UseHTTP          bool          `yaml:"use_http"`
			AsyncInsert      bool          `yaml:"async_insert"`
			WaitForAsync     bool          `yaml:"wait_for_async_insert"`
			DialTimeout      time.Duration `yaml:"dial_timeout"`
			ReadTimeout      time.Duration `yaml:"read_timeout"`
			WriteTimeout     time.Duration `yaml:"write_timeout"`
			MaxExecutionTime time.Duration `yaml:"max_execution_time"`
		} `yaml:"clickhouse"`
	} `yaml:"audit"`
	Retention struct {
		Enabled  bool          `yaml:"enabled"`
		Schedule string        `yaml:"schedule"` // cron expression
		MaxAge   time.Duration `yaml:"max_age"`  // completed alerts older than this are swept
	} `yaml:"retention"`
	RateLimit struct {
		Enabled bool          `yaml:"enabled"`
		Limit   int           `yaml:"limit"`
		Window  time.Duration `yaml:"window"`
	} `yaml:"ratelimit"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("PRICEFEED_API_KEY"); v != "" {
		c.PriceFeed.APIKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		c.Dispatch.WebhookURL = v
	}
	if v := os.Getenv("WEBHOOK_AUTH_TOKEN"); v != "" {
		c.Dispatch.AuthToken = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Audit.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		c.Audit.Kafka.Topic = v
	}

	return c, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if c.Store.Type == "" {
		return fmt.Errorf("store.type is required")
	}
	if c.Store.Type != "redis" && c.Store.Type != "memory" {
		return fmt.Errorf("store.type must be 'redis' or 'memory', got '%s'", c.Store.Type)
	}
	if c.Store.Type == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("store.redis.addr is required for the redis store")
	}
	if c.PriceFeed.APIKey == "" {
		return fmt.Errorf("pricefeed.api_key is required")
	}
	if c.PriceFeed.WebSocketURL == "" {
		return fmt.Errorf("pricefeed.websocket_url is required")
	}
	if c.Dispatch.WebhookURL == "" {
		return fmt.Errorf("dispatch.webhook_url is required")
	}
	switch c.Dispatch.Mode {
	case "", "inline":
	case "queue":
		if c.Store.Type != "redis" {
			return fmt.Errorf("dispatch.mode 'queue' requires the redis store")
		}
	default:
		return fmt.Errorf("dispatch.mode must be 'inline' or 'queue', got '%s'", c.Dispatch.Mode)
	}
	if c.Audit.Kafka.Enabled && len(c.Audit.Kafka.Brokers) == 0 {
		return fmt.Errorf("audit.kafka.brokers cannot be empty when kafka audit is enabled")
	}
	if c.Audit.ClickHouse.Enabled && c.Audit.ClickHouse.Host == "" {
		return fmt.Errorf("audit.clickhouse.host is required when clickhouse audit is enabled")
	}
	if c.Retention.Enabled && c.Retention.Schedule == "" {
		return fmt.Errorf("retention.schedule is required when retention is enabled")
	}
	if c.Logging.OperatorLogs.Enabled && c.Store.Type != "redis" {
		return fmt.Errorf("logging.operator_logs requires the redis store")
	}
	return nil
}
