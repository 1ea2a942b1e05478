package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// KafkaProducerConfig defines configuration for a Kafka producer
type KafkaProducerConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`

	// Batch processing settings
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	BatchBytes   int           `yaml:"batch_bytes"`

	// Reliability settings
	RequiredAcks string `yaml:"required_acks"`
	Async        bool   `yaml:"async"`

	// Performance settings
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
}

// Enabled reports whether brokers and a topic were configured
func (c *KafkaProducerConfig) Enabled() bool {
	return len(c.Brokers) > 0 && c.Topic != ""
}

// EventBatcherConfig defines how notarization events are buffered before publishing
type EventBatcherConfig struct {
	BatchSize          int           `yaml:"batch_size"`
	BatchTimeout       time.Duration `yaml:"batch_timeout"`
	FlushChannelBuffer int           `yaml:"flush_channel_buffer"` // Buffer size for flush channel
}

// SetDefaults sets reasonable default values for the event batcher configuration
func (c *EventBatcherConfig) SetDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 100
		fmt.Printf("Warning: event_batcher.batch_size not set, defaulting to %d\n", c.BatchSize)
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 250 * time.Millisecond
		fmt.Printf("Warning: event_batcher.batch_timeout not set, defaulting to %v\n", c.BatchTimeout)
	}
	if c.FlushChannelBuffer == 0 {
		c.FlushChannelBuffer = 16
		fmt.Printf("Warning: event_batcher.flush_channel_buffer not set, defaulting to %d\n", c.FlushChannelBuffer)
	}
}

// HttpServerConfig defines HTTP server configuration
type HttpServerConfig struct {
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
}

// SetDefaults fills zero timeouts and limits
func (c *HttpServerConfig) SetDefaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.MaxHeaderBytes == 0 {
		c.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 10 << 20 // 10 MB
	}
}

// MonitoringConfig defines metrics, health and logging settings
type MonitoringConfig struct {
	EnableMetrics   bool   `yaml:"enable_metrics"`    // Enable metrics collection
	MetricsPath     string `yaml:"metrics_path"`      // Metrics endpoint path
	HealthCheckPath string `yaml:"health_check_path"` // Health check endpoint path
	LogLevel        string `yaml:"log_level"`         // Logging level
}

// SetDefaults sets reasonable default values for monitoring configuration
func (c *MonitoringConfig) SetDefaults() {
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
		fmt.Printf("Warning: monitoring.metrics_path not set, defaulting to %s\n", c.MetricsPath)
	}
	if c.HealthCheckPath == "" {
		c.HealthCheckPath = "/health"
		fmt.Printf("Warning: monitoring.health_check_path not set, defaulting to %s\n", c.HealthCheckPath)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
		fmt.Printf("Warning: monitoring.log_level not set, defaulting to %s\n", c.LogLevel)
	}
}

// GatewayConfig defines all configuration required by the notary API gateway
type GatewayConfig struct {
	HttpListenAddr string `yaml:"http_listen_addr"`
	GrpcListenAddr string `yaml:"grpc_listen_addr"`

	Database        DatabaseConfig      `yaml:"database"`
	EventProducer   KafkaProducerConfig `yaml:"event_producer"`   // Notarization event feed
	RequestProducer KafkaProducerConfig `yaml:"request_producer"` // Async notarize requests for the engine
	EventBatcher    EventBatcherConfig  `yaml:"event_batcher"`
	HttpServer      HttpServerConfig    `yaml:"http_server"`
	Monitoring      MonitoringConfig    `yaml:"monitoring"`

	// How long POST /subnet/notarize waits for confirmation before answering 202
	NotarizeWait time.Duration `yaml:"notarize_wait"`
	MaxDocuments int           `yaml:"max_documents"`

	BlockchainConfigPath string `yaml:"blockchain_config_path"`
}

// LoadGatewayConfig loads gateway configuration from the specified YAML file path
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway config file '%s': %w", path, err)
	}

	var cfg GatewayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse gateway YAML config file: %w", err)
	}

	cfg.Database.SetDefaults()
	cfg.EventBatcher.SetDefaults()
	cfg.HttpServer.SetDefaults()
	cfg.Monitoring.SetDefaults()

	if cfg.NotarizeWait <= 0 {
		cfg.NotarizeWait = 20 * time.Second
		fmt.Printf("Warning: notarize_wait not set, defaulting to %v\n", cfg.NotarizeWait)
	}
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = 1000
	}

	// Validation
	if cfg.HttpListenAddr == "" && cfg.GrpcListenAddr == "" {
		return nil, fmt.Errorf("configuration error: at least one of http_listen_addr or grpc_listen_addr must be configured")
	}
	if cfg.BlockchainConfigPath == "" {
		return nil, fmt.Errorf("configuration error: blockchain_config_path is required")
	}
	if err := cfg.Database.Validate(); err != nil {
		return nil, fmt.Errorf("database configuration error: %w", err)
	}

	return &cfg, nil
}
