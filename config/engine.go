package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// KafkaConsumerConfig defines configuration for the notarize request consumer
type KafkaConsumerConfig struct {
	Brokers           []string `yaml:"brokers"`             // e.g., ["kafka1:9092", "kafka2:9092"] or ["mock://local"]
	Topic             string   `yaml:"topic"`               // Topic to consume from
	GroupID           string   `yaml:"group_id"`            // Consumer group ID
	Count             int      `yaml:"count"`               // Number of consumers to create
	SessionTimeout    string   `yaml:"session_timeout"`     // Kafka session timeout
	HeartbeatInterval string   `yaml:"heartbeat_interval"`  // Kafka heartbeat interval
	AutoOffsetReset   string   `yaml:"auto_offset_reset"`   // earliest/latest
}

// IsMock reports whether the mock consumer was requested
func (c *KafkaConsumerConfig) IsMock() bool {
	return len(c.Brokers) == 0 || c.Brokers[0] == "mock://local"
}

// SetDefaults sets reasonable default values for Kafka consumer configuration
func (c *KafkaConsumerConfig) SetDefaults() {
	if c.Count <= 0 {
		c.Count = 1
		fmt.Printf("Warning: kafka_consumer.count not set or invalid, defaulting to %d\n", c.Count)
	}
	if c.SessionTimeout == "" {
		c.SessionTimeout = "30s"
		fmt.Printf("Warning: kafka_consumer.session_timeout not set, defaulting to %s\n", c.SessionTimeout)
	}
	if c.HeartbeatInterval == "" {
		c.HeartbeatInterval = "3s"
		fmt.Printf("Warning: kafka_consumer.heartbeat_interval not set, defaulting to %s\n", c.HeartbeatInterval)
	}
	if c.AutoOffsetReset == "" {
		c.AutoOffsetReset = "earliest"
		fmt.Printf("Warning: kafka_consumer.auto_offset_reset not set, defaulting to %s\n", c.AutoOffsetReset)
	}
}

// WorkerConfig defines configuration for request processing and confirmation polling
type WorkerConfig struct {
	Concurrency        int    `yaml:"concurrency"`          // Number of concurrent request handlers per consumer
	ConsumerRetryDelay string `yaml:"consumer_retry_delay"` // Delay when consumer encounters errors
	AwaitTimeout       string `yaml:"await_timeout"`        // Upper bound on one AwaitConfirmation call
	ResumeInterval     string `yaml:"resume_interval"`      // How often non-terminal records are re-driven
	ResumeBatchSize    int    `yaml:"resume_batch_size"`    // Records picked up per resume pass
}

// SetDefaults sets reasonable default values for worker configuration
func (c *WorkerConfig) SetDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
		fmt.Printf("Warning: worker.concurrency not set or invalid, defaulting to %d\n", c.Concurrency)
	}
	if c.ConsumerRetryDelay == "" {
		c.ConsumerRetryDelay = "5s"
		fmt.Printf("Warning: worker.consumer_retry_delay not set, defaulting to %s\n", c.ConsumerRetryDelay)
	}
	if c.AwaitTimeout == "" {
		c.AwaitTimeout = "15m"
		fmt.Printf("Warning: worker.await_timeout not set, defaulting to %s\n", c.AwaitTimeout)
	}
	if c.ResumeInterval == "" {
		c.ResumeInterval = "30s"
		fmt.Printf("Warning: worker.resume_interval not set, defaulting to %s\n", c.ResumeInterval)
	}
	if c.ResumeBatchSize <= 0 {
		c.ResumeBatchSize = 100
	}
}

// EngineConfig defines all configuration for the notarization engine
type EngineConfig struct {
	Database      DatabaseConfig      `yaml:"database"`
	KafkaConsumer KafkaConsumerConfig `yaml:"kafka_consumer"`
	EventProducer KafkaProducerConfig `yaml:"event_producer"`
	EventBatcher  EventBatcherConfig  `yaml:"event_batcher"`
	Worker        WorkerConfig        `yaml:"worker"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`

	MetricsListenAddr string `yaml:"metrics_listen_addr"`

	BlockchainConfigPath string `yaml:"blockchain_config_path"`
}

// LoadEngineConfig loads configuration from the specified YAML file path
func LoadEngineConfig(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config file: %w", err)
	}

	cfg.Database.SetDefaults()
	cfg.KafkaConsumer.SetDefaults()
	cfg.EventBatcher.SetDefaults()
	cfg.Worker.SetDefaults()
	cfg.Monitoring.SetDefaults()

	if cfg.BlockchainConfigPath == "" {
		return nil, fmt.Errorf("configuration error: blockchain_config_path is required")
	}
	if err := cfg.Database.Validate(); err != nil {
		return nil, fmt.Errorf("database configuration error: %w", err)
	}

	return &cfg, nil
}
