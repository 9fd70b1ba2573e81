// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Ingestion, Partition, Postgres, Kafka, Redis, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Security  SecurityConfig  `yaml:"security"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Partition PartitionConfig `yaml:"partition"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// SecurityConfig controls API key authentication, per-client rate limiting
// and CORS. An empty APIKeys list disables authentication and a zero
// RateLimit disables rate limiting.
type SecurityConfig struct {
	APIKeys      []string      `yaml:"apiKeys"`
	RateLimit    int           `yaml:"rateLimit"`
	RateWindow   time.Duration `yaml:"rateWindow"`
	AllowOrigins []string      `yaml:"allowOrigins"`
}

// IngestionConfig controls remote fetching, spooling and type resolution.
type IngestionConfig struct {
	// DownloadThreads caps concurrent fetches within one request.
	DownloadThreads int `yaml:"downloadThreads"`
	// TempDir is the root for per-request temp scopes; empty means os.TempDir().
	TempDir           string        `yaml:"tempDir"`
	ChunkSize         int           `yaml:"chunkSize"`
	SpillThreshold    int64         `yaml:"spillThreshold"`
	MaxDocumentSize   int64         `yaml:"maxDocumentSize"`
	MaxURLs           int           `yaml:"maxUrls"`
	FetchTimeout      time.Duration `yaml:"fetchTimeout"`
	FetchAttempts     int           `yaml:"fetchAttempts"`
	MaxRedirects      int           `yaml:"maxRedirects"`
	UserAgent         string        `yaml:"userAgent"`
	TrustDeclaredType bool          `yaml:"trustDeclaredType"`
}

// PartitionConfig points at the downstream partitioning engine.
type PartitionConfig struct {
	URL              string        `yaml:"url"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	Topics        KafkaTopics   `yaml:"topics"`
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	// Compression is the producer codec: none, gzip, snappy, lz4 or zstd.
	Compression string `yaml:"compression"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	IngestEvents      string `yaml:"ingestEvents"`
	PartitionRequests string `yaml:"partitionRequests"`
	PartitionResults  string `yaml:"partitionResults"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the services cannot run with. Non-positive
// download thread counts are tolerated and treated as sequential fetching.
func (c *Config) Validate() error {
	if c.Ingestion.ChunkSize <= 0 {
		return fmt.Errorf("ingestion.chunkSize must be positive, got %d", c.Ingestion.ChunkSize)
	}
	if c.Ingestion.SpillThreshold < 0 {
		return fmt.Errorf("ingestion.spillThreshold must not be negative, got %d", c.Ingestion.SpillThreshold)
	}
	if c.Ingestion.MaxDocumentSize < 0 {
		return fmt.Errorf("ingestion.maxDocumentSize must not be negative, got %d", c.Ingestion.MaxDocumentSize)
	}
	if c.Security.RateLimit < 0 {
		return fmt.Errorf("security.rateLimit must not be negative, got %d", c.Security.RateLimit)
	}
	if c.Security.RateLimit > 0 && c.Security.RateWindow <= 0 {
		return fmt.Errorf("security.rateWindow must be positive when rateLimit is set")
	}
	switch c.Kafka.Compression {
	case "", "none", "gzip", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("kafka.compression %q is not one of none, gzip, snappy, lz4, zstd", c.Kafka.Compression)
	}
	if c.Partition.URL == "" {
		return fmt.Errorf("partition.url is required")
	}
	return nil
}

// defaultConfig returns a Config with defaults suitable for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Security: SecurityConfig{
			RateWindow: time.Minute,
		},
		Ingestion: IngestionConfig{
			DownloadThreads:   2,
			ChunkSize:         1 << 20,
			SpillThreshold:    10 << 20,
			MaxURLs:           100,
			FetchTimeout:      2 * time.Minute,
			FetchAttempts:     1,
			MaxRedirects:      10,
			UserAgent:         "unstructured-api-url-ingest/1.0",
			TrustDeclaredType: true,
		},
		Partition: PartitionConfig{
			URL:              "http://localhost:8001",
			Timeout:          5 * time.Minute,
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "unstructured",
			User:            "unstructured",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "url-ingest-group",
			Topics: KafkaTopics{
				IngestEvents:      "url-ingest-events",
				PartitionRequests: "url-partition-requests",
				PartitionResults:  "url-partition-results",
			},
			BatchSize:     100,
			FlushInterval: 2 * time.Second,
			Compression:   "snappy",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads UA_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("UA_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("UA_SECURITY_API_KEYS"); v != "" {
		cfg.Security.APIKeys = splitList(v)
	}
	if v := os.Getenv("UA_SECURITY_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Security.RateLimit = n
		}
	}
	if v := os.Getenv("UA_SECURITY_ALLOW_ORIGINS"); v != "" {
		cfg.Security.AllowOrigins = splitList(v)
	}
	if v := os.Getenv("UA_INGESTION_DOWNLOAD_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingestion.DownloadThreads = n
		}
	}
	if v := os.Getenv("UA_INGESTION_TEMP_DIR"); v != "" {
		cfg.Ingestion.TempDir = v
	}
	if v := os.Getenv("UA_INGESTION_SPILL_THRESHOLD"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Ingestion.SpillThreshold = n
		}
	}
	if v := os.Getenv("UA_INGESTION_MAX_DOCUMENT_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Ingestion.MaxDocumentSize = n
		}
	}
	if v := os.Getenv("UA_INGESTION_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ingestion.FetchTimeout = d
		}
	}
	if v := os.Getenv("UA_INGESTION_FETCH_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingestion.FetchAttempts = n
		}
	}
	if v := os.Getenv("UA_INGESTION_TRUST_DECLARED_TYPE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Ingestion.TrustDeclaredType = b
		}
	}
	if v := os.Getenv("UA_PARTITION_URL"); v != "" {
		cfg.Partition.URL = v
	}
	if v := os.Getenv("UA_POSTGRES_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Postgres.Enabled = b
		}
	}
	if v := os.Getenv("UA_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("UA_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("UA_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("UA_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("UA_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("UA_KAFKA_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Kafka.Enabled = b
		}
	}
	if v := os.Getenv("UA_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("UA_REDIS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Redis.Enabled = b
		}
	}
	if v := os.Getenv("UA_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("UA_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("UA_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("UA_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// splitList splits a comma-separated environment value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
