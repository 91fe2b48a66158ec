package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	ServiceName = "stock-ledger"

	BackendMemory = "memory"
	BackendMySQL  = "mysql"

	// EnvConfigPath names the optional YAML file read before env overrides.
	EnvConfigPath = "STOCK_LEDGER_CONFIG"
)

type Config struct {
	LogLevel        string        `yaml:"log_level"`
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Storage      StorageConfig     `yaml:"storage"`
	Redis        RedisConfig       `yaml:"redis"`
	Kafka        KafkaConfig       `yaml:"kafka"`
	Tracing      TracingConfig     `yaml:"tracing"`
	Reservations ReservationConfig `yaml:"reservations"`
	Dispatcher   DispatcherConfig  `yaml:"dispatcher"`
	Products     ProductConfig     `yaml:"products"`
}

type StorageConfig struct {
	Backend  string `yaml:"backend"`
	MySQLDSN string `yaml:"mysql_dsn"`
}

// RedisConfig enables the availability snapshot cache when Addr is set.
// SnapshotTTL bounds how long a snapshot this process has not refreshed can
// be served.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
}

// KafkaConfig enables the stock event feed when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// TracingConfig exports spans over OTLP/HTTP when Endpoint is set.
type TracingConfig struct {
	Endpoint string `yaml:"otlp_endpoint"`
}

type ReservationConfig struct {
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type DispatcherConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

type ProductConfig struct {
	PriceScale int32 `yaml:"price_scale"`
}

func Default() Config {
	return Config{
		LogLevel:        "info",
		HTTPAddr:        ":8080",
		GRPCAddr:        ":50051",
		ShutdownTimeout: 10 * time.Second,
		Storage:         StorageConfig{Backend: BackendMemory},
		Redis:           RedisConfig{SnapshotTTL: time.Minute},
		Kafka:           KafkaConfig{Topic: "stock-events"},
		Reservations: ReservationConfig{
			DefaultTTL:    15 * time.Minute,
			SweepInterval: time.Second,
		},
		Dispatcher: DispatcherConfig{Workers: 8, QueueSize: 1024},
		Products:   ProductConfig{PriceScale: 2},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// any) and environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv is Load with the file path taken from STOCK_LEDGER_CONFIG.
func LoadFromEnv() (*Config, error) {
	return Load(os.Getenv(EnvConfigPath))
}

func (c *Config) applyEnv() error {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getEnv("GRPC_ADDR", c.GRPCAddr)
	c.Storage.Backend = getEnv("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.MySQLDSN = getEnv("MYSQL_DSN", c.Storage.MySQLDSN)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Kafka.Topic)
	c.Tracing.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Tracing.Endpoint)

	if v, ok := os.LookupEnv("KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = splitList(v)
	}

	var errs []error
	durations := map[string]*time.Duration{
		"RESERVATION_TTL":    &c.Reservations.DefaultTTL,
		"SWEEP_INTERVAL":     &c.Reservations.SweepInterval,
		"REDIS_SNAPSHOT_TTL": &c.Redis.SnapshotTTL,
		"SHUTDOWN_TIMEOUT":   &c.ShutdownTimeout,
	}
	for key, dst := range durations {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			*dst = d
		}
	}

	ints := map[string]*int{
		"DISPATCH_WORKERS":    &c.Dispatcher.Workers,
		"DISPATCH_QUEUE_SIZE": &c.Dispatcher.QueueSize,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			*dst = n
		}
	}

	if v, ok := os.LookupEnv("PRICE_SCALE"); ok {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("PRICE_SCALE: %w", err))
		} else {
			c.Products.PriceScale = int32(n)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendMySQL:
		if c.Storage.MySQLDSN == "" {
			errs = append(errs, errors.New("storage.mysql_dsn is required for the mysql backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be %q or %q, got %q", BackendMemory, BackendMySQL, c.Storage.Backend))
	}
	if c.HTTPAddr == "" && c.GRPCAddr == "" {
		errs = append(errs, errors.New("at least one of http_addr and grpc_addr is required"))
	}
	if c.Redis.Addr != "" && c.Redis.SnapshotTTL <= 0 {
		errs = append(errs, errors.New("redis.snapshot_ttl must be positive"))
	}
	if c.Reservations.DefaultTTL <= 0 {
		errs = append(errs, errors.New("reservations.default_ttl must be positive"))
	}
	if c.Reservations.SweepInterval <= 0 {
		errs = append(errs, errors.New("reservations.sweep_interval must be positive"))
	}
	if c.Dispatcher.Workers <= 0 {
		errs = append(errs, errors.New("dispatcher.workers must be positive"))
	}
	if c.Dispatcher.QueueSize < 0 {
		errs = append(errs, errors.New("dispatcher.queue_size must not be negative"))
	}
	if c.Products.PriceScale < 0 || c.Products.PriceScale > 8 {
		errs = append(errs, errors.New("products.price_scale must be between 0 and 8"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
