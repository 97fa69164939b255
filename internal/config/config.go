package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every setting required to boot the resolver engine.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Rules      RulesConfig      `yaml:"rules"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Notify     NotifyConfig     `yaml:"notify"`
	Cache      CacheConfig      `yaml:"cache"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RulesConfig points at the rule definition; empty uses the built-in tree.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// ResolverConfig tunes refinement cycles.
type ResolverConfig struct {
	Interval        time.Duration `yaml:"interval"`
	MaxAgeMinutes   int           `yaml:"maxAgeMinutes"`
	LookbackSeconds int64         `yaml:"lookbackSeconds"`
	LeaseTTL        time.Duration `yaml:"leaseTTL"`
	LeaseKey        string        `yaml:"leaseKey"`
}

// PostgresConfig configures the resolution store. An empty DSN selects the in-memory store.
type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
	EnsureSchema bool   `yaml:"ensureSchema"`
}

// ClickHouseConfig enables reading evidence from ClickHouse instead of Postgres.
type ClickHouseConfig struct {
	DSN string `yaml:"dsn"`
}

// IngestConfig groups sensor transports.
type IngestConfig struct {
	RecordEvidence bool        `yaml:"recordEvidence"`
	Kafka          KafkaConfig `yaml:"kafka"`
	MQTT           MQTTConfig  `yaml:"mqtt"`
}

// KafkaConfig configures a Kafka consumer or producer.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"groupID"`
	Topic   string   `yaml:"topic"`
}

// MQTTConfig configures an MQTT connection.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"clientID"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// NotifyConfig selects where new and refined resolutions are published.
type NotifyConfig struct {
	Log   bool        `yaml:"log"`
	Kafka KafkaConfig `yaml:"kafka"`
	MQTT  MQTTConfig  `yaml:"mqtt"`
}

// CacheConfig controls the Valkey connection used for the cycle lease.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("HOMESENSE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if c.Resolver.Interval <= 0 {
		return fmt.Errorf("resolver.interval must be positive")
	}
	if c.Resolver.MaxAgeMinutes <= 0 {
		return fmt.Errorf("resolver.maxAgeMinutes must be positive")
	}
	if c.Resolver.LookbackSeconds <= 0 {
		return fmt.Errorf("resolver.lookbackSeconds must be positive")
	}
	if c.Ingest.Kafka.Enabled && (len(c.Ingest.Kafka.Brokers) == 0 || c.Ingest.Kafka.Topic == "") {
		return fmt.Errorf("ingest.kafka requires brokers and topic")
	}
	if c.Ingest.MQTT.Enabled && (c.Ingest.MQTT.Broker == "" || c.Ingest.MQTT.Topic == "") {
		return fmt.Errorf("ingest.mqtt requires broker and topic")
	}
	if c.Notify.Kafka.Enabled && (len(c.Notify.Kafka.Brokers) == 0 || c.Notify.Kafka.Topic == "") {
		return fmt.Errorf("notify.kafka requires brokers and topic")
	}
	if c.Notify.MQTT.Enabled && (c.Notify.MQTT.Broker == "" || c.Notify.MQTT.Topic == "") {
		return fmt.Errorf("notify.mqtt requires broker and topic")
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		return fmt.Errorf("cache.addr is required when the cache is enabled")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Resolver: ResolverConfig{
			Interval:        10 * time.Minute,
			MaxAgeMinutes:   21,
			LookbackSeconds: 900,
			LeaseKey:        "homesense:resolver:cycle",
		},
		Postgres: PostgresConfig{MaxOpenConns: 10, EnsureSchema: true},
		Ingest: IngestConfig{
			RecordEvidence: true,
			Kafka: KafkaConfig{
				GroupID: "event-resolver",
				Topic:   "sensor-events",
			},
			MQTT: MQTTConfig{
				ClientID: "event-resolver",
				Topic:    "home/sensors/events",
				QoS:      1,
			},
		},
		Notify: NotifyConfig{
			Log:   true,
			Kafka: KafkaConfig{Topic: "resolved-events"},
			MQTT: MQTTConfig{
				ClientID: "event-resolver-notify",
				Topic:    "home/resolutions",
				QoS:      1,
			},
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HOMESENSE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("HOMESENSE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("HOMESENSE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HOMESENSE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("HOMESENSE_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("HOMESENSE_RESOLVER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Resolver.Interval = d
		}
	}
	if v := os.Getenv("HOMESENSE_RESOLVER_MAX_AGE_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Resolver.MaxAgeMinutes = n
		}
	}
	if v := os.Getenv("HOMESENSE_RESOLVER_LOOKBACK_SECONDS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Resolver.LookbackSeconds = n
		}
	}
	if v := os.Getenv("HOMESENSE_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("HOMESENSE_CLICKHOUSE_DSN"); v != "" {
		cfg.ClickHouse.DSN = v
	}
	if v := os.Getenv("HOMESENSE_KAFKA_BROKERS"); v != "" {
		brokers := splitList(v)
		cfg.Ingest.Kafka.Brokers = brokers
		cfg.Notify.Kafka.Brokers = brokers
	}
	if v := os.Getenv("HOMESENSE_INGEST_KAFKA_ENABLED"); v != "" {
		cfg.Ingest.Kafka.Enabled = parseBool(v)
	}
	if v := os.Getenv("HOMESENSE_INGEST_KAFKA_TOPIC"); v != "" {
		cfg.Ingest.Kafka.Topic = v
	}
	if v := os.Getenv("HOMESENSE_MQTT_BROKER"); v != "" {
		cfg.Ingest.MQTT.Broker = v
		cfg.Notify.MQTT.Broker = v
	}
	if v := os.Getenv("HOMESENSE_INGEST_MQTT_ENABLED"); v != "" {
		cfg.Ingest.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("HOMESENSE_INGEST_MQTT_TOPIC"); v != "" {
		cfg.Ingest.MQTT.Topic = v
	}
	if v := os.Getenv("HOMESENSE_NOTIFY_KAFKA_ENABLED"); v != "" {
		cfg.Notify.Kafka.Enabled = parseBool(v)
	}
	if v := os.Getenv("HOMESENSE_NOTIFY_KAFKA_TOPIC"); v != "" {
		cfg.Notify.Kafka.Topic = v
	}
	if v := os.Getenv("HOMESENSE_NOTIFY_MQTT_ENABLED"); v != "" {
		cfg.Notify.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("HOMESENSE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("HOMESENSE_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = parseBool(v)
	}
	if v := os.Getenv("HOMESENSE_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("HOMESENSE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("HOMESENSE_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("HOMESENSE_CACHE_TLS"); parseBool(v) {
		cfg.Cache.TLS = true
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
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
