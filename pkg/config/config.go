package config

import (
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds all the configuration for the service.
// The mapstructure tags tell Viper which YAML field maps to which Go struct field.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	Retention RetentionConfig `mapstructure:"retention"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type StorageConfig struct {
	Backend         string `mapstructure:"backend"` // memory, redis, sqlite
	MaxPayloadBytes int    `mapstructure:"max_payload_bytes"`
}

type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RetentionConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	MaxAgeDays int           `mapstructure:"max_age_days"`
	Interval   time.Duration `mapstructure:"interval"`
	BatchSize  int           `mapstructure:"batch_size"`
}

type IngestConfig struct {
	Environment     string          `mapstructure:"environment"`
	MaskSensitive   bool            `mapstructure:"mask_sensitive_fields"`
	SensitiveFields []string        `mapstructure:"sensitive_fields"`
	RateLimit       RateLimitConfig `mapstructure:"ratelimit"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"requests_per_second"`
	Burst   int     `mapstructure:"burst"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
	Readers int      `mapstructure:"readers"`
}

type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Store wraps configuration with thread-safe access and hot-reload updates.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewStore returns a Store holding a fixed configuration.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil
	}
	cpy := *s.cfg
	return &cpy
}

// Set replaces the current configuration.
func (s *Store) Set(cfg *Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8090")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_body_bytes", 4<<20)

	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.max_payload_bytes", 1<<20)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.key_prefix", "supplierlog")

	v.SetDefault("sqlite.path", "./data/supplierlog.db")

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.max_age_days", 90)
	v.SetDefault("retention.interval", 24*time.Hour)
	v.SetDefault("retention.batch_size", 500)

	v.SetDefault("ingest.environment", "production")
	v.SetDefault("ingest.mask_sensitive_fields", true)
	v.SetDefault("ingest.ratelimit.enabled", false)
	v.SetDefault("ingest.ratelimit.requests_per_second", 500.0)
	v.SetDefault("ingest.ratelimit.burst", 1000)

	v.SetDefault("kafka.topic", "supplier-call-logs")
	v.SetDefault("kafka.group_id", "supplierlog")
	v.SetDefault("kafka.readers", 1)

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.consecutive_failures", 5)
	v.SetDefault("breaker.open_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./configs")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SUPPLIERLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadAndWatch loads the config and watches for on-disk changes.
// An empty path means ./configs/config.yaml.
func LoadAndWatch(path string) (*Store, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	store := &Store{}
	if err := refresh(v, store); err != nil {
		return nil, err
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		if err := refresh(v, store); err != nil {
			log.Errorf("[config] reload failed: %v", err)
		} else {
			log.Infof("[config] reloaded from %s", e.Name)
		}
	})

	return store, nil
}

// Load reads the config once and does not watch. A missing default config
// file is not an error: defaults and environment variables still apply.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func refresh(v *viper.Viper, store *Store) error {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return err
	}
	store.Set(&cfg)
	return nil
}
