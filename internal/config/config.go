package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Classifier response shapes.
const (
	ModeDistribution = "distribution"
	ModeSingleLabel  = "single_label"
)

// Config is the root application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Image      ImageConfig      `mapstructure:"image"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Events     EventsConfig     `mapstructure:"events"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// RedisConfig holds cache settings. A disabled cache degrades to direct reads.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// ClassifierConfig describes the remote model and how its output is shaped.
type ClassifierConfig struct {
	Addr        string        `mapstructure:"addr"`
	Mode        string        `mapstructure:"mode"`
	LabelsFile  string        `mapstructure:"labels_file"`
	InputSize   int           `mapstructure:"input_size"`
	Mean        float64       `mapstructure:"mean"`
	Std         float64       `mapstructure:"std"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// ImageConfig bounds image source resolution.
type ImageConfig struct {
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	MaxBytes     int64         `mapstructure:"max_bytes"`
	MaxPixels    int64         `mapstructure:"max_pixels"`
	TempDir      string        `mapstructure:"temp_dir"`
}

// AuthConfig configures JWT issuance and verification.
type AuthConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	Audience  string        `mapstructure:"audience"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// EventsConfig configures the Kafka publisher. No brokers means events are dropped.
type EventsConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from defaults, an optional YAML file and the environment,
// in increasing order of precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("LESION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Events.Brokers = splitList(cfg.Events.Brokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.max_upload_bytes", 10<<20)

	v.SetDefault("db.dsn", "host=postgres user=postgres password=postgres dbname=lesions port=5432 sslmode=disable")
	v.SetDefault("db.max_open_conns", 10)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "1h")
	v.SetDefault("db.migrate", true)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "5m")

	v.SetDefault("classifier.addr", "classifier:50051")
	v.SetDefault("classifier.mode", ModeDistribution)
	v.SetDefault("classifier.input_size", 224)
	v.SetDefault("classifier.mean", 0.5)
	v.SetDefault("classifier.std", 0.5)
	v.SetDefault("classifier.dial_timeout", "5s")

	v.SetDefault("image.fetch_timeout", "10s")
	v.SetDefault("image.max_bytes", 20<<20)
	v.SetDefault("image.max_pixels", 89478485)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("events.topic", "diagnostics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port must be within 1-65535, got %d", c.Server.Port)
	}
	switch c.Classifier.Mode {
	case ModeDistribution, ModeSingleLabel:
	default:
		return fmt.Errorf("config: unknown classifier.mode %q", c.Classifier.Mode)
	}
	if c.Classifier.InputSize <= 0 {
		return fmt.Errorf("config: classifier.input_size must be positive")
	}
	if c.Classifier.Std == 0 {
		return fmt.Errorf("config: classifier.std must not be zero")
	}
	if c.Image.FetchTimeout <= 0 {
		return fmt.Errorf("config: image.fetch_timeout must be positive")
	}
	if c.Auth.Enabled && len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("config: auth.jwt_secret must be at least 16 characters when auth is enabled")
	}
	return nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
