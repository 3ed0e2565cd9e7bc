// Package config loads process configuration for Argus. Config is read
// from a YAML file (default: configs/argus.yaml) with every key
// overridable via ARGUS_* environment variables. Operational settings
// (scrape interval, thresholds, retention) live in the database settings
// row instead and are snapshotted per cycle.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level process configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Books     BooksConfig     `mapstructure:"books"`
	Server    ServerConfig    `mapstructure:"server"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig holds the Postgres connection.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig holds the optional Redis Stream publication target. When
// Enabled is false the writer skips stream publishing entirely.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	Stream   string `mapstructure:"stream"`
}

// BookConfig configures one book client. MaxInFlight caps concurrent
// requests; MinRequestGap paces request issues for books that throttle
// bursts (zero disables pacing).
type BookConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	MaxInFlight   int64         `mapstructure:"max_in_flight"`
	MinRequestGap time.Duration `mapstructure:"min_request_gap"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// BooksConfig holds the three upstream books.
type BooksConfig struct {
	Primary     BookConfig `mapstructure:"primary"`
	CompetitorA BookConfig `mapstructure:"competitor_a"`
	CompetitorB BookConfig `mapstructure:"competitor_b"`
}

// ServerConfig holds the HTTP/WebSocket listen address.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// BroadcastConfig tunes the WebSocket hub keepalive.
type BroadcastConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	SendBuffer   int           `mapstructure:"send_buffer"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from path (or the default search path when
// empty), applies defaults, and validates mandatory fields.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("database.dsn", "")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.stream", "odds.updates")
	v.SetDefault("books.primary.max_in_flight", 50)
	v.SetDefault("books.primary.timeout", 10*time.Second)
	v.SetDefault("books.competitor_a.max_in_flight", 50)
	v.SetDefault("books.competitor_a.timeout", 10*time.Second)
	v.SetDefault("books.competitor_b.max_in_flight", 15)
	v.SetDefault("books.competitor_b.min_request_gap", 25*time.Millisecond)
	v.SetDefault("books.competitor_b.timeout", 10*time.Second)
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("broadcast.ping_interval", 20*time.Second)
	v.SetDefault("broadcast.pong_wait", 30*time.Second)
	v.SetDefault("broadcast.send_buffer", 256)
	v.SetDefault("logging.level", "info")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("argus")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ARGUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional when env vars supply everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (ARGUS_DATABASE_DSN)")
	}
	for slug, b := range map[string]BookConfig{
		"primary":      c.Books.Primary,
		"competitor_a": c.Books.CompetitorA,
		"competitor_b": c.Books.CompetitorB,
	} {
		if b.BaseURL == "" {
			return fmt.Errorf("books.%s.base_url is required", slug)
		}
		if b.MaxInFlight <= 0 {
			return fmt.Errorf("books.%s.max_in_flight must be positive", slug)
		}
	}
	return nil
}
