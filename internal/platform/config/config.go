package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	SourceMongo  = "mongo"
	SourceRedis  = "redis"
	SourceMemory = "memory"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8082"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	Source     string `env:"SOURCE" default:"mongo"`
	MongoURL   string `env:"MONGODB_URL"`
	Database   string `env:"DATABASE"`
	Collection string `env:"COLLECTION"`
	RedisURL   string `env:"REDIS_URL"`

	RedisStreamMaxLen int64 `env:"REDIS_STREAM_MAXLEN" default:"10000"`

	SubscriberQueueSize int           `env:"SUBSCRIBER_QUEUE_SIZE" default:"256"`
	WriteTimeout        time.Duration `env:"WRITE_TIMEOUT" default:"5s"`
	DrainTimeout        time.Duration `env:"DRAIN_TIMEOUT" default:"10s"`

	ReconnectMaxAttempts    int           `env:"RECONNECT_MAX_ATTEMPTS" default:"10"`
	ReconnectInitialBackoff time.Duration `env:"RECONNECT_INITIAL_BACKOFF" default:"500ms"`
	ReconnectMaxBackoff     time.Duration `env:"RECONNECT_MAX_BACKOFF" default:"30s"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"50"`
	ConnectionRate          float64 `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst         int     `env:"CONNECTION_BURST" default:"20"`

	// AllowedOrigins is a comma-separated origin list for /socket. Empty allows any origin.
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`
	// TrustedProxies is a comma-separated CIDR list whose X-Forwarded-For is believed.
	// Empty means the peer address is the client address.
	TrustedProxies string `env:"TRUSTED_PROXIES"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Origins returns the parsed ALLOWED_ORIGINS list.
func (c *Config) Origins() []string {
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, strings.TrimSuffix(o, "/"))
		}
	}
	return origins
}

// ProxyRanges returns the parsed TRUSTED_PROXIES list.
func (c *Config) ProxyRanges() ([]*net.IPNet, error) {
	var ranges []*net.IPNet
	for _, r := range strings.Split(c.TrustedProxies, ",") {
		if r = strings.TrimSpace(r); r == "" {
			continue
		}
		_, ipNet, err := net.ParseCIDR(r)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		ranges = append(ranges, ipNet)
	}
	return ranges, nil
}

func validate(cfg *Config) error {
	var required []string
	switch cfg.Source {
	case SourceMongo:
		required = []string{"MONGODB_URL", cfg.MongoURL, "DATABASE", cfg.Database, "COLLECTION", cfg.Collection}
	case SourceRedis:
		required = []string{"REDIS_URL", cfg.RedisURL, "COLLECTION", cfg.Collection}
	case SourceMemory:
		if cfg.AppEnv == "production" {
			return errors.New("SOURCE=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("SOURCE must be one of %s, %s, %s; got %q", SourceMongo, SourceRedis, SourceMemory, cfg.Source)
	}
	for i := 0; i < len(required); i += 2 {
		if required[i+1] == "" {
			return fmt.Errorf("%s is required when SOURCE=%s", required[i], cfg.Source)
		}
	}

	if cfg.SubscriberQueueSize < 1 {
		return errors.New("SUBSCRIBER_QUEUE_SIZE must be at least 1")
	}
	if cfg.DrainTimeout <= 0 {
		return errors.New("DRAIN_TIMEOUT must be positive")
	}
	if cfg.WriteTimeout <= 0 {
		return errors.New("WRITE_TIMEOUT must be positive")
	}
	if cfg.ReconnectMaxAttempts < 1 {
		return errors.New("RECONNECT_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.ReconnectMaxBackoff < cfg.ReconnectInitialBackoff {
		return errors.New("RECONNECT_MAX_BACKOFF must not be below RECONNECT_INITIAL_BACKOFF")
	}
	if _, err := cfg.ProxyRanges(); err != nil {
		return err
	}
	if cfg.Source == SourceRedis && cfg.RedisStreamMaxLen < 1 {
		return errors.New("REDIS_STREAM_MAXLEN must be at least 1")
	}

	return nil
}
