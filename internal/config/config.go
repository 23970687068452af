// internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	HTTPAddr       string       `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel       logrus.Level `env:"LOG_LEVEL" envDefault:"info"`
	AllowedOrigins []string     `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"https://*,http://*"`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"`
	RedisAddr    string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB      int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix  string `env:"REDIS_PREFIX" envDefault:"farkle"`

	HistorianQueueName  string        `env:"HISTORIAN_QUEUE_NAME" envDefault:"farkle_actions"`
	HistorianBatchSize  int           `env:"HISTORIAN_BATCH_SIZE" envDefault:"20"`
	HistorianFlushDelay time.Duration `env:"HISTORIAN_FLUSH_DELAY" envDefault:"500ms"`
	GameInactivity      time.Duration `env:"GAME_INACTIVITY_TIMEOUT" envDefault:"10m"`

	// DatabaseURL is optional; without it finished games are not persisted.
	DatabaseURL string `env:"DATABASE_URL"`

	SettleDelay       time.Duration `env:"SETTLE_DELAY" envDefault:"2s"`
	FinalRoundRecheck time.Duration `env:"FINAL_ROUND_RECHECK" envDefault:"10s"`

	EventLogKeep    int           `env:"EVENT_LOG_KEEP" envDefault:"200"`
	JanitorInterval time.Duration `env:"JANITOR_INTERVAL" envDefault:"30s"`

	// AdminKeySeed is a hex encoded ed25519 seed. Empty generates a key per process.
	AdminKeySeed    string `env:"ADMIN_KEY_SEED"`
	TokenExpireTime string `env:"TOKEN_EXPIRE_TIME" envDefault:"72h"`
}

func Load() (*Config, error) {
	return load(env.Options{})
}

func load(opts env.Options) (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendMemory, BackendRedis, c.StoreBackend)
	}
	if c.SettleDelay <= 0 || c.FinalRoundRecheck <= 0 {
		return fmt.Errorf("SETTLE_DELAY and FINAL_ROUND_RECHECK must be positive")
	}
	if _, err := c.TokenTTL(); err != nil {
		return err
	}
	return nil
}

// TokenTTL parses TOKEN_EXPIRE_TIME. "never", "0" and "" mean tokens do not expire.
func (c Config) TokenTTL() (time.Duration, error) {
	switch c.TokenExpireTime {
	case "never", "0", "":
		return 0, nil
	}
	d, err := time.ParseDuration(c.TokenExpireTime)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token expire time: %w", err)
	}
	return d, nil
}
