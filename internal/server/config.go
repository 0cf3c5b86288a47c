// Package server provides configuration helpers that define runtime defaults,
// validation, and limits for the chat service.
package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/Tyrowin/presencechat/internal/store"
)

// Config holds the server configuration settings including security controls.
// Fields are read from the environment; zero values fall back to defaults.
type Config struct {
	Port                    string        `env:"SERVER_PORT,default=:8080"`
	AllowedOriginsRaw       string        `env:"ALLOWED_ORIGINS,default=http://localhost:8080"`
	MaxMessageSize          int64         `env:"MAX_MESSAGE_SIZE,default=4096"`
	RateLimitBurst          int           `env:"RATE_LIMIT_BURST,default=5"`
	RateLimitRefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s"`
	SendBufferSize          int           `env:"SEND_BUFFER_SIZE,default=256"`
	HistoryLimit            int           `env:"HISTORY_LIMIT,default=30"`
	HeartbeatInterval       time.Duration `env:"HEARTBEAT_INTERVAL,default=0s"`
	StoreDriver             string        `env:"STORE_DRIVER,default=memory"`
	StorePath               string        `env:"STORE_PATH,default=./data/chat"`
	LogLevel                string        `env:"LOG_LEVEL,default=INFO"`
	ShutdownTimeout         time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	// AllowedOrigins is AllowedOriginsRaw split on commas.
	AllowedOrigins []string
}

func defaultConfig() Config {
	return Config{
		Port:                    ":8080",
		AllowedOrigins:          []string{"http://localhost:8080"},
		MaxMessageSize:          4096,
		RateLimitBurst:          5,
		RateLimitRefillInterval: time.Second,
		SendBufferSize:          256,
		HistoryLimit:            30,
		StoreDriver:             store.DriverMemory,
		StorePath:               "./data/chat",
		LogLevel:                "INFO",
		ShutdownTimeout:         10 * time.Second,
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() Config {
	return defaultConfig()
}

// LoadConfig reads the configuration from the process environment and
// applies defaults to anything unset, blank or out of range.
func LoadConfig() (Config, error) {
	return loadConfig(os.Environ())
}

func loadConfig(environ []string) (Config, error) {
	es, err := env.EnvironToEnvSet(environ)
	if err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	// a blank variable (KEY= in a dotenv file) means unset
	for key, value := range es {
		if strings.TrimSpace(value) == "" {
			delete(es, key)
		}
	}

	var cfg Config
	if err := env.Unmarshal(es, &cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if cfg.AllowedOriginsRaw != "" {
		cfg.AllowedOrigins = parseOrigins(cfg.AllowedOriginsRaw)
	}
	cfg = cfg.Sanitize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Sanitize replaces zero or negative settings with their defaults.
func (cfg Config) Sanitize() Config {
	def := defaultConfig()
	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = def.RateLimitBurst
	}
	if cfg.RateLimitRefillInterval <= 0 {
		cfg.RateLimitRefillInterval = def.RateLimitRefillInterval
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.HeartbeatInterval < 0 {
		cfg.HeartbeatInterval = 0
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = def.StoreDriver
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = def.AllowedOrigins
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

func (cfg Config) validate() error {
	switch strings.ToLower(cfg.StoreDriver) {
	case store.DriverMemory, store.DriverBadger, store.DriverSQLite:
		return nil
	default:
		return fmt.Errorf("config error: STORE_DRIVER must be one of memory, badger, sqlite, got %q", cfg.StoreDriver)
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
