// Package config loads server and peer settings from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Comma-separated defaults for list settings. The env tag grammar uses commas
// itself, so these are applied after unmarshalling.
const (
	defaultAllowedOrigins = "http://localhost:3000,http://localhost:5173"
	defaultSTUNServers    = "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"
)

type Config struct {
	Port           string `env:"PORT,default=8080"`
	Environment    string `env:"ENVIRONMENT,default=development"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`
	MaxChatLength  int    `env:"MAX_CHAT_LENGTH,default=500"`
	SendBufferSize int    `env:"SEND_BUFFER_SIZE,default=256"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`
	LogFormat      string `env:"LOG_FORMAT,default=text"`

	RedisEnabled  bool          `env:"REDIS_ENABLED,default=false"`
	RedisHost     string        `env:"REDIS_HOST,default=localhost"`
	RedisPort     string        `env:"REDIS_PORT,default=6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB,default=0"`
	PresenceTTL   time.Duration `env:"PRESENCE_TTL,default=24h"`
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	TTL      time.Duration
}

// PeerConfig drives a participant process
type PeerConfig struct {
	SignalURL       string        `env:"SIGNAL_URL,default=ws://localhost:8080/ws"`
	SessionDuration time.Duration `env:"SESSION_DURATION,default=40m"`
	SessionWarning  time.Duration `env:"SESSION_WARNING,default=1m"`
	MaxRetries      int           `env:"MAX_RETRIES,default=3"`
	RetryBaseDelay  time.Duration `env:"RETRY_BASE_DELAY,default=1s"`
	RetryMaxDelay   time.Duration `env:"RETRY_MAX_DELAY,default=10s"`
	STUNServers     string        `env:"STUN_SERVERS"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
}

// Load reads the server configuration. A .env file in the working directory is
// applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.AllowedOrigins == "" {
		cfg.AllowedOrigins = defaultAllowedOrigins
	}
	return &cfg, nil
}

// LoadPeer reads the participant configuration.
func LoadPeer() (*PeerConfig, error) {
	_ = godotenv.Load()

	var cfg PeerConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load peer config: %w", err)
	}
	if cfg.STUNServers == "" {
		cfg.STUNServers = defaultSTUNServers
	}
	if cfg.SessionWarning >= cfg.SessionDuration {
		return nil, fmt.Errorf("SESSION_WARNING (%s) must be shorter than SESSION_DURATION (%s)",
			cfg.SessionWarning, cfg.SessionDuration)
	}
	return &cfg, nil
}

// Origins splits the comma-separated allow list
func (c *Config) Origins() []string {
	return splitList(c.AllowedOrigins)
}

func (c *Config) Redis() RedisConfig {
	return RedisConfig{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
		TTL:      c.PresenceTTL,
	}
}

func (c *PeerConfig) ICEServers() []string {
	return splitList(c.STUNServers)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
