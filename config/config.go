package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Signaling backends served by the signaling server
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig

	// Signaling server
	SignalingBackend string
	SessionTTL       time.Duration

	// Peer client
	ICEServers   []string
	SignalingURL string
	AuthToken    string

	LogLevel string
	LogFile  string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr returns the host:port of the Redis server
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:*")
	v.SetDefault("JWT_SECRET", "change-me-in-production")
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("SIGNALING_BACKEND", BackendRedis)
	v.SetDefault("SESSION_TTL", 24*time.Hour)
	v.SetDefault("ICE_SERVERS", "stun:stun1.l.google.com:19302,stun:stun2.l.google.com:19302")
	v.SetDefault("SIGNALING_URL", "http://localhost:8080")
	v.SetDefault("AUTH_TOKEN", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")
}

// Load reads the configuration. Defaults are overridden by the optional config
// file at configFilePath, a .env file in the working directory and finally the
// environment.
func Load(configFilePath string) (*Config, error) {
	// load .env if it exists (ignore if it does not)
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: reading .env: %w", err)
	}

	v := viper.New()
	v.SetTypeByDefaultValue(true)
	setDefaults(v)

	if configFilePath != "" {
		v.SetConfigFile(configFilePath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config: reading %s: %w", configFilePath, err)
			}
			slog.Info("no config file found", "configFilePath", configFilePath)
		}
	}
	v.AutomaticEnv()

	cfg := &Config{
		Port:           v.GetString("PORT"),
		Environment:    v.GetString("ENVIRONMENT"),
		AllowedOrigins: splitList(v.GetString("ALLOWED_ORIGINS")),
		JWTSecret:      v.GetString("JWT_SECRET"),
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetString("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		SignalingBackend: strings.ToLower(v.GetString("SIGNALING_BACKEND")),
		SessionTTL:       v.GetDuration("SESSION_TTL"),
		ICEServers:       splitList(v.GetString("ICE_SERVERS")),
		SignalingURL:     v.GetString("SIGNALING_URL"),
		AuthToken:        v.GetString("AUTH_TOKEN"),
		LogLevel:         strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFile:          v.GetString("LOG_FILE"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.SignalingBackend {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("config: unknown SIGNALING_BACKEND %q", c.SignalingBackend)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("config: SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	// At least one ICE server is needed to get past a NAT
	if len(c.ICEServers) == 0 {
		return errors.New("config: at least one ICE server must be specified")
	}
	if c.Environment == "production" && c.JWTSecret == "change-me-in-production" {
		return errors.New("config: JWT_SECRET must be set in production")
	}
	return nil
}

// splitList parses a comma-separated value, dropping empty entries
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
