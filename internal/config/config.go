package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server  ServerConfig
	DB      DBConfig
	Auth    AuthConfig
	Rollout RolloutConfig
	CORS    CORSConfig
}

type ServerConfig struct {
	Host string
	Port string
}

type DBConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

type AuthConfig struct {
	JWTSecret     string
	JWTExpiry     time.Duration
	AdminEmail    string
	AdminPassword string
}

type RolloutConfig struct {
	// CheckInterval is how often the running-rollout condition check runs.
	CheckInterval time.Duration
	// MaxRolloutsPerCheck caps rollouts handled per check invocation; 0
	// means no cap.
	MaxRolloutsPerCheck int
	// MaxStatementChunk bounds the number of targets touched per database
	// statement when assigning in batches.
	MaxStatementChunk int
	// Default group conditions applied when a create request omits them.
	DefaultSuccessThreshold string
	DefaultErrorThreshold   string
}

type CORSConfig struct {
	AllowedOrigins string
}

func Load() (*Config, error) {
	jwtExpiry, err := time.ParseDuration(envOrDefault("FLOTILLA_JWT_EXPIRY", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid FLOTILLA_JWT_EXPIRY: %w", err)
	}

	checkInterval, err := time.ParseDuration(envOrDefault("FLOTILLA_ROLLOUT_CHECK_INTERVAL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid FLOTILLA_ROLLOUT_CHECK_INTERVAL: %w", err)
	}

	maxRollouts, err := intOrDefault("FLOTILLA_ROLLOUT_CHECK_LIMIT", 0)
	if err != nil {
		return nil, err
	}

	maxChunk, err := intOrDefault("FLOTILLA_MAX_STATEMENT_CHUNK", 1000)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: envOrDefault("FLOTILLA_HOST", "0.0.0.0"),
			Port: envOrDefault("FLOTILLA_PORT", "8080"),
		},
		DB: DBConfig{
			Host:     envOrDefault("FLOTILLA_DB_HOST", "localhost"),
			Port:     envOrDefault("FLOTILLA_DB_PORT", "5432"),
			Name:     envOrDefault("FLOTILLA_DB_NAME", "flotilla"),
			User:     envOrDefault("FLOTILLA_DB_USER", "flotilla"),
			Password: envOrDefault("FLOTILLA_DB_PASSWORD", "flotilla"),
			SSLMode:  envOrDefault("FLOTILLA_DB_SSLMODE", "disable"),
		},
		Auth: AuthConfig{
			JWTSecret:     envOrDefault("FLOTILLA_JWT_SECRET", "change-me-in-production"),
			JWTExpiry:     jwtExpiry,
			AdminEmail:    envOrDefault("FLOTILLA_ADMIN_EMAIL", "admin@flotilla.local"),
			AdminPassword: envOrDefault("FLOTILLA_ADMIN_PASSWORD", "admin"),
		},
		Rollout: RolloutConfig{
			CheckInterval:           checkInterval,
			MaxRolloutsPerCheck:     maxRollouts,
			MaxStatementChunk:       maxChunk,
			DefaultSuccessThreshold: envOrDefault("FLOTILLA_DEFAULT_SUCCESS_THRESHOLD", "100"),
			DefaultErrorThreshold:   envOrDefault("FLOTILLA_DEFAULT_ERROR_THRESHOLD", "50"),
		},
		CORS: CORSConfig{
			AllowedOrigins: envOrDefault("FLOTILLA_CORS_ORIGINS", "http://localhost:3000"),
		},
	}

	return cfg, nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intOrDefault(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
