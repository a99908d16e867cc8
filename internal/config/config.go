// Package config loads runtime configuration for the broker and host
// binaries from environment variables (optionally seeded from a .env file).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries settings for both binaries. Each binary reads only its own
// section; sharing one struct keeps the env naming in one place.
type Config struct {
	// Common
	Env       string
	LogLevel  string
	LogFormat string

	// Broker
	ListenAddr         string
	PublicURL          string
	RegistrationSecret string
	RequestTimeout     time.Duration
	PingInterval       time.Duration
	PongTimeout        time.Duration
	MaxBodyBytes       int64
	RegisterPerMinute  int
	MaxPendingUpgrades int
	CORSAllowedOrigins []string

	// Host
	BrokerURL         string
	TunnelID          string
	TunnelName        string
	Shell             string
	AgentCommand      string
	AgentArgs         []string
	WorkDir           string
	HistoryLines      int
	CompletionTimeout time.Duration
	SessionIdleAge    time.Duration
}

// Load reads configuration from the environment, applying defaults for
// anything unset. A .env file in the working directory is honored if present.
func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Env:       getEnv("ECHOSHELL_ENV", "development"),
		LogLevel:  getEnv("ECHOSHELL_LOG_LEVEL", "info"),
		LogFormat: getEnv("ECHOSHELL_LOG_FORMAT", "json"),

		ListenAddr:         getEnv("ECHOSHELL_LISTEN_ADDR", ":8090"),
		PublicURL:          getEnv("ECHOSHELL_PUBLIC_URL", "http://localhost:8090"),
		RegistrationSecret: getEnv("ECHOSHELL_REGISTRATION_SECRET", ""),
		RequestTimeout:     getEnvAsDuration("ECHOSHELL_REQUEST_TIMEOUT", 30*time.Second),
		PingInterval:       getEnvAsDuration("ECHOSHELL_PING_INTERVAL", 20*time.Second),
		PongTimeout:        getEnvAsDuration("ECHOSHELL_PONG_TIMEOUT", 30*time.Second),
		MaxBodyBytes:       int64(getEnvAsInt("ECHOSHELL_MAX_BODY_BYTES", 8*1024*1024)),
		RegisterPerMinute:  getEnvAsInt("ECHOSHELL_REGISTER_PER_MINUTE", 20),
		MaxPendingUpgrades: getEnvAsInt("ECHOSHELL_MAX_PENDING_UPGRADES", 50),
		CORSAllowedOrigins: getEnvAsSlice("ECHOSHELL_CORS_ALLOWED_ORIGINS", []string{"*"}),

		BrokerURL:         getEnv("ECHOSHELL_BROKER_URL", "http://localhost:8090"),
		TunnelID:          getEnv("ECHOSHELL_TUNNEL_ID", ""),
		TunnelName:        getEnv("ECHOSHELL_TUNNEL_NAME", ""),
		Shell:             getEnv("ECHOSHELL_SHELL", defaultShell()),
		AgentCommand:      getEnv("ECHOSHELL_AGENT_COMMAND", "claude"),
		AgentArgs:         getEnvAsSlice("ECHOSHELL_AGENT_ARGS", nil),
		WorkDir:           getEnv("ECHOSHELL_WORKDIR", ""),
		HistoryLines:      getEnvAsInt("ECHOSHELL_HISTORY_LINES", 1000),
		CompletionTimeout: getEnvAsDuration("ECHOSHELL_COMPLETION_TIMEOUT", 60*time.Second),
		SessionIdleAge:    getEnvAsDuration("ECHOSHELL_SESSION_IDLE_AGE", 30*time.Minute),
	}

	if cfg.WorkDir == "" {
		if cwd, err := os.Getwd(); err == nil {
			cfg.WorkDir = cwd
		}
	}

	return cfg, nil
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	// Bare integers are treated as seconds.
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
