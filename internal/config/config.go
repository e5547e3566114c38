// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds configuration shared by the three suivault processes.
// The wallet signing key is deliberately absent: it only ever travels
// the relay, never configuration.
type Config struct {
	DBPath string

	// AgentAddr is the host:port the intelligence service listens on.
	// Port 0 asks the OS for a free port; the bound address is
	// reported on the agent's stdout event stream.
	AgentAddr string
	AgentBin  string
	ToolsBin  string

	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string

	SuiRPCURL        string
	BlockberryAPIKey string
	BlockberryURL    string

	ToolTimeout   time.Duration
	RelayTimeout  time.Duration
	ShutdownGrace time.Duration

	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DBPath:           getEnv("SUIVAULT_DB_PATH", defaultDBPath()),
		AgentAddr:        getEnv("AGENT_ADDR", "127.0.0.1:0"),
		AgentBin:         getEnv("AGENT_BIN", "suivault-agent"),
		ToolsBin:         getEnv("TOOLS_BIN", "suivault-tools"),
		GeminiAPIKey:     getEnv("GOOGLE_API_KEY", ""),
		GeminiModel:      getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiBaseURL:    getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		SuiRPCURL:        getEnv("SUI_RPC_URL", "https://fullnode.testnet.sui.io:443"),
		BlockberryAPIKey: getEnv("BLOCKBERRY_API_KEY", ""),
		BlockberryURL:    getEnv("BLOCKBERRY_URL", "https://api.blockberry.one"),
		ToolTimeout:      getEnvDuration("TOOL_TIMEOUT", 30*time.Second),
		RelayTimeout:     getEnvDuration("RELAY_TIMEOUT", 90*time.Second),
		ShutdownGrace:    getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),
		LogLevel:         getEnvLevel("LOG_LEVEL", slog.LevelInfo),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("SUIVAULT_DB_PATH cannot be empty")
	}
	if c.AgentAddr == "" {
		return fmt.Errorf("AGENT_ADDR cannot be empty")
	}
	if c.AgentBin == "" || c.ToolsBin == "" {
		return fmt.Errorf("AGENT_BIN and TOOLS_BIN cannot be empty")
	}
	if c.SuiRPCURL == "" {
		return fmt.Errorf("SUI_RPC_URL cannot be empty")
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("TOOL_TIMEOUT must be > 0")
	}
	if c.RelayTimeout <= 0 {
		return fmt.Errorf("RELAY_TIMEOUT must be > 0")
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("SHUTDOWN_GRACE must be > 0")
	}
	return nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data/wallets.db"
	}
	return filepath.Join(home, ".suivault", "wallets.db")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

