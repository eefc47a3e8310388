package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/onebot"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/alexjbarnes/chat-sync/internal/timeline"
	"github.com/alexjbarnes/chat-sync/internal/transport"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	minCallTimeout     = 15 * time.Second
	maxCallTimeout     = 60 * time.Second
	minReconnectDelay  = 1 * time.Second
	maxReconnectDelay  = 30 * time.Second
	maxPageSize        = 200
	defaultReadLimitMB = 16
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// WebSocket endpoint of the OneBot server. Addresses without a scheme
	// are treated as ws://. Normalized to ws:// or wss:// by Load.
	ServerURL string `env:"CHAT_WS_URL"`

	// Access token appended to the connection URL. Optional.
	AccessToken string `env:"CHAT_ACCESS_TOKEN"`

	// Path of the bbolt state database. Defaults to ~/.chat-sync/state.db.
	StateDB string `env:"CHAT_STATE_DB"`

	// Serve the MCP tool surface over stdio alongside the client.
	EnableMCP bool `env:"ENABLE_MCP" envDefault:"false"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Transport timing.
	CallTimeout       time.Duration `env:"CALL_TIMEOUT" envDefault:"30s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	LivenessTimeout   time.Duration `env:"LIVENESS_TIMEOUT" envDefault:"40s"`
	ReconnectDelay    time.Duration `env:"RECONNECT_DELAY" envDefault:"3s"`

	// History loading.
	ColdOpenThreshold time.Duration `env:"COLD_OPEN_THRESHOLD" envDefault:"300s"`
	GapThreshold      time.Duration `env:"GAP_THRESHOLD" envDefault:"300s"`
	PageSize          int           `env:"PAGE_SIZE" envDefault:"20"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the access token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// The token is kept out of the stored URL; the transport appends it
	// on every dial so a rotated token takes effect on reconnect.
	normalized, err := onebot.BuildURL(cfg.ServerURL, "")
	if err != nil {
		return nil, fmt.Errorf("validating config: CHAT_WS_URL: %w", err)
	}

	cfg.ServerURL = normalized

	if cfg.StateDB == "" {
		path, err := state.DefaultPath()
		if err != nil {
			return nil, err
		}

		cfg.StateDB = path
	}

	absPath, err := filepath.Abs(cfg.StateDB)
	if err != nil {
		return nil, fmt.Errorf("resolving state db to absolute path: %w", err)
	}

	cfg.StateDB = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("CHAT_WS_URL is required")
	}

	if c.LogLevel != "" {
		if _, ok := logging.ParseLevel(c.LogLevel); !ok {
			return fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel)
		}
	}

	if c.CallTimeout < minCallTimeout || c.CallTimeout > maxCallTimeout {
		return fmt.Errorf("CALL_TIMEOUT must be between %s and %s, got %s", minCallTimeout, maxCallTimeout, c.CallTimeout)
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive, got %s", c.HeartbeatInterval)
	}

	if c.LivenessTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("LIVENESS_TIMEOUT (%s) must exceed HEARTBEAT_INTERVAL (%s)", c.LivenessTimeout, c.HeartbeatInterval)
	}

	if c.ReconnectDelay < minReconnectDelay || c.ReconnectDelay > maxReconnectDelay {
		return fmt.Errorf("RECONNECT_DELAY must be between %s and %s, got %s", minReconnectDelay, maxReconnectDelay, c.ReconnectDelay)
	}

	if c.ColdOpenThreshold <= 0 {
		return fmt.Errorf("COLD_OPEN_THRESHOLD must be positive, got %s", c.ColdOpenThreshold)
	}

	if c.GapThreshold <= 0 {
		return fmt.Errorf("GAP_THRESHOLD must be positive, got %s", c.GapThreshold)
	}

	if c.PageSize < 1 || c.PageSize > maxPageSize {
		return fmt.Errorf("PAGE_SIZE must be between 1 and %d, got %d", maxPageSize, c.PageSize)
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Transport returns the transport settings.
func (c *Config) Transport() transport.Config {
	return transport.Config{
		CallTimeout:       c.CallTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		LivenessTimeout:   c.LivenessTimeout,
		ReconnectDelay:    c.ReconnectDelay,
		ReadLimit:         defaultReadLimitMB << 20,
	}
}

// Timeline returns the history loading settings.
func (c *Config) Timeline() timeline.Config {
	return timeline.Config{
		ColdThreshold: c.ColdOpenThreshold,
		GapThreshold:  c.GapThreshold,
		PageSize:      c.PageSize,
	}
}

// Credentials returns the connection credentials.
func (c *Config) Credentials() transport.Credentials {
	return transport.Credentials{URL: c.ServerURL, Token: c.AccessToken}
}
