// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all runtime configuration for a monitor node.
type Config struct {
	// Identity of this node in the mesh.
	AgentID   string
	AgentName string

	// HTTP server
	ListenAddr string

	// Data directory, holds the SQLite database.
	DataDir string

	// Parent monitor. Empty means this node is a root.
	ParentURL    string
	ParentAPIKey string

	// Shared secret a child must present when registering.
	RegistrationToken string

	// Heartbeat monitor
	HeartbeatTimeout  time.Duration
	HeartbeatInterval time.Duration

	// Alert aggregation
	DedupWindow time.Duration

	// Risk assessment (LLM endpoint)
	AssessorURL     string
	AssessorAPIKey  string
	AssessorModel   string
	AssessorTimeout time.Duration

	// Outbound notification sink
	WebhookURL     string
	WebhookTimeout time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// DBPath returns the path of the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "meshmon.db")
}

// Load reads configuration from the environment, consulting a .env file in
// the data directory (deployment overrides) and the working directory
// (development) first.
func Load() (*Config, error) {
	dataDir := "/var/lib/meshmon"
	if dir := os.Getenv("MESHMON_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{
		AgentID:           envDefault("MESHMON_AGENT_ID", defaultAgentID()),
		AgentName:         os.Getenv("MESHMON_AGENT_NAME"),
		ListenAddr:        envDefault("MESHMON_LISTEN", ":7720"),
		DataDir:           dataDir,
		ParentURL:         strings.TrimRight(os.Getenv("MESHMON_PARENT_URL"), "/"),
		ParentAPIKey:      os.Getenv("MESHMON_PARENT_API_KEY"),
		RegistrationToken: os.Getenv("MESHMON_REGISTRATION_TOKEN"),
		HeartbeatTimeout:  envDuration("MESHMON_HEARTBEAT_TIMEOUT", 5*time.Minute),
		HeartbeatInterval: envDuration("MESHMON_HEARTBEAT_INTERVAL", 60*time.Second),
		DedupWindow:       envDuration("MESHMON_DEDUP_WINDOW", 5*time.Minute),
		AssessorURL:       os.Getenv("MESHMON_ASSESSOR_URL"),
		AssessorAPIKey:    os.Getenv("MESHMON_ASSESSOR_API_KEY"),
		AssessorModel:     envDefault("MESHMON_ASSESSOR_MODEL", "claude-sonnet-4-20250514"),
		AssessorTimeout:   envDuration("MESHMON_ASSESSOR_TIMEOUT", 30*time.Second),
		WebhookURL:        os.Getenv("MESHMON_WEBHOOK_URL"),
		WebhookTimeout:    envDuration("MESHMON_WEBHOOK_TIMEOUT", 10*time.Second),
		LogLevel:          envDefault("MESHMON_LOG_LEVEL", "info"),
		LogFormat:         envDefault("MESHMON_LOG_FORMAT", "auto"),
	}
	if cfg.AgentName == "" {
		cfg.AgentName = cfg.AgentID
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("agent id must not be empty")
	}
	if c.HeartbeatTimeout <= 0 || c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat timeout and interval must be positive")
	}
	if c.DedupWindow < 0 {
		return fmt.Errorf("dedup window must not be negative")
	}
	if c.ParentURL != "" && !strings.HasPrefix(c.ParentURL, "http") {
		return fmt.Errorf("parent URL must be http(s): %q", c.ParentURL)
	}
	return nil
}

func defaultAgentID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "meshmon"
}

func envDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Bare numbers are treated as seconds.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration, using default")
	return fallback
}
