package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultServerURL    = "http://localhost:3000"
	defaultSocketPath   = "/socket.io/"
	defaultPageSize     = 50
	defaultPollInterval = 10 * time.Second
)

type Config struct {
	// ServerURL is the base URL of the maintenance-service API. The Socket.IO
	// gateway is served from the same origin.
	ServerURL string `yaml:"serverUrl"`
	// SocketPath is the Socket.IO handshake path.
	SocketPath string `yaml:"socketPath"`
	// Token is the bearer token used for REST and socket auth.
	Token string `yaml:"token"`

	// HomeDir is the directory where chatsync stores local state.
	HomeDir string `yaml:"-"`
	// StateDir is the Pebble directory holding persisted chat state.
	StateDir string `yaml:"-"`

	// PageSize is the number of messages fetched per conversation page.
	PageSize int `yaml:"pageSize"`
	// PollInterval is how often the conversation is polled while the realtime
	// connection is down.
	PollInterval time.Duration `yaml:"pollInterval"`

	// LogLevel is the logger threshold (trace|debug|info|warn|error).
	LogLevel string `yaml:"logLevel"`
	// Debug forces debug logging.
	Debug bool `yaml:"debug"`
}

// Load loads configuration from defaults, <home>/config.yaml, <home>/.env and
// the process environment, in increasing order of precedence.
func Load() (*Config, error) {
	home := strings.TrimSpace(os.Getenv("CHATSYNC_HOME_DIR"))
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		home = filepath.Join(userHome, ".chatsync")
	}
	return LoadFrom(home)
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(home string) (*Config, error) {
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create chatsync home: %w", err)
	}

	cfg := &Config{
		ServerURL:    defaultServerURL,
		SocketPath:   defaultSocketPath,
		PageSize:     defaultPageSize,
		PollInterval: defaultPollInterval,
		LogLevel:     "info",
	}

	if err := cfg.loadFile(filepath.Join(home, "config.yaml")); err != nil {
		return nil, err
	}

	// .env values never override variables already set in the process.
	if err := godotenv.Load(filepath.Join(home, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.HomeDir = home
	cfg.StateDir = filepath.Join(home, "state")
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	if cfg.Debug && cfg.LogLevel == "info" {
		cfg.LogLevel = "debug"
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("CHATSYNC_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("CHATSYNC_SOCKET_PATH"); v != "" {
		c.SocketPath = v
	}
	if v := os.Getenv("CHATSYNC_TOKEN"); v != "" {
		c.Token = strings.TrimSpace(v)
	}
	if v := os.Getenv("CHATSYNC_PAGE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CHATSYNC_PAGE_SIZE %q: %w", v, err)
		}
		c.PageSize = n
	}
	if v := os.Getenv("CHATSYNC_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CHATSYNC_POLL_INTERVAL %q: %w", v, err)
		}
		c.PollInterval = d
	}
	if v := os.Getenv("CHATSYNC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CHATSYNC_DEBUG"); v == "1" || v == "true" {
		c.Debug = true
	}
	return nil
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("server url is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", c.PageSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	return nil
}
