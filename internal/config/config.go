package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ErrorVisibility decides what Connect does with handshake failures:
// strict returns them to the caller, silent logs them and emits an error
// event only. Interactive/dev builds run strict; unattended ones silent.
const (
	ErrorVisibilityStrict = "strict"
	ErrorVisibilitySilent = "silent"
)

// Config is the full tunable surface of the chat sync core.
type Config struct {
	Server          *ServerConfig    `json:"server"`
	Reconnect       *ReconnectConfig `json:"reconnect"`
	Typing          *TypingConfig    `json:"typing"`
	Receipts        *ReceiptsConfig  `json:"receipts"`
	History         *HistoryConfig   `json:"history"`
	Cache           *CacheConfig     `json:"cache"`
	ErrorVisibility string           `json:"error_visibility"`
}

// ServerConfig locates the chat backend.
type ServerConfig struct {
	SocketURL    string        `json:"socket_url"`
	APIBaseURL   string        `json:"api_base_url"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// ReconnectConfig bounds automatic reconnection after unexpected closure.
type ReconnectConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	MaxAttempts  int           `json:"max_attempts"`
}

// TypingConfig carries the typing-presence timing contract.
type TypingConfig struct {
	EmitInterval  time.Duration `json:"emit_interval"`   // min gap between outbound typing events
	AutoStopAfter time.Duration `json:"auto_stop_after"` // inactivity before automatic stop_typing
	RemoteExpiry  time.Duration `json:"remote_expiry"`   // stale window for inbound typing signals
}

// ReceiptsConfig tunes read-acknowledgement batching.
type ReceiptsConfig struct {
	ReadDebounce time.Duration `json:"read_debounce"`
}

// HistoryConfig tunes the REST backfill client.
type HistoryConfig struct {
	PageSize       int           `json:"page_size"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// CacheConfig controls the local SQLite message cache.
type CacheConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DefaultConfig returns the timing contract the backend expects: 1s typing
// debounce, 2.5s auto-stop, 4s remote expiry, 500ms read debounce, and the
// 5-attempt 1s-to-5s reconnect ladder.
func DefaultConfig() *Config {
	return &Config{
		Server: &ServerConfig{
			SocketURL:    "http://localhost:3000",
			APIBaseURL:   "http://localhost:3000",
			DialTimeout:  10 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Reconnect: &ReconnectConfig{
			InitialDelay: 1 * time.Second,
			MaxDelay:     5 * time.Second,
			MaxAttempts:  5,
		},
		Typing: &TypingConfig{
			EmitInterval:  1000 * time.Millisecond,
			AutoStopAfter: 2500 * time.Millisecond,
			RemoteExpiry:  4000 * time.Millisecond,
		},
		Receipts: &ReceiptsConfig{
			ReadDebounce: 500 * time.Millisecond,
		},
		History: &HistoryConfig{
			PageSize:       50,
			RequestTimeout: 15 * time.Second,
		},
		Cache: &CacheConfig{
			Enabled: true,
			Path:    "./chatsync.db",
		},
		ErrorVisibility: ErrorVisibilityStrict,
	}
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.Server == nil {
		return fmt.Errorf("server configuration is required")
	}
	if c.Server.SocketURL == "" {
		return fmt.Errorf("socket URL cannot be empty")
	}
	if c.Server.APIBaseURL == "" {
		return fmt.Errorf("API base URL cannot be empty")
	}
	if c.Server.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}

	if c.Reconnect == nil {
		return fmt.Errorf("reconnect configuration is required")
	}
	if c.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("reconnect initial delay must be positive")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect max delay must be >= initial delay")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect max attempts cannot be negative")
	}

	if c.Typing == nil {
		return fmt.Errorf("typing configuration is required")
	}
	if c.Typing.EmitInterval <= 0 {
		return fmt.Errorf("typing emit interval must be positive")
	}
	if c.Typing.AutoStopAfter <= 0 {
		return fmt.Errorf("typing auto-stop must be positive")
	}
	if c.Typing.RemoteExpiry <= 0 {
		return fmt.Errorf("typing remote expiry must be positive")
	}

	if c.Receipts == nil {
		return fmt.Errorf("receipts configuration is required")
	}
	if c.Receipts.ReadDebounce <= 0 {
		return fmt.Errorf("read debounce must be positive")
	}

	if c.History == nil {
		return fmt.Errorf("history configuration is required")
	}
	if c.History.PageSize <= 0 {
		return fmt.Errorf("history page size must be positive")
	}
	if c.History.RequestTimeout <= 0 {
		return fmt.Errorf("history request timeout must be positive")
	}

	if c.Cache == nil {
		return fmt.Errorf("cache configuration is required")
	}
	if c.Cache.Enabled && c.Cache.Path == "" {
		return fmt.Errorf("cache path cannot be empty when cache is enabled")
	}

	if c.ErrorVisibility != ErrorVisibilityStrict && c.ErrorVisibility != ErrorVisibilitySilent {
		return fmt.Errorf("error visibility must be %q or %q", ErrorVisibilityStrict, ErrorVisibilitySilent)
	}

	return nil
}

// LoadFromEnv builds a configuration from defaults overridden by CHATSYNC_*
// environment variables. A .env file in the working directory is honored
// when present.
func LoadFromEnv() *Config {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	config := DefaultConfig()

	if v := os.Getenv("CHATSYNC_SOCKET_URL"); v != "" {
		config.Server.SocketURL = v
	}
	if v := os.Getenv("CHATSYNC_API_BASE_URL"); v != "" {
		config.Server.APIBaseURL = v
	}
	if v := os.Getenv("CHATSYNC_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.DialTimeout = d
		}
	}
	if v := os.Getenv("CHATSYNC_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.WriteTimeout = d
		}
	}

	if v := os.Getenv("CHATSYNC_RECONNECT_INITIAL_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Reconnect.InitialDelay = d
		}
	}
	if v := os.Getenv("CHATSYNC_RECONNECT_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Reconnect.MaxDelay = d
		}
	}
	if v := os.Getenv("CHATSYNC_RECONNECT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Reconnect.MaxAttempts = n
		}
	}

	if v := os.Getenv("CHATSYNC_HISTORY_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.History.PageSize = n
		}
	}
	if v := os.Getenv("CHATSYNC_HISTORY_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.History.RequestTimeout = d
		}
	}

	if v := os.Getenv("CHATSYNC_CACHE_PATH"); v != "" {
		config.Cache.Path = v
	}
	if v := os.Getenv("CHATSYNC_CACHE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Cache.Enabled = b
		}
	}

	if v := os.Getenv("CHATSYNC_ERROR_VISIBILITY"); v != "" {
		config.ErrorVisibility = v
	}

	return config
}
