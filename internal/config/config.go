// Package config handles configuration loading, validation, and management for markd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"markd/internal/highlight"
	"markd/internal/kv"
	"markd/internal/logging"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Highlight engine tunables.
	Highlight HighlightConfig `toml:"highlight" json:"highlight" yaml:"highlight"`

	// Settings are the user-facing preferences shared with clients.
	Settings Settings `toml:"settings" json:"settings" yaml:"settings"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// IPC configuration for the local command socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// HTTP configuration for the command API and metrics scrape.
	HTTP HTTPConfig `toml:"http" json:"http" yaml:"http"`

	mu sync.RWMutex
}

// StorageConfig selects the key-value backend.
type StorageConfig struct {
	// Type is sqlite, bolt or memory.
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the database file for sqlite and bolt.
	Path string `toml:"path" json:"path" yaml:"path"`

	// QuotaBytes caps the total size of stored keys and values.
	QuotaBytes int64 `toml:"quota_bytes" json:"quota_bytes" yaml:"quota_bytes"`

	// Encoding of stored values: json or msgpack.
	Encoding string `toml:"encoding" json:"encoding" yaml:"encoding"`

	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// HighlightConfig holds the highlight engine tunables.
type HighlightConfig struct {
	SaveDebounceMs int     `toml:"save_debounce_ms" json:"save_debounce_ms" yaml:"save_debounce_ms"`
	InitialRestore int     `toml:"initial_restore" json:"initial_restore" yaml:"initial_restore"`
	IdleTimeoutMs  int     `toml:"idle_timeout_ms" json:"idle_timeout_ms" yaml:"idle_timeout_ms"`
	IdleFallbackMs int     `toml:"idle_fallback_ms" json:"idle_fallback_ms" yaml:"idle_fallback_ms"`
	RetentionCap   int     `toml:"retention_cap" json:"retention_cap" yaml:"retention_cap"`
	QuotaThreshold float64 `toml:"quota_threshold" json:"quota_threshold" yaml:"quota_threshold"`
	SnippetMax     int     `toml:"snippet_max" json:"snippet_max" yaml:"snippet_max"`
	FlashMs        int     `toml:"flash_ms" json:"flash_ms" yaml:"flash_ms"`
}

// Color is one palette entry.
type Color struct {
	Name string `toml:"name" json:"name" yaml:"name" msgpack:"name"`
	Hex  string `toml:"hex" json:"hex" yaml:"hex" msgpack:"hex"`
}

// Settings are the preferences clients read and the daemon applies to
// open documents.
type Settings struct {
	// DefaultColor is used when a highlight is added without one. Empty
	// means the first palette color.
	DefaultColor string `toml:"default_color" json:"default_color" yaml:"default_color" msgpack:"default_color"`

	Palette []Color `toml:"palette" json:"palette" yaml:"palette" msgpack:"palette"`

	// AnimationSpeed is slow, normal or fast.
	AnimationSpeed string `toml:"animation_speed" json:"animation_speed" yaml:"animation_speed" msgpack:"animation_speed"`

	// Theme is dark or light. The daemon only passes it through.
	Theme string `toml:"theme" json:"theme" yaml:"theme" msgpack:"theme"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is stdout, stderr, file or both.
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// IPCConfig holds settings for the local command socket.
type IPCConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the octal mode of the socket file.
	Permissions    string `toml:"permissions" json:"permissions" yaml:"permissions"`
	MaxConnections int    `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
	TimeoutSec     int    `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// RateLimit is commands per second per client; zero disables it.
	RateLimit float64 `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `toml:"rate_burst" json:"rate_burst" yaml:"rate_burst"`
}

// HTTPConfig holds settings for the HTTP command API.
type HTTPConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" json:"addr" yaml:"addr"`

	// RateLimit is commands per second per remote address; zero disables it.
	RateLimit float64 `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `toml:"rate_burst" json:"rate_burst" yaml:"rate_burst"`
}

// DefaultPalette is the stock color palette.
func DefaultPalette() []Color {
	return []Color{
		{Name: "Apricot", Hex: "#FFD3B6"},
		{Name: "Coral", Hex: "#FFAAA5"},
		{Name: "Pistachio", Hex: "#C5E1A5"},
		{Name: "Mint", Hex: "#B2DFDB"},
		{Name: "Periwinkle", Hex: "#C7CEEA"},
		{Name: "Lavender", Hex: "#D7C0F7"},
	}
}

// DefaultSettings returns the stock preferences.
func DefaultSettings() Settings {
	return Settings{
		Palette:        DefaultPalette(),
		AnimationSpeed: "normal",
		Theme:          "light",
	}
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := MarkdDir()
	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Type:          "sqlite",
			Path:          filepath.Join(dir, "markd.db"),
			QuotaBytes:    kv.DefaultQuota,
			Encoding:      "json",
			BusyTimeoutMs: 5000,
		},
		Highlight: HighlightConfig{
			SaveDebounceMs: 300,
			InitialRestore: 50,
			IdleTimeoutMs:  2000,
			IdleFallbackMs: 1000,
			RetentionCap:   1000,
			QuotaThreshold: 0.9,
			SnippetMax:     80,
			FlashMs:        800,
		},
		Settings: DefaultSettings(),
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   logging.DefaultLogPath(),
			MaxSizeMB:  20,
			MaxBackups: 4,
			MaxAgeDays: 14,
			Compress:   true,
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     defaultSocketPath(),
			Permissions:    "0600",
			MaxConnections: 32,
			TimeoutSec:     30,
			RateLimit:      200,
			RateBurst:      400,
		},
		HTTP: HTTPConfig{
			Enabled:   false,
			Addr:      "127.0.0.1:7433",
			RateLimit: 50,
			RateBurst: 100,
		},
	}
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	if found := FindConfigFile(); found != "" {
		return found
	}
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads the configuration from path, falling back to defaults when
// the file does not exist. The format follows the file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configured files live in.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Storage.Type != "memory" && c.Storage.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.IPC.Enabled && runtime.GOOS != "windows" {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// MarkdDir returns the markd data directory.
// Uses platform-specific paths or the MARKD_DATA_DIR environment override.
func MarkdDir() string {
	if envDir := os.Getenv("MARKD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with MARKD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Storage overrides
	if v := os.Getenv("MARKD_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("MARKD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("MARKD_STORAGE_QUOTA"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Storage.QuotaBytes = n
		}
	}
	if v := os.Getenv("MARKD_STORAGE_ENCODING"); v != "" {
		c.Storage.Encoding = v
	}

	// Settings overrides
	if v := os.Getenv("MARKD_DEFAULT_COLOR"); v != "" {
		c.Settings.DefaultColor = v
	}
	if v := os.Getenv("MARKD_ANIMATION_SPEED"); v != "" {
		c.Settings.AnimationSpeed = v
	}

	// Logging overrides
	if v := os.Getenv("MARKD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MARKD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("MARKD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// Transport overrides
	if v := os.Getenv("MARKD_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("MARKD_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
		c.HTTP.Enabled = true
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:   c.Version,
		Storage:   c.Storage,
		Highlight: c.Highlight,
		Settings:  c.Settings.Clone(),
		Logging:   c.Logging,
		IPC:       c.IPC,
		HTTP:      c.HTTP,
	}
	return clone
}

// Clone returns a copy that shares no slices with s.
func (s Settings) Clone() Settings {
	s.Palette = append([]Color(nil), s.Palette...)
	return s
}

// EffectiveColor is the color used for highlights added without one.
func (s Settings) EffectiveColor() string {
	if s.DefaultColor != "" {
		return s.DefaultColor
	}
	if len(s.Palette) > 0 {
		return s.Palette[0].Hex
	}
	return DefaultPalette()[0].Hex
}

// FlashScale is the multiplier animation_speed applies to the focus flash.
func (s Settings) FlashScale() float64 {
	switch strings.ToLower(s.AnimationSpeed) {
	case "slow":
		return 1.5
	case "fast":
		return 0.5
	default:
		return 1
	}
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// HighlightOptions converts the highlight section and settings into
// engine tunables.
func (c *Config) HighlightOptions() highlight.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h := c.Highlight
	return highlight.Options{
		SaveDebounce:   ms(h.SaveDebounceMs),
		InitialRestore: h.InitialRestore,
		IdleTimeout:    ms(h.IdleTimeoutMs),
		IdleFallback:   ms(h.IdleFallbackMs),
		RetentionCap:   h.RetentionCap,
		QuotaThreshold: h.QuotaThreshold,
		SnippetMax:     h.SnippetMax,
		FlashDuration:  time.Duration(float64(ms(h.FlashMs)) * c.Settings.FlashScale()),
		DefaultColor:   c.Settings.EffectiveColor(),
	}
}

// StoreOptions converts the storage section into backend options.
func (c *Config) StoreOptions(log *logging.Logger) kv.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return kv.Options{
		Type:        c.Storage.Type,
		Path:        c.Storage.Path,
		Quota:       c.Storage.QuotaBytes,
		BusyTimeout: ms(c.Storage.BusyTimeoutMs),
		Log:         log,
	}
}

// LoggingConfig converts the logging section into logger options.
func (c *Config) LoggingConfig() (*logging.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = logging.ParseFormat(c.Logging.Format)
	cfg.Output = c.Logging.Output
	if c.Logging.FilePath != "" {
		cfg.FilePath = c.Logging.FilePath
	}
	cfg.MaxSize = int64(c.Logging.MaxSizeMB)
	cfg.MaxBackups = c.Logging.MaxBackups
	cfg.MaxAge = c.Logging.MaxAgeDays
	cfg.Compress = c.Logging.Compress
	return cfg, nil
}

// SocketMode parses the IPC permissions string.
func (c *Config) SocketMode() os.FileMode {
	mode, err := strconv.ParseUint(c.IPC.Permissions, 8, 32)
	if err != nil || mode == 0 {
		return 0600
	}
	return os.FileMode(mode)
}

func defaultSocketPath() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "markd", "markd.sock")
	case "linux":
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, "markd.sock")
		}
		return filepath.Join(os.TempDir(), "markd-"+strconv.Itoa(os.Getuid()), "markd.sock")
	case "windows":
		return `\\.\pipe\markd`
	default:
		return "/tmp/markd.sock"
	}
}

func decodeTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}
