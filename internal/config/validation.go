package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ValidationError names one rejected setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "config: " + e.Field + ": " + e.Message
}

// ValidationErrors is every problem found in one pass, in field order.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	parts := make([]string, len(e))
	for i := range e {
		parts[i] = e[i].Error()
	}
	return strings.Join(parts, "; ")
}

// Fields lists the offending fields in order.
func (e ValidationErrors) Fields() []string {
	out := make([]string, len(e))
	for i := range e {
		out[i] = e[i].Field
	}
	return out
}

// checker accumulates errors so one run reports every bad field.
type checker struct {
	errs ValidationErrors
}

func (c *checker) fail(field, format string, args ...any) {
	c.errs = append(c.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (c *checker) oneOf(field, value string, valid ...string) {
	for _, v := range valid {
		if value == v {
			return
		}
	}
	c.fail(field, "%q is not one of %s", value, strings.Join(valid, ", "))
}

func (c *checker) atLeast(field string, value, lo int) {
	if value < lo {
		c.fail(field, "must be at least %d, got %d", lo, value)
	}
}

func (c *checker) rate(section string, rate float64, burst int) {
	if rate < 0 {
		c.fail(section+".rate_limit", "must not be negative")
	}
	if rate > 0 && burst < 1 {
		c.fail(section+".rate_burst", "must be at least 1 while rate_limit is set")
	}
}

// ValidateConfig checks every section and returns ValidationErrors, or nil.
func ValidateConfig(cfg *Config) error {
	var c checker
	if cfg.Version < 1 || cfg.Version > Version {
		c.fail("version", "unsupported version %d (newest is %d)", cfg.Version, Version)
	}
	c.storage(&cfg.Storage)
	c.highlight(&cfg.Highlight)
	c.settings(&cfg.Settings)
	c.logging(&cfg.Logging)
	c.ipc(&cfg.IPC)
	c.http(&cfg.HTTP)
	if len(c.errs) == 0 {
		return nil
	}
	return c.errs
}

func (c *checker) storage(s *StorageConfig) {
	c.oneOf("storage.type", s.Type, "sqlite", "bolt", "memory")
	if s.Type == "sqlite" || s.Type == "bolt" {
		if s.Path == "" {
			c.fail("storage.path", "required for %s storage", s.Type)
		} else if dir := filepath.Dir(expandHome(s.Path)); isFile(dir) {
			// A missing directory is created on startup.
			c.fail("storage.path", "parent %s is not a directory", dir)
		}
	}
	c.atLeast("storage.quota_bytes", int(s.QuotaBytes), 1024)
	c.oneOf("storage.encoding", s.Encoding, "json", "msgpack")
	c.atLeast("storage.busy_timeout_ms", s.BusyTimeoutMs, 0)
}

func (c *checker) highlight(h *HighlightConfig) {
	c.atLeast("highlight.save_debounce_ms", h.SaveDebounceMs, 0)
	c.atLeast("highlight.initial_restore", h.InitialRestore, 0)
	c.atLeast("highlight.idle_timeout_ms", h.IdleTimeoutMs, 0)
	c.atLeast("highlight.idle_fallback_ms", h.IdleFallbackMs, 0)
	c.atLeast("highlight.flash_ms", h.FlashMs, 0)
	c.atLeast("highlight.retention_cap", h.RetentionCap, 1)
	c.atLeast("highlight.snippet_max", h.SnippetMax, 4)
	if h.QuotaThreshold <= 0 || h.QuotaThreshold > 1 {
		c.fail("highlight.quota_threshold", "must be in (0, 1], got %g", h.QuotaThreshold)
	}
}

var hexColor = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

func (c *checker) settings(s *Settings) {
	if s.DefaultColor != "" && !hexColor.MatchString(s.DefaultColor) {
		c.fail("settings.default_color", "%q is not #RGB or #RRGGBB", s.DefaultColor)
	}
	if len(s.Palette) == 0 {
		c.fail("settings.palette", "needs at least one color")
	}
	for i, col := range s.Palette {
		if !hexColor.MatchString(col.Hex) {
			c.fail(fmt.Sprintf("settings.palette[%d].hex", i), "%q is not #RGB or #RRGGBB", col.Hex)
		}
	}
	c.oneOf("settings.animation_speed", s.AnimationSpeed, "slow", "normal", "fast")
	c.oneOf("settings.theme", s.Theme, "dark", "light")
}

func (c *checker) logging(l *LoggingConfig) {
	c.oneOf("logging.level", l.Level, "debug", "info", "warn", "error")
	c.oneOf("logging.format", l.Format, "text", "json")
	c.oneOf("logging.output", l.Output, "stdout", "stderr", "file", "both")
	if (l.Output == "file" || l.Output == "both") && l.FilePath == "" {
		c.fail("logging.file_path", "required when output is %s", l.Output)
	}
	c.atLeast("logging.max_size_mb", l.MaxSizeMB, 1)
	c.atLeast("logging.max_backups", l.MaxBackups, 0)
	c.atLeast("logging.max_age_days", l.MaxAgeDays, 0)
}

var octalMode = regexp.MustCompile(`^0[0-7]{3}$`)

func (c *checker) ipc(i *IPCConfig) {
	if !i.Enabled {
		return
	}
	if i.SocketPath == "" {
		c.fail("ipc.socket_path", "required while ipc is enabled")
	}
	if i.Permissions != "" && !octalMode.MatchString(i.Permissions) {
		c.fail("ipc.permissions", "%q is not an octal mode like 0600", i.Permissions)
	}
	c.atLeast("ipc.max_connections", i.MaxConnections, 1)
	c.atLeast("ipc.timeout_sec", i.TimeoutSec, 1)
	c.rate("ipc", i.RateLimit, i.RateBurst)
}

func (c *checker) http(h *HTTPConfig) {
	if !h.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(h.Addr); err != nil {
		c.fail("http.addr", "%q: %v", h.Addr, err)
		return
	}
	c.rate("http", h.RateLimit, h.RateBurst)
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
