package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("MARKD_DATA_DIR", "/data/markd")

	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	if cfg.Storage.Path != filepath.Join("/data/markd", "markd.db") {
		t.Errorf("unexpected storage path: %s", cfg.Storage.Path)
	}
	if cfg.Highlight.SaveDebounceMs != 300 {
		t.Errorf("expected 300ms debounce, got %d", cfg.Highlight.SaveDebounceMs)
	}
	if cfg.Highlight.RetentionCap != 1000 {
		t.Errorf("expected retention cap 1000, got %d", cfg.Highlight.RetentionCap)
	}
	if len(cfg.Settings.Palette) != 6 {
		t.Errorf("expected 6 palette colors, got %d", len(cfg.Settings.Palette))
	}
}

func TestMarkdDir(t *testing.T) {
	t.Setenv("MARKD_DATA_DIR", "")
	dir := MarkdDir()
	if dir == "" {
		t.Error("MarkdDir returned empty string")
	}
	if !strings.Contains(strings.ToLower(dir), "markd") {
		t.Errorf("expected dir containing markd, got %s", dir)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Highlight.InitialRestore != 50 {
		t.Errorf("expected defaults, got initial_restore %d", cfg.Highlight.InitialRestore)
	}
}

func TestLoadValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `
version = 2

[storage]
type = "bolt"
path = "/custom/path/markd.bolt"
encoding = "msgpack"

[highlight]
save_debounce_ms = 500
retention_cap = 200

[settings]
default_color = "#B2DFDB"
animation_speed = "slow"
theme = "dark"

[[settings.palette]]
name = "Mint"
hex = "#B2DFDB"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Storage.Type != "bolt" {
		t.Errorf("expected bolt storage, got %s", cfg.Storage.Type)
	}
	if cfg.Storage.Encoding != "msgpack" {
		t.Errorf("expected msgpack encoding, got %s", cfg.Storage.Encoding)
	}
	if cfg.Highlight.SaveDebounceMs != 500 {
		t.Errorf("expected debounce 500, got %d", cfg.Highlight.SaveDebounceMs)
	}
	// Unset keys keep their defaults.
	if cfg.Highlight.InitialRestore != 50 {
		t.Errorf("expected initial_restore 50, got %d", cfg.Highlight.InitialRestore)
	}
	if len(cfg.Settings.Palette) != 1 || cfg.Settings.Palette[0].Name != "Mint" {
		t.Errorf("expected palette replaced by one entry, got %+v", cfg.Settings.Palette)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("config should validate: %v", err)
	}
}

func TestLoadJSONAndYAML(t *testing.T) {
	tmpDir := t.TempDir()

	jsonPath := filepath.Join(tmpDir, "config.json")
	if err := os.WriteFile(jsonPath, []byte(`{"storage":{"type":"memory"},"http":{"enabled":true,"addr":"127.0.0.1:9000"}}`), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(jsonPath)
	if err != nil {
		t.Fatalf("Load JSON failed: %v", err)
	}
	if cfg.Storage.Type != "memory" || !cfg.HTTP.Enabled || cfg.HTTP.Addr != "127.0.0.1:9000" {
		t.Errorf("JSON values not applied: %+v %+v", cfg.Storage, cfg.HTTP)
	}

	yamlPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("logging:\n  level: debug\n  format: json\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(yamlPath)
	if err != nil {
		t.Fatalf("Load YAML failed: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("YAML values not applied: %+v", cfg.Logging)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte("this is not [valid toml"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(configPath); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MARKD_STORAGE_TYPE", "memory")
	t.Setenv("MARKD_STORAGE_QUOTA", "2048")
	t.Setenv("MARKD_LOG_LEVEL", "debug")
	t.Setenv("MARKD_SOCKET_PATH", "/run/test/markd.sock")
	t.Setenv("MARKD_HTTP_ADDR", "127.0.0.1:8181")

	cfg, err := Load("/nonexistent/config.toml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("storage type override ignored: %s", cfg.Storage.Type)
	}
	if cfg.Storage.QuotaBytes != 2048 {
		t.Errorf("quota override ignored: %d", cfg.Storage.QuotaBytes)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level override ignored: %s", cfg.Logging.Level)
	}
	if cfg.IPC.SocketPath != "/run/test/markd.sock" {
		t.Errorf("socket override ignored: %s", cfg.IPC.SocketPath)
	}
	if !cfg.HTTP.Enabled || cfg.HTTP.Addr != "127.0.0.1:8181" {
		t.Errorf("http override ignored: %+v", cfg.HTTP)
	}
}

func TestValidateReportsEveryField(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Type = "redis"
	cfg.Highlight.QuotaThreshold = 1.5
	cfg.Settings.DefaultColor = "orange"
	cfg.Settings.AnimationSpeed = "warp"
	cfg.Logging.Level = "verbose"
	cfg.IPC.Permissions = "777"
	cfg.HTTP = HTTPConfig{Enabled: true, Addr: "nope"}

	err := cfg.Validate()
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T: %v", err, err)
	}

	want := []string{
		"storage.type",
		"highlight.quota_threshold",
		"settings.default_color",
		"settings.animation_speed",
		"logging.level",
		"ipc.permissions",
		"http.addr",
	}
	got := strings.Join(verrs.Fields(), ",")
	for _, f := range want {
		if !strings.Contains(got, f) {
			t.Errorf("expected error for %s, got %s", f, got)
		}
	}
}

func TestValidateStoragePathRequired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Path = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "storage.path") {
		t.Errorf("expected storage.path error, got %v", err)
	}

	cfg.Storage.Type = "memory"
	if err := cfg.Validate(); err != nil {
		t.Errorf("memory storage needs no path: %v", err)
	}
}

func TestHighlightOptions(t *testing.T) {
	cfg := DefaultConfig()
	opts := cfg.HighlightOptions()
	if opts.SaveDebounce != 300*time.Millisecond {
		t.Errorf("expected 300ms debounce, got %v", opts.SaveDebounce)
	}
	if opts.FlashDuration != 800*time.Millisecond {
		t.Errorf("expected 800ms flash, got %v", opts.FlashDuration)
	}
	if opts.DefaultColor != "#FFD3B6" {
		t.Errorf("expected first palette color, got %s", opts.DefaultColor)
	}

	cfg.Settings.AnimationSpeed = "fast"
	cfg.Settings.DefaultColor = "#C7CEEA"
	opts = cfg.HighlightOptions()
	if opts.FlashDuration != 400*time.Millisecond {
		t.Errorf("fast should halve the flash, got %v", opts.FlashDuration)
	}
	if opts.DefaultColor != "#C7CEEA" {
		t.Errorf("expected default_color, got %s", opts.DefaultColor)
	}

	cfg.Settings.AnimationSpeed = "slow"
	if d := cfg.HighlightOptions().FlashDuration; d != 1200*time.Millisecond {
		t.Errorf("slow should stretch the flash, got %v", d)
	}
}

func TestStoreAndLoggingOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.BusyTimeoutMs = 250
	so := cfg.StoreOptions(nil)
	if so.Type != "sqlite" || so.Quota != cfg.Storage.QuotaBytes || so.BusyTimeout != 250*time.Millisecond {
		t.Errorf("unexpected store options: %+v", so)
	}

	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "json"
	lc, err := cfg.LoggingConfig()
	if err != nil {
		t.Fatal(err)
	}
	if lc.Level.String() != "WARN" {
		t.Errorf("expected WARN, got %s", lc.Level)
	}

	cfg.Logging.Level = "chatty"
	if _, err := cfg.LoggingConfig(); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestSocketMode(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SocketMode() != 0600 {
		t.Errorf("expected 0600, got %o", cfg.SocketMode())
	}
	cfg.IPC.Permissions = "0660"
	if cfg.SocketMode() != 0660 {
		t.Errorf("expected 0660, got %o", cfg.SocketMode())
	}
}

func TestCloneIsDeep(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Settings.Palette[0].Hex = "#000000"
	clone.Storage.Type = "memory"

	if cfg.Settings.Palette[0].Hex == "#000000" {
		t.Error("clone shares palette with original")
	}
	if cfg.Storage.Type == "memory" {
		t.Error("clone shares storage section with original")
	}
}
