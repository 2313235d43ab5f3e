package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"markd/internal/fsutil"
)

// MigrationResult describes what MigrateConfig changed.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string // copy of the file before migration, if one was made
	Changes     []string
	Warnings    []string
}

func (r *MigrationResult) change(format string, args ...any) {
	r.Changes = append(r.Changes, fmt.Sprintf(format, args...))
}

func (r *MigrationResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// upgrades[v] moves a configuration from version v to v+1.
var upgrades = map[int]func(*Config, *MigrationResult){
	0: upgradeV1,
	1: upgradeV1,
}

// MigrateConfig upgrades cfg to Version in memory. When path is set the
// file is first copied to path.backup-<stamp>. A current cfg yields nil.
func MigrateConfig(cfg *Config, path string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}
	res := &MigrationResult{FromVersion: cfg.Version, ToVersion: Version}

	if path != "" {
		if b, err := backupConfig(path); err != nil {
			res.warn("no backup made: %v", err)
		} else {
			res.Backup = b
		}
	}

	for cfg.Version < Version {
		step, ok := upgrades[cfg.Version]
		if !ok {
			return res, fmt.Errorf("no upgrade from config version %d", cfg.Version)
		}
		step(cfg, res)
		cfg.Version = max(cfg.Version, 1) + 1
	}
	return res, nil
}

// upgradeV1 handles the first format, whose palette held bare hex values
// and whose animation speeds included "medium".
func upgradeV1(cfg *Config, res *MigrationResult) {
	for i := range cfg.Settings.Palette {
		col := &cfg.Settings.Palette[i]
		if col.Name == "" {
			col.Name = fmt.Sprintf("Color %d", i+1)
			res.change("settings.palette[%d] named %q", i, col.Name)
		}
		if !strings.HasPrefix(col.Hex, "#") && hexColor.MatchString("#"+col.Hex) {
			col.Hex = "#" + col.Hex
			res.change("settings.palette[%d].hex gained its #", i)
		}
	}
	if s := cfg.Settings.AnimationSpeed; s == "" || s == "medium" {
		cfg.Settings.AnimationSpeed = "normal"
		res.change("settings.animation_speed is now normal")
	}
	if cfg.Storage.Encoding == "" {
		cfg.Storage.Encoding = "json"
		res.change("storage.encoding defaulted to json")
	}
	if q := cfg.Storage.QuotaBytes; q > 0 && q < 1024 {
		res.warn("storage.quota_bytes=%d looks like kilobytes; it counts bytes", q)
	}
}

func backupConfig(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	dst := path + ".backup-" + time.Now().Format("20060102-150405")
	if err := fsutil.WriteFile(dst, data, 0o600); err != nil {
		return "", err
	}
	return dst, nil
}

// SaveConfig writes cfg to path atomically. The format follows the
// extension: .json, .yaml or .yml, and TOML otherwise.
func SaveConfig(cfg *Config, path string) error {
	cfg.mu.RLock()
	data, err := encode(cfg, filepath.Ext(path))
	cfg.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := fsutil.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func encode(cfg *Config, ext string) ([]byte, error) {
	switch ext {
	case ".json":
		return json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# markd configuration (version %d)\n\n", cfg.Version)
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
