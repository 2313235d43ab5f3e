package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir is where markd keeps its database, logs and pid file:
// Application Support on macOS, XDG_DATA_HOME (or ~/.local/share) on Linux
// and APPDATA on Windows. Anything else gets ~/.markd.
func PlatformDataDir() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "markd")
	case "linux":
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "markd")
		}
		return filepath.Join(home, ".local", "share", "markd")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "markd")
		}
	}
	return filepath.Join(home, ".markd")
}

// PlatformConfigDir returns the platform-specific config directory. macOS
// and Windows share the data directory.
func PlatformConfigDir() string {
	if runtime.GOOS != "linux" {
		return PlatformDataDir()
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "markd")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "markd")
}

// configExts are the file formats Load understands, in search order.
var configExts = []string{"toml", "json", "yaml", "yml"}

// FindConfigFile returns the first config.<ext> found in the working
// directory, the platform config directory or the data directory.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir(), MarkdDir()} {
		for _, ext := range configExts {
			if p := filepath.Join(dir, "config."+ext); isFile(p) {
				return p
			}
		}
	}
	return ""
}
