package config

import (
	"os"
	"os/user"
	"path/filepath"
)

// RealHome resolves the invoking user's home directory even under sudo or an
// init system. os.UserHomeDir returns /root when the process runs as root via
// sudo, which would scatter state under the wrong account. Resolution order:
//
//  1. SUDO_USER (set by sudo) looked up in the password database
//  2. LOGNAME / USER (set by login shells and init User= directives)
//  3. password database entry for the effective UID
//  4. os.UserHomeDir as the final fallback
func RealHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil && u.HomeDir != "" {
			return u.HomeDir
		}
	}

	for _, key := range []string{"LOGNAME", "USER"} {
		if name := os.Getenv(key); name != "" && name != "root" {
			if u, err := user.Lookup(name); err == nil && u.HomeDir != "" {
				return u.HomeDir
			}
		}
	}

	if u, err := user.Current(); err == nil && u.HomeDir != "" && u.Username != "root" {
		return u.HomeDir
	}

	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "."
}

// DataDir returns the data directory (databases, caches):
// $XDG_DATA_HOME/meshforge or ~/.local/share/meshforge.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "meshforge")
	}
	return filepath.Join(RealHome(), ".local", "share", "meshforge")
}

// ConfigDir returns the configuration directory:
// $XDG_CONFIG_HOME/meshforge or ~/.config/meshforge.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "meshforge")
	}
	return filepath.Join(RealHome(), ".config", "meshforge")
}

// CacheDir returns the cache directory (logs, temporary files):
// $XDG_CACHE_HOME/meshforge or ~/.cache/meshforge.
func CacheDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "meshforge")
	}
	return filepath.Join(RealHome(), ".cache", "meshforge")
}

// SettingsPath returns the persisted settings location under the plugin
// configuration tree.
func SettingsPath() string {
	return filepath.Join(ConfigDir(), "plugins", "org.meshforge.extension.maps", "settings.json")
}

// HistoryDBPath returns the node history database location.
func HistoryDBPath() string {
	return filepath.Join(DataDir(), "maps_node_history.db")
}
