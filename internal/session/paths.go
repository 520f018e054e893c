package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.connectify.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".connectify")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// CacheDBPath returns the local conversation-cache database path for a session.
func CacheDBPath(name string) string {
	return filepath.Join(Dir(name), "cache.db")
}

// LogPath returns the daemon log file path for a session.
func LogPath(name string) string {
	return filepath.Join(Dir(name), "connectifyd.log")
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// EnsureDir creates the session directory if it does not exist.
func EnsureDir(name string) error {
	return os.MkdirAll(Dir(name), 0700)
}
