package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultAPIBaseURL is the production Connectify backend.
	DefaultAPIBaseURL = "https://api.connectify.app"

	// DefaultSessionCookie is the cookie the backend sets on login.
	DefaultSessionCookie = "connectify_session"
)

// Config represents the global ~/.connectify/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	APIBaseURL     string `toml:"api_base_url"`
	RealtimeURL    string `toml:"realtime_url"`
	SessionCookie  string `toml:"session_cookie"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config with all defaults applied, used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	c.APIBaseURL = strings.TrimRight(c.APIBaseURL, "/")
	if c.RealtimeURL == "" {
		c.RealtimeURL = websocketURL(c.APIBaseURL)
	}
	if c.SessionCookie == "" {
		c.SessionCookie = DefaultSessionCookie
	}
}

// websocketURL derives the realtime endpoint from the API base URL.
func websocketURL(base string) string {
	u := strings.Replace(base, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}
