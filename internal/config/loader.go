package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/deskauth/pkg/logging"
)

const (
	userConfigDir  = ".config/deskauth"
	configFileName = "config.yaml"
)

// osUserHomeDir is a variable so tests can point the default directory elsewhere.
var osUserHomeDir = os.UserHomeDir

// GetDefaultConfigPath returns ~/.config/deskauth.
func GetDefaultConfigPath() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// envOverrides holds raw environment values. Empty values leave the file
// configuration untouched.
type envOverrides struct {
	ClientID        string        `env:"DESKAUTH_CLIENT_ID"`
	Authority       string        `env:"DESKAUTH_AUTHORITY"`
	Scopes          []string      `env:"DESKAUTH_SCOPES" envSeparator:","`
	CachePath       string        `env:"DESKAUTH_CACHE_PATH"`
	CacheBackend    string        `env:"DESKAUTH_CACHE_BACKEND"`
	RedirectMode    string        `env:"DESKAUTH_REDIRECT_MODE"`
	RedirectPort    int           `env:"DESKAUTH_REDIRECT_PORT"`
	RedirectTimeout time.Duration `env:"DESKAUTH_REDIRECT_TIMEOUT"`
	GraphBaseURL    string        `env:"DESKAUTH_GRAPH_BASE_URL"`
	LogLevel        string        `env:"DESKAUTH_LOG_LEVEL"`
}

// LoadConfig loads config.yaml from configPath on top of the defaults, then
// applies DESKAUTH_* environment overrides. A missing config.yaml is not an error.
func LoadConfig(configPath string) (Config, error) {
	config := GetDefaultConfig(configPath)

	configFilePath := filepath.Join(configPath, configFileName)
	data, err := os.ReadFile(configFilePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logging.Debug("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
	case err != nil:
		return Config{}, fmt.Errorf("error reading config from %s: %w", configFilePath, err)
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
		}
		logging.Debug("ConfigLoader", "Loaded configuration from %s", configFilePath)
	}

	if err := applyEnv(&config); err != nil {
		return Config{}, err
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func applyEnv(config *Config) error {
	var raw envOverrides
	if err := env.Parse(&raw); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	if raw.ClientID != "" {
		config.ClientID = raw.ClientID
	}
	if raw.Authority != "" {
		config.Authority = raw.Authority
	}
	if scopes := trimCSV(raw.Scopes); len(scopes) > 0 {
		config.Scopes = scopes
	}
	if raw.CachePath != "" {
		config.Cache.Path = raw.CachePath
	}
	if raw.CacheBackend != "" {
		config.Cache.Backend = raw.CacheBackend
	}
	if raw.RedirectMode != "" {
		config.Redirect.Mode = raw.RedirectMode
	}
	if raw.RedirectPort != 0 {
		config.Redirect.Port = raw.RedirectPort
	}
	if raw.RedirectTimeout != 0 {
		config.Redirect.Timeout = raw.RedirectTimeout
	}
	if raw.GraphBaseURL != "" {
		config.Graph.BaseURL = raw.GraphBaseURL
	}
	if raw.LogLevel != "" {
		config.LogLevel = raw.LogLevel
	}
	return nil
}

func trimCSV(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

