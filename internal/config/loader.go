package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ProviderConfig points at the elastic-compute control API that starts and
// stops worker jobs. All three fields must be set for the relay to manage
// the worker itself; otherwise it waits for an externally started worker.
type ProviderConfig struct {
	BaseURL    string `json:"base_url" yaml:"base_url" toml:"base_url"`
	EndpointID string `json:"endpoint_id" yaml:"endpoint_id" toml:"endpoint_id"`
	APIKey     string `json:"api_key" yaml:"api_key" toml:"api_key"`
}

// Configured reports whether all provider fields are present.
func (p ProviderConfig) Configured() bool {
	return p.BaseURL != "" && p.EndpointID != "" && p.APIKey != ""
}

// Config holds runtime parameters for the relay.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr           string         `json:"addr" yaml:"addr" toml:"addr"`
	WorkerToken    string         `json:"worker_token" yaml:"worker_token" toml:"worker_token"`
	WorkerURL      string         `json:"worker_url" yaml:"worker_url" toml:"worker_url"`
	CacheCapacity  int            `json:"cache_capacity" yaml:"cache_capacity" toml:"cache_capacity"`
	TargetFPS      float64        `json:"target_fps" yaml:"target_fps" toml:"target_fps"`
	GracePeriodSec int            `json:"grace_period_sec" yaml:"grace_period_sec" toml:"grace_period_sec"`
	APITimeoutSec  int            `json:"api_timeout_sec" yaml:"api_timeout_sec" toml:"api_timeout_sec"`
	StateDir       string         `json:"state_dir" yaml:"state_dir" toml:"state_dir"`
	CORSOrigins    []string       `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	Provider       ProviderConfig `json:"provider" yaml:"provider" toml:"provider"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// LoadEnv populates the process environment from a .env file. A missing file
// is not an error; deployments usually set real environment variables.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	err := godotenv.Load(paths...)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// GetEnv returns the value of the environment variable named by key, or
// fallback if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by
// key, or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvFloat returns the float value of the environment variable named by
// key, or fallback if the variable is unset, empty, or not a valid number.
func GetEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return fallback
}
