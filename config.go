package resolver

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names a YAML config file when --config is not given.
const ConfigFileEnv = "MODEL_RESOLVER_CONFIG"

// FileConfig is the on-disk YAML configuration of the command line tool.
//
//	cache_dir: ./.model-cache
//	verify_sha256: true
//	concurrency: 8
//	retry_backoff: 2s
//	log_level: debug
type FileConfig struct {
	Config `yaml:",inline"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// LoadConfigFile reads a YAML config file. An empty path returns a zero
// FileConfig.
func LoadConfigFile(path string) (*FileConfig, error) {
	if path == "" {
		return &FileConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the values a YAML file can get wrong.
func (c *FileConfig) Validate() error {
	switch c.LogLevel {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q: must be debug, info, warn or error", c.LogLevel)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative")
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	return nil
}
