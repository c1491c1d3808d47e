package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "BRANCHFLOW_"

// Load reads configuration from the YAML file at configPath, then overrides
// with environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (BRANCHFLOW_GIT_MAX_RETRIES, ...)
//  2. YAML config file
//  3. Defaults from NewDefaultConfig
//
// If configPath is empty the default path ~/.config/branchflow/config.yaml is
// used; a missing file is not an error, the defaults simply apply.
//
// Environment variables are uppercased with underscore separators:
//
//	BRANCHFLOW_BRANCHES_PRODUCTION  -> branches.production
//	BRANCHFLOW_POLICY_CONFIDENCE_THRESHOLD -> policy.confidence_threshold
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "branchflow", "config.yaml")
	}

	if content, err := os.ReadFile(configPath); err == nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		// First underscore separates the section from the key; keys keep
		// their own underscores (git.max_retries).
		parts := strings.SplitN(s, "_", 2)
		return strings.Join(parts, ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	cfg := NewDefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
