// Package config provides configuration loading for the aggregator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for mcpagg.yaml/.yml in
// standard locations. The search requires an explicit YAML extension to
// avoid matching the binary itself, which Viper's built-in SetConfigName
// would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("mcpagg")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: AGGREGATOR_INDEX_PATH, etc.
	viper.SetEnvPrefix("AGGREGATOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for an mcpagg config file with
// an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".mcpagg"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "mcpagg"))
		}
	} else {
		paths = append(paths, "/etc/mcpagg")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for mcpagg.yaml or
// .yml. Returns the full path of the first match, or empty string if none
// found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "mcpagg"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the scalar config keys for environment variable
// support. Map/slice-valued keys (downstreams, gate.mutating_tags) are left
// to Viper's file-based config only — per-downstream overrides via env var
// would need one binding per downstream name, which doesn't scale.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("index_path")
	_ = viper.BindEnv("approvals_path")
	_ = viper.BindEnv("log_level")
	_ = viper.BindEnv("reconcile_parallelism")

	_ = viper.BindEnv("embedding.provider")
	_ = viper.BindEnv("embedding.model")
	_ = viper.BindEnv("embedding.base_url")
	_ = viper.BindEnv("embedding.dimensions")

	_ = viper.BindEnv("gate.disabled")
	_ = viper.BindEnv("gate.threshold")
	_ = viper.BindEnv("gate.persist_approvals")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, validates, and returns the Config.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but does
// NOT validate. Use this when CLI flags may still override fields before
// validation runs.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file found: continue with pure environment-variable
		// configuration, matching AutomaticEnv's intent.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded. Returns an empty string if no config file was found (env vars
// only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
