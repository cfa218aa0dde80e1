package config

import (
	"strings"
	"testing"
)

// minimalValidConfig returns a minimal valid Config for testing.
func minimalValidConfig() *Config {
	cfg := &Config{
		Downstreams: map[string]DownstreamConfig{
			"svc": {Process: &ProcessConfig{Command: "mcp-svc"}},
		},
	}
	cfg.SetDefaults()
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_NoDownstreams(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	cfg.SetDefaults()

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for empty downstreams, got nil")
	}
}

func TestValidate_BothProcessAndRemote(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Downstreams["svc"] = DownstreamConfig{
		Process: &ProcessConfig{Command: "mcp-svc"},
		Remote:  &RemoteConfig{URL: "http://localhost:9000", Transport: "http"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "exactly one of") {
		t.Errorf("error = %q, want to contain 'exactly one of'", err.Error())
	}
}

func TestValidate_NeitherProcessNorRemote(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Downstreams["svc"] = DownstreamConfig{}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "exactly one of") {
		t.Errorf("error = %q, want to contain 'exactly one of'", err.Error())
	}
}

func TestValidate_InvalidDownstreamName(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Downstreams: map[string]DownstreamConfig{
			"svc with spaces": {Process: &ProcessConfig{Command: "mcp-svc"}},
		},
	}
	cfg.SetDefaults()

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid downstream name, got nil")
	}
}

func TestValidate_RemoteWithValidHTTPTransport(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Downstreams: map[string]DownstreamConfig{
			"svc": {Remote: &RemoteConfig{URL: "http://localhost:9000", Transport: "http"}},
		},
	}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_RemoteBearerAuthMissingToken(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Downstreams: map[string]DownstreamConfig{
			"svc": {Remote: &RemoteConfig{
				URL:       "http://localhost:9000",
				Transport: "http",
				Auth:      &AuthConfig{Kind: "bearer"},
			}},
		},
	}
	cfg.SetDefaults()

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for missing bearer token, got nil")
	}
	if !strings.Contains(err.Error(), "token") {
		t.Errorf("error = %q, want to contain 'token'", err.Error())
	}
}

func TestValidate_RemoteBearerAuthWithToken(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Downstreams: map[string]DownstreamConfig{
			"svc": {Remote: &RemoteConfig{
				URL:       "http://localhost:9000",
				Transport: "http",
				Auth:      &AuthConfig{Kind: "bearer", Token: "secret"},
			}},
		},
	}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_InvalidEmbeddingProvider(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Embedding.Provider = "not-a-real-provider"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid embedding provider, got nil")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.LogLevel = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid log level, got nil")
	}
}

func TestValidate_ZeroConfigAfterDefaultsStillRequiresDownstreams(t *testing.T) {
	t.Parallel()

	// Unlike the teacher's default-deny zero-config mode, the aggregator
	// has nothing to do with zero downstreams configured, so this must
	// fail validation rather than silently start with an empty fleet.
	cfg := &Config{}
	cfg.SetDefaults()

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() expected error with zero downstreams, got nil")
	}
}
