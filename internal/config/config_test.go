package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.ReconcileParallelism != 4 {
		t.Errorf("ReconcileParallelism = %d, want 4", cfg.ReconcileParallelism)
	}
	if cfg.Embedding.Provider != "hashvec" {
		t.Errorf("Embedding.Provider = %q, want %q", cfg.Embedding.Provider, "hashvec")
	}
	if cfg.Embedding.Dimensions != 0 {
		t.Errorf("Embedding.Dimensions = %d, want 0 (left to the provider's own default)", cfg.Embedding.Dimensions)
	}
	if len(cfg.Gate.MutatingTags) == 0 {
		t.Error("Gate.MutatingTags should default to a non-empty set")
	}
}

func TestConfig_SetDefaults_PreservesExistingValues(t *testing.T) {
	t.Parallel()

	cfg := Config{
		LogLevel:             "debug",
		ReconcileParallelism: 8,
		Embedding:            EmbeddingConfig{Provider: "ollama", Dimensions: 768},
	}
	cfg.SetDefaults()

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel overwritten: got %q", cfg.LogLevel)
	}
	if cfg.ReconcileParallelism != 8 {
		t.Errorf("ReconcileParallelism overwritten: got %d", cfg.ReconcileParallelism)
	}
	if cfg.Embedding.Provider != "ollama" {
		t.Errorf("Embedding.Provider overwritten: got %q", cfg.Embedding.Provider)
	}
	if cfg.Embedding.Dimensions != 768 {
		t.Errorf("Embedding.Dimensions overwritten: got %d", cfg.Embedding.Dimensions)
	}
}

func TestConfig_ToProfile(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Downstreams: map[string]DownstreamConfig{
			"svc": {Process: &ProcessConfig{Command: "mcp-svc"}},
		},
	}

	prof, err := cfg.ToProfile()
	if err != nil {
		t.Fatalf("ToProfile() error = %v", err)
	}
	if len(prof.Names) != 1 || prof.Names[0] != "svc" {
		t.Errorf("Names = %v, want [svc]", prof.Names)
	}
	if !prof.Downstreams["svc"].IsProcess() {
		t.Error("expected svc to be a process downstream")
	}
}

func TestFindConfigFileInPaths_EmptyDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	got := findConfigFileInPaths([]string{dir})
	if got != "" {
		t.Errorf("findConfigFileInPaths(empty dir) = %q, want empty", got)
	}
}

func TestFindConfigFileInPaths_MatchesYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "mcpagg.yaml")
	_ = os.WriteFile(cfgPath, []byte("index_path: .\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != cfgPath {
		t.Errorf("findConfigFileInPaths = %q, want %q", got, cfgPath)
	}
}

func TestFindConfigFileInPaths_MatchesYML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "mcpagg.yml")
	_ = os.WriteFile(cfgPath, []byte("index_path: .\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != cfgPath {
		t.Errorf("findConfigFileInPaths = %q, want %q", got, cfgPath)
	}
}

func TestFindConfigFileInPaths_IgnoresNoExtension(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// Simulate the binary: a file named "mcpagg" with no extension.
	_ = os.WriteFile(filepath.Join(dir, "mcpagg"), []byte("\x7fELF binary"), 0755)

	got := findConfigFileInPaths([]string{dir})
	if got != "" {
		t.Errorf("findConfigFileInPaths matched binary = %q, want empty", got)
	}
}

func TestFindConfigFileInPaths_PrefersYAMLOverYML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "mcpagg.yaml")
	ymlPath := filepath.Join(dir, "mcpagg.yml")
	_ = os.WriteFile(yamlPath, []byte("index_path: a\n"), 0644)
	_ = os.WriteFile(ymlPath, []byte("index_path: b\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != yamlPath {
		t.Errorf("findConfigFileInPaths = %q, want %q (.yaml preferred)", got, yamlPath)
	}
}
