package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// setupTestHome points HOME at a temp dir and returns the synthd config dir inside it.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvConfigPath, "")
	dir := filepath.Join(home, ".config", "synthd")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if err := os.Chmod(path, perm); err != nil {
		t.Fatalf("failed to chmod config: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	setupTestHome(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.Memory.Backend != "chromem" {
		t.Errorf("Memory.Backend = %q, want chromem", cfg.Memory.Backend)
	}
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `pipeline:
  topic: Sleep Apnea
  batch_size: 3
  stage_timeout: 90s
llm:
  api_key: sk-from-file
source:
  exclude_authors:
    - Bot Author
`, 0600)

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if cfg.Pipeline.Topic != "Sleep Apnea" {
		t.Errorf("Pipeline.Topic = %q", cfg.Pipeline.Topic)
	}
	if cfg.Pipeline.BatchSize != 3 {
		t.Errorf("Pipeline.BatchSize = %d, want 3", cfg.Pipeline.BatchSize)
	}
	if cfg.Pipeline.StageTimeout.Duration() != 90*time.Second {
		t.Errorf("Pipeline.StageTimeout = %v, want 90s", cfg.Pipeline.StageTimeout.Duration())
	}
	if cfg.LLM.APIKey.Value() != "sk-from-file" {
		t.Errorf("LLM.APIKey not loaded")
	}
	// Absent keys keep their defaults.
	if cfg.Pipeline.MaxAttempts != 3 {
		t.Errorf("Pipeline.MaxAttempts = %d, want default 3", cfg.Pipeline.MaxAttempts)
	}
	if len(cfg.Source.ExcludeAuthors) != 1 || cfg.Source.ExcludeAuthors[0] != "Bot Author" {
		t.Errorf("Source.ExcludeAuthors = %v", cfg.Source.ExcludeAuthors)
	}
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "pipeline:\n  batch_size: 3\n", 0600)

	t.Setenv("SYNTHD_PIPELINE_BATCH_SIZE", "7")
	t.Setenv("SYNTHD_LLM_BASE_URL", "http://localhost:11434/v1")
	t.Setenv("SYNTHD_CACHE_TTL", "1h")

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if cfg.Pipeline.BatchSize != 7 {
		t.Errorf("Pipeline.BatchSize = %d, want 7", cfg.Pipeline.BatchSize)
	}
	if cfg.LLM.BaseURL != "http://localhost:11434/v1" {
		t.Errorf("LLM.BaseURL = %q", cfg.LLM.BaseURL)
	}
	if cfg.Cache.TTL.Duration() != time.Hour {
		t.Errorf("Cache.TTL = %v, want 1h", cfg.Cache.TTL.Duration())
	}
}

func TestLoadWithFile_InvalidValuesFailValidation(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "memory:\n  backend: cassandra\n", 0600)

	_, err := LoadWithFile(path)
	if err == nil {
		t.Fatal("LoadWithFile() = nil error, want validation failure")
	}
	if !strings.Contains(err.Error(), "memory.backend") {
		t.Errorf("error = %v, want memory.backend", err)
	}
}

func TestLoadWithFile_RejectsOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)
	other := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(other, []byte("server:\n  http_port: 1\n"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadWithFile(other); err == nil {
		t.Fatal("LoadWithFile() accepted a path outside the allowed directories")
	}
}

func TestLoadWithFile_RejectsSiblingPrefix(t *testing.T) {
	dir := setupTestHome(t)
	sibling := dir + "-evil"
	if err := os.MkdirAll(sibling, 0700); err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, sibling, "server:\n  http_port: 1\n", 0600)

	if _, err := LoadWithFile(path); err == nil {
		t.Fatal("LoadWithFile() accepted a sibling directory sharing the prefix")
	}
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on windows")
	}
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  http_port: 9000\n", 0644)

	_, err := LoadWithFile(path)
	if err == nil || !strings.Contains(err.Error(), "permissions") {
		t.Fatalf("LoadWithFile() error = %v, want permissions error", err)
	}
}

func TestLoadWithFile_TooLarge(t *testing.T) {
	dir := setupTestHome(t)
	big := "# " + strings.Repeat("x", maxConfigFileSize) + "\n"
	path := writeConfig(t, dir, big, 0600)

	_, err := LoadWithFile(path)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("LoadWithFile() error = %v, want size error", err)
	}
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	dir := setupTestHome(t)
	nested := filepath.Join(dir, "profiles")
	if err := os.MkdirAll(nested, 0700); err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, nested, "pipeline:\n  workers: 4\n", 0600)
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pipeline.Workers != 4 {
		t.Errorf("Pipeline.Workers = %d, want 4", cfg.Pipeline.Workers)
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"SYNTHD_LLM_BASE_URL":        "llm.base_url",
		"SYNTHD_PIPELINE_BATCH_SIZE": "pipeline.batch_size",
		"SYNTHD_SERVER_HTTP_PORT":    "server.http_port",
		"SYNTHD_TELEMETRY_ENABLED":   "telemetry.enabled",
		"SYNTHD_FEEDBACK_WINDOW":     "feedback.window",
		"SYNTHD_STANDALONE":          "standalone",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEnsureConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if err := EnsureConfigDir(); err != nil {
		t.Fatalf("EnsureConfigDir() error = %v", err)
	}
	info, err := os.Stat(filepath.Join(home, ".config", "synthd"))
	if err != nil {
		t.Fatalf("config dir missing: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0700 {
		t.Errorf("config dir perm = %v, want 0700", info.Mode().Perm())
	}
}
