package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"OPENSANDBOXD_PORT", "OPENSANDBOXD_API_KEY", "OPENSANDBOXD_LOG_LEVEL",
		"OPENSANDBOXD_DATA_DIR", "OPENSANDBOXD_WORKSPACE_ROOT", "OPENSANDBOXD_JWT_SECRET",
		"OPENSANDBOXD_DEFAULT_MEMORY_MB", "OPENSANDBOXD_DEFAULT_CPUS", "OPENSANDBOXD_SECRETS_ARN",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level info, got %s", cfg.LogLevel)
	}
	if cfg.DefaultSandboxMemoryMB != 1024 {
		t.Errorf("expected default memory 1024, got %d", cfg.DefaultSandboxMemoryMB)
	}
	if cfg.DefaultSandboxCPUs != 1 {
		t.Errorf("expected default cpus 1, got %d", cfg.DefaultSandboxCPUs)
	}
	if cfg.NFSAddr != ":2049" {
		t.Errorf("expected nfs addr :2049, got %s", cfg.NFSAddr)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("OPENSANDBOXD_PORT", "9999")
	os.Setenv("OPENSANDBOXD_API_KEY", "test-key")
	os.Setenv("OPENSANDBOXD_DEFAULT_CPUS", "4")
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Port)
	}
	if cfg.APIKey != "test-key" {
		t.Errorf("expected API key test-key, got %s", cfg.APIKey)
	}
	if cfg.DefaultSandboxCPUs != 4 {
		t.Errorf("expected default cpus 4, got %d", cfg.DefaultSandboxCPUs)
	}
}

func TestLoadInvalidPort(t *testing.T) {
	clearEnv(t)
	os.Setenv("OPENSANDBOXD_PORT", "not-a-number")
	defer clearEnv(t)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}

func TestEnvOrDefaultInt_FallsBackOnGarbage(t *testing.T) {
	os.Setenv("OPENSANDBOXD_TEST_INT", "garbage")
	defer os.Unsetenv("OPENSANDBOXD_TEST_INT")

	if got := envOrDefaultInt("OPENSANDBOXD_TEST_INT", 42); got != 42 {
		t.Errorf("expected fallback 42, got %d", got)
	}
}
