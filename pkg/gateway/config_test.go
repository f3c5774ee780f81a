// Copyright 2024-2026 Aiku AI

package gateway

import (
	"os"
	"path/filepath"
	"testing"
)

// These tests mutate the process environment via t.Setenv, so none of them
// run in parallel.

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		// t.Setenv registers the restore; unset to simulate absence.
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t, "PORT", "WEBHOOK_URL", "API_KEY")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != "3000" {
		t.Errorf("Port = %q, want the default", cfg.Port)
	}
	if cfg.WebhookURL != "" || cfg.APIKey != "" {
		t.Errorf("unexpected values: %+v", cfg)
	}
	if cfg.Addr() != ":3000" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("WEBHOOK_URL", "https://hooks.example.com/wa")
	t.Setenv("API_KEY", "secret")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != "8080" || cfg.WebhookURL != "https://hooks.example.com/wa" || cfg.APIKey != "secret" {
		t.Errorf("config = %+v", cfg)
	}
}

func TestLoadConfigDotenvFile(t *testing.T) {
	clearEnv(t, "PORT", "WEBHOOK_URL", "API_KEY")
	path := filepath.Join(t.TempDir(), ".env")
	content := "PORT=4000\nWEBHOOK_URL=https://hooks.example.com/file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != "4000" || cfg.WebhookURL != "https://hooks.example.com/file" {
		t.Errorf("config = %+v", cfg)
	}
}

func TestLoadConfigEnvWinsOverFile(t *testing.T) {
	clearEnv(t, "WEBHOOK_URL", "API_KEY")
	t.Setenv("PORT", "5000")
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("PORT=4000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != "5000" {
		t.Errorf("Port = %q, environment should win over the file", cfg.Port)
	}
}

func TestLoadConfigMissingFileTolerated(t *testing.T) {
	clearEnv(t, "PORT", "WEBHOOK_URL", "API_KEY")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.env"))
	if err != nil {
		t.Fatalf("missing dotenv file should not error: %v", err)
	}
	if cfg.Port != "3000" {
		t.Errorf("Port = %q", cfg.Port)
	}
}
