package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Storage.Type != "redis" {
		t.Errorf("Expected storage type redis, got %s", cfg.Storage.Type)
	}
	if cfg.Storage.Redis.Port != 6379 {
		t.Errorf("Expected redis port 6379, got %d", cfg.Storage.Redis.Port)
	}
	if got := cfg.Warnings.LeadMinutes; len(got) != 3 || got[0] != 15 || got[1] != 5 || got[2] != 1 {
		t.Errorf("Expected lead minutes [15 5 1], got %v", got)
	}
	if cfg.Session.DefaultHourLimit != 2 {
		t.Errorf("Expected default hour limit 2, got %v", cfg.Session.DefaultHourLimit)
	}
	if !cfg.Notifications.Enabled {
		t.Error("Expected notifications enabled by default")
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parkmeter.yaml")
	content := `
gateway:
  base_url: "https://parking.example.com"
  token: "abc"
warnings:
  lead_minutes: [30, 10]
session:
  default_hour_limit: 1.5
mock_server:
  spaces:
    - id: "A-12"
      label: "Harbour St level 2"
      fee_per_hour: 3.5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Gateway.BaseURL != "https://parking.example.com" {
		t.Errorf("Expected base url override, got %s", cfg.Gateway.BaseURL)
	}
	if got := cfg.Warnings.LeadMinutes; len(got) != 2 || got[0] != 30 || got[1] != 10 {
		t.Errorf("Expected lead minutes [30 10], got %v", got)
	}
	if cfg.Session.DefaultHourLimit != 1.5 {
		t.Errorf("Expected default hour limit 1.5, got %v", cfg.Session.DefaultHourLimit)
	}
	if len(cfg.MockServer.Spaces) != 1 || cfg.MockServer.Spaces[0].FeePerHour != 3.5 {
		t.Errorf("Expected one mock space at 3.5/h, got %+v", cfg.MockServer.Spaces)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PARKMETER_GATEWAY_TOKEN", "from-env")
	t.Setenv("PARKMETER_STORAGE_REDIS_PASSWORD", "pw")
	t.Setenv("PARKMETER_MOCK_SERVER_TOKEN_SECRET", "s3cret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Gateway.Token != "from-env" {
		t.Errorf("Expected token from env, got %q", cfg.Gateway.Token)
	}
	if cfg.Storage.Redis.Password != "pw" {
		t.Errorf("Expected redis password from env, got %q", cfg.Storage.Redis.Password)
	}
	if cfg.MockServer.TokenSecret != "s3cret" {
		t.Errorf("Expected token secret from env, got %q", cfg.MockServer.TokenSecret)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"non-positive lead", "warnings:\n  lead_minutes: [15, 0]\n"},
		{"zero default hour limit", "session:\n  default_hour_limit: 0\n"},
		{"bad gateway url", "gateway:\n  base_url: \"not a url\"\n"},
		{"unknown storage type", "storage:\n  type: sqlite\n"},
		{"bolt without path", "storage:\n  type: bolt\n  bolt:\n    path: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "parkmeter.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("failed to write config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	if got := ParseDuration("250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", got)
	}
	if got := ParseDuration("bogus", time.Second); got != time.Second {
		t.Errorf("Expected fallback 1s, got %v", got)
	}
}

func TestDefaults_MatchesLoadWithoutFile(t *testing.T) {
	loaded, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	defaults := Defaults()
	if !reflect.DeepEqual(defaults.Warnings, loaded.Warnings) {
		t.Errorf("Expected warnings %+v, got %+v", loaded.Warnings, defaults.Warnings)
	}
	if defaults.Storage.KeyPrefix != loaded.Storage.KeyPrefix {
		t.Errorf("Expected key prefix %q, got %q", loaded.Storage.KeyPrefix, defaults.Storage.KeyPrefix)
	}
}
