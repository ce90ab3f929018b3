package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
server:
  addr: ":9090"
database:
  path: /tmp/quarry-test.db
rate_limit:
  requests: 10
  window: 30s
webhook:
  secret_name: my-hook-secret
agent:
  poll_interval: 2s
  execute_timeout: 5m
  stale_lease_age: 1h
anthropic:
  api_key: sk-ant-file-key
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("server.addr = %q", cfg.Server.Addr)
	}
	if cfg.Database.Path != "/tmp/quarry-test.db" {
		t.Errorf("database.path = %q", cfg.Database.Path)
	}
	if cfg.RateLimit.Requests != 10 || cfg.RateLimit.Window != 30*time.Second {
		t.Errorf("rate_limit = %+v", cfg.RateLimit)
	}
	if cfg.Webhook.SecretName != "my-hook-secret" {
		t.Errorf("webhook.secret_name = %q", cfg.Webhook.SecretName)
	}
	if cfg.Agent.PollInterval != 2*time.Second {
		t.Errorf("agent.poll_interval = %v", cfg.Agent.PollInterval)
	}
	if cfg.Agent.ExecuteTimeout != 5*time.Minute {
		t.Errorf("agent.execute_timeout = %v", cfg.Agent.ExecuteTimeout)
	}
	if cfg.Agent.StaleLeaseAge != time.Hour {
		t.Errorf("agent.stale_lease_age = %v", cfg.Agent.StaleLeaseAge)
	}
	if cfg.Anthropic.APIKey != "sk-ant-file-key" {
		t.Errorf("anthropic.api_key = %q", cfg.Anthropic.APIKey)
	}
}

func TestLoadFromPathDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("{}\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("default server.addr = %q", cfg.Server.Addr)
	}
	if cfg.RateLimit.Requests != 60 || cfg.RateLimit.Window != time.Minute {
		t.Errorf("default rate_limit = %+v", cfg.RateLimit)
	}
	if cfg.Webhook.SecretName != "webhook-hmac" {
		t.Errorf("default webhook.secret_name = %q", cfg.Webhook.SecretName)
	}
	if cfg.Agent.PollInterval != 5*time.Second {
		t.Errorf("default agent.poll_interval = %v", cfg.Agent.PollInterval)
	}
	if cfg.Agent.StaleLeaseAge != 30*time.Minute {
		t.Errorf("default agent.stale_lease_age = %v", cfg.Agent.StaleLeaseAge)
	}
	if cfg.Database.Path == "" {
		t.Error("default database.path should not be empty")
	}
}

func TestLoadFromPathExpandsEnv(t *testing.T) {
	t.Setenv("TEST_QUARRY_KEY", "sk-ant-from-env-ref")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	content := "anthropic:\n  api_key: ${TEST_QUARRY_KEY}\n"
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-ant-from-env-ref" {
		t.Errorf("api_key = %q, want env expansion", cfg.Anthropic.APIKey)
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file should error")
	}
}
