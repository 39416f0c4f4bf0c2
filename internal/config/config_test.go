package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
channel:
  type: http
  http:
    send_url: https://provider.example/send
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Channel.ID != "default" {
		t.Errorf("expected channel id %q, got %q", "default", cfg.Channel.ID)
	}
	if cfg.Channel.MaxUnitLen != 160 {
		t.Errorf("expected max_unit_len=160, got %d", cfg.Channel.MaxUnitLen)
	}
	if cfg.Quota.DailyLimit != 40 {
		t.Errorf("expected daily_limit=40, got %d", cfg.Quota.DailyLimit)
	}
	if cfg.Sessions.HistoryLimit != 20 {
		t.Errorf("expected history_limit=20, got %d", cfg.Sessions.HistoryLimit)
	}
	if cfg.Dispatch.SessionTimeout != 10*time.Minute {
		t.Errorf("expected session_timeout=10m, got %v", cfg.Dispatch.SessionTimeout)
	}
	if cfg.Dispatch.MaxRetryAttempts != 3 {
		t.Errorf("expected max_retry_attempts=3, got %d", cfg.Dispatch.MaxRetryAttempts)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected logging level info, got %q", cfg.Logging.Level)
	}
}

func TestLoadSMTPChannel(t *testing.T) {
	path := writeConfig(t, `
channel:
  id: sim0
  type: smtp
  smtp:
    addr: mail.example.com:587
    from: herald@example.com
    gateway_domain: sms.example.com
    username: herald
    password: secret
dispatch:
  base_delay: 2s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Channel.ID != "sim0" {
		t.Errorf("expected channel id sim0, got %q", cfg.Channel.ID)
	}
	if cfg.Dispatch.BaseDelay != 2*time.Second {
		t.Errorf("expected base_delay=2s, got %v", cfg.Dispatch.BaseDelay)
	}
	if cfg.Channel.SMTP.Timeout != 30*time.Second {
		t.Errorf("expected smtp timeout default 30s, got %v", cfg.Channel.SMTP.Timeout)
	}
}

func TestLoadMissingChannelSettings(t *testing.T) {
	path := writeConfig(t, `
channel:
  type: smtp
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for smtp channel without addr")
	}
}

func TestLoadUnknownChannelType(t *testing.T) {
	path := writeConfig(t, `
channel:
  type: carrier-pigeon
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown channel type")
	}
}

func TestLoadInvalidLoggingLevel(t *testing.T) {
	path := writeConfig(t, `
channel:
  type: http
  http:
    send_url: https://provider.example/send
logging:
  level: verbose
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown logging level")
	}
}

func TestLoadFileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
