package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stepherg/omi"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "omiclient.yaml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
gateway_id: gw-1
live_update: true
endpoints:
  - url: ws://node.local:8080/omi
    resources:
      - id: temp
        path: Objects/K1/101
        action: read
        mode: newest_until_now
        period: 30s
      - id: setpoint
        path: Objects/K1/Setpoint
        action: write
`)
	t.Setenv("OMI_STATUS_ADDR", "")
	t.Setenv("OMI_LOG_LEVEL", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Status.Addr != ":8090" {
		t.Fatalf("expected default status addr :8090, got %s", cfg.Status.Addr)
	}
	if cfg.Registry.Backend != "memory" {
		t.Fatalf("expected memory backend, got %s", cfg.Registry.Backend)
	}
	if cfg.Polling.Amount != omi.DefaultPollAmount {
		t.Fatalf("expected amount %d, got %d", omi.DefaultPollAmount, cfg.Polling.Amount)
	}

	opts := cfg.ConnectorOptions()
	if opts.MaxMessageSize != omi.DefaultMaxMessageSize {
		t.Fatalf("expected max message size %d, got %d", omi.DefaultMaxMessageSize, opts.MaxMessageSize)
	}
	if !opts.InsecureSkipVerify {
		t.Fatalf("expected trust-all TLS by default")
	}
	if opts.Reconnect.MaxAttempts != 10 || opts.Reconnect.Cooldown != time.Hour {
		t.Fatalf("unexpected reconnect policy %+v", opts.Reconnect)
	}
	if opts.Auth != nil {
		t.Fatalf("expected no auth, got %v", opts.Auth)
	}

	ds, err := cfg.Endpoints[0].Descriptors()
	if err != nil {
		t.Fatalf("descriptors: %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(ds))
	}
	if ds[0].Mode != omi.ModeNewestUntilNow || ds[0].Period != 30*time.Second {
		t.Fatalf("unexpected read descriptor %+v", ds[0])
	}
	if ds[1].Action != omi.ActionWrite {
		t.Fatalf("expected write action, got %s", ds[1].Action)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
log:
  level: info
status:
  addr: ":9000"
`)
	t.Setenv("OMI_STATUS_ADDR", "127.0.0.1:7000")
	t.Setenv("OMI_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Status.Addr != "127.0.0.1:7000" {
		t.Fatalf("expected env status addr, got %s", cfg.Status.Addr)
	}
	lvl, err := cfg.LogLevel()
	if err != nil || lvl != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v (%v)", lvl, err)
	}
}

func TestConnectorOptionsFromConfig(t *testing.T) {
	path := writeConfig(t, `
connector:
  auth: "Bearer abc"
  insecure_skip_verify: false
  idle_timeout: 5m
  reconnect:
    unit: 100ms
    max_attempts: 3
    cooldown: 1m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	opts := cfg.ConnectorOptions()
	if opts.InsecureSkipVerify {
		t.Fatalf("expected certificate verification on")
	}
	if opts.IdleTimeout != 5*time.Minute {
		t.Fatalf("expected idle timeout 5m, got %s", opts.IdleTimeout)
	}
	if opts.Reconnect.Unit != 100*time.Millisecond || opts.Reconnect.MaxAttempts != 3 {
		t.Fatalf("unexpected reconnect policy %+v", opts.Reconnect)
	}
	v, err := opts.Auth.AuthorizationValue()
	if err != nil || v != "Bearer abc" {
		t.Fatalf("expected static auth, got %q (%v)", v, err)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"bad backend", "registry:\n  backend: redis\n", "registry.backend"},
		{"nats without url", "registry:\n  backend: nats\n", "registry.nats.url"},
		{"bad log level", "log:\n  level: loud\n", "log.level"},
		{"bad log format", "log:\n  format: xml\n", "log.format"},
		{"http endpoint", "endpoints:\n  - url: http://node/omi\n", "ws:// or wss://"},
		{"bad action", "endpoints:\n  - url: ws://node/omi\n    resources:\n      - id: a\n        path: K\n        action: delete\n", "unknown action"},
		{"bad mode", "endpoints:\n  - url: ws://node/omi\n    resources:\n      - id: a\n        path: K\n        action: read\n        mode: latest\n", "unsupported mode"},
		{"missing id", "endpoints:\n  - url: ws://node/omi\n    resources:\n      - path: K\n        action: write\n", "id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OMI_LOG_LEVEL", "")
			_, err := Load(writeConfig(t, tt.data))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
