package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `
environment: test
server:
  port: 8081
  shutdown_timeout: 5s
store:
  type: memory
pricefeed:
  api_key: key
  websocket_url: wss://example.test/ws
stream:
  grace_window: 2s
dispatch:
  webhook_url: http://localhost:9000
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeTemp(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8081 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if cfg.Stream.GraceWindow != 2*time.Second {
		t.Fatalf("grace window = %s", cfg.Stream.GraceWindow)
	}
	if cfg.Store.Type != "memory" {
		t.Fatalf("store type = %s", cfg.Store.Type)
	}
	if cfg.Dispatch.Mode != "" {
		t.Fatalf("dispatch mode = %q, want empty (inline default)", cfg.Dispatch.Mode)
	}
}

func TestQueueDispatchModeAccepted(t *testing.T) {
	cfg, err := Load(writeTemp(t, `
environment: test
store:
  type: redis
  redis: {addr: "localhost:6379"}
pricefeed: {api_key: k, websocket_url: w}
dispatch: {webhook_url: u, mode: queue}
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dispatch.Mode != "queue" {
		t.Fatalf("dispatch mode = %q", cfg.Dispatch.Mode)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing environment", `
store: {type: memory}
pricefeed: {api_key: k, websocket_url: w}
dispatch: {webhook_url: u}
`},
		{"bad store type", `
environment: test
store: {type: postgres}
pricefeed: {api_key: k, websocket_url: w}
dispatch: {webhook_url: u}
`},
		{"redis store without addr", `
environment: test
store: {type: redis}
pricefeed: {api_key: k, websocket_url: w}
dispatch: {webhook_url: u}
`},
		{"missing webhook", `
environment: test
store: {type: memory}
pricefeed: {api_key: k, websocket_url: w}
`},
		{"retention without schedule", `
environment: test
store: {type: memory}
pricefeed: {api_key: k, websocket_url: w}
dispatch: {webhook_url: u}
retention: {enabled: true}
`},
		{"unknown dispatch mode", `
environment: test
store: {type: memory}
pricefeed: {api_key: k, websocket_url: w}
dispatch: {webhook_url: u, mode: carrier-pigeon}
`},
		{"queue dispatch without redis", `
environment: test
store: {type: memory}
pricefeed: {api_key: k, websocket_url: w}
dispatch: {webhook_url: u, mode: queue}
`},
		{"operator logs without redis", `
environment: test
store: {type: memory}
pricefeed: {api_key: k, websocket_url: w}
dispatch: {webhook_url: u}
logging: {operator_logs: {enabled: true}}
`},
	}
	for _, tc := range cases {
		if _, err := Load(writeTemp(t, tc.yaml)); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PRICEFEED_API_KEY", "env-key")
	t.Setenv("WEBHOOK_URL", "http://env.example")

	cfg, err := LoadWithEnv(writeTemp(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PriceFeed.APIKey != "env-key" {
		t.Fatalf("api key = %s", cfg.PriceFeed.APIKey)
	}
	if cfg.Dispatch.WebhookURL != "http://env.example" {
		t.Fatalf("webhook = %s", cfg.Dispatch.WebhookURL)
	}
}
