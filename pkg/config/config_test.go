package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to build a valid config with every optional feature switched on.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.Redis.Enabled = true
	cfg.Auth.Enabled = true
	cfg.Auth.JWTSecret = "secret"
	cfg.Tracing.Enabled = true
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
	if err := validBaseConfig().Validate(); err != nil {
		t.Fatalf("expected base config to be valid, got: %v", err)
	}
}

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Client.GracePeriod != 2*time.Second {
		t.Errorf("expected 2s grace period, got %s", cfg.Client.GracePeriod)
	}
	if cfg.Signal.RingTimeout != 45*time.Second {
		t.Errorf("expected 45s ring timeout, got %s", cfg.Signal.RingTimeout)
	}
	if len(cfg.WebRTC.ICEServers) != 1 || len(cfg.WebRTC.ICEServers[0].URLs) != 4 {
		t.Fatalf("expected four default STUN urls, got %+v", cfg.WebRTC.ICEServers)
	}
	if cfg.WebRTC.ICEServers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("unexpected first STUN url %q", cfg.WebRTC.ICEServers[0].URLs[0])
	}
}

func TestValidate_DisabledSectionsAllowZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0
	cfg.Redis.PoolSize = 0
	cfg.Auth.JWTSecret = ""
	cfg.Tracing.JaegerURL = ""

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected disabled sections to be ignored, got: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"signal path without slash", func(c *Config) { c.Signal.Path = "ws" }},
		{"pong timeout not above ping interval", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"zero send queue", func(c *Config) { c.Signal.SendQueueSize = 0 }},
		{"negative ring timeout", func(c *Config) { c.Signal.RingTimeout = -time.Second }},
		{"ice server without urls", func(c *Config) { c.WebRTC.ICEServers = []ICEServer{{}} }},
		{"client server url without scheme", func(c *Config) { c.Client.ServerURL = "localhost:8080/ws" }},
		{"negative grace period", func(c *Config) { c.Client.GracePeriod = -time.Second }},
		{"empty log level", func(c *Config) { c.Logging.Level = "" }},
		{"redis without address", func(c *Config) { c.Redis.Address = "" }},
		{"redis without lock ttl", func(c *Config) { c.Redis.LockTTL = 0 }},
		{"auth without secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"ws burst must be > 0", func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 }},
		{"ws max connections must be >= 0", func(c *Config) { c.RateLimiting.WebSocket.MaxConnections = -1 }},
		{"sample rate above one", func(c *Config) { c.Tracing.SampleRate = 1.5 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("expected default address, got %q", cfg.Server.Address)
	}
}

func TestLoad_FromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  address: ":9000"
signal:
  ring_timeout: 30s
  send_queue_size: 8
client:
  grace_period: 500ms
webrtc:
  ice_servers:
    - urls: ["turn:turn.example.com:3478"]
      username: user
      credential: pass
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Address != ":9000" {
		t.Errorf("expected :9000, got %q", cfg.Server.Address)
	}
	if cfg.Signal.RingTimeout != 30*time.Second {
		t.Errorf("expected 30s ring timeout, got %s", cfg.Signal.RingTimeout)
	}
	if cfg.Signal.SendQueueSize != 8 {
		t.Errorf("expected send queue size 8, got %d", cfg.Signal.SendQueueSize)
	}
	if cfg.Client.GracePeriod != 500*time.Millisecond {
		t.Errorf("expected 500ms grace period, got %s", cfg.Client.GracePeriod)
	}
	if len(cfg.WebRTC.ICEServers) != 1 || cfg.WebRTC.ICEServers[0].Username != "user" {
		t.Errorf("unexpected ice servers: %+v", cfg.WebRTC.ICEServers)
	}
	// untouched sections keep their defaults
	if cfg.Signal.PingInterval != 25*time.Second {
		t.Errorf("expected default ping interval, got %s", cfg.Signal.PingInterval)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PEERCALL_SERVER_ADDRESS", ":7000")
	t.Setenv("PEERCALL_JWT_SECRET", "from-env")
	t.Setenv("PEERCALL_RING_TIMEOUT", "5s")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Address != ":7000" {
		t.Errorf("expected env address, got %q", cfg.Server.Address)
	}
	if !cfg.Auth.Enabled || cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("expected auth enabled from env, got %+v", cfg.Auth)
	}
	if cfg.Signal.RingTimeout != 5*time.Second {
		t.Errorf("expected 5s ring timeout, got %s", cfg.Signal.RingTimeout)
	}
}
