package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Address != ":8080" || cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if strings.Join(cfg.Chat.DefaultRooms, ",") != "General,Technology,Random" {
		t.Errorf("unexpected default rooms %v", cfg.Chat.DefaultRooms)
	}
	if cfg.Chat.HistorySize != 100 || cfg.Chat.MaxUsernameLength != 20 || cfg.Chat.MaxRoomNameLength != 30 {
		t.Errorf("unexpected chat config %+v", cfg.Chat)
	}
	if cfg.WebSocket.SendBuffer != 16 || cfg.WebSocket.WriteTimeout != 5*time.Second || cfg.WebSocket.IdleTimeout != 0 {
		t.Errorf("unexpected websocket config %+v", cfg.WebSocket)
	}
	if cfg.RateLimit.Window != time.Minute || cfg.RateLimit.ConnectsPerWindow != 30 {
		t.Errorf("unexpected rate limit config %+v", cfg.RateLimit)
	}
	if cfg.Redis.Enabled() {
		t.Error("redis mirror should be off by default")
	}
	if cfg.Log.Level != "info" || cfg.Log.ServiceName != "roomchat" {
		t.Errorf("unexpected log config %+v", cfg.Log)
	}
}

func TestLoadFile(t *testing.T) {
	dir := writeConfig(t, `
chat:
  history_size: 50
  default_rooms: [Lobby]
websocket:
  write_timeout: 2s
log:
  level: debug
  pretty: true
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chat.HistorySize != 50 || strings.Join(cfg.Chat.DefaultRooms, ",") != "Lobby" {
		t.Errorf("file values not applied: %+v", cfg.Chat)
	}
	if cfg.WebSocket.WriteTimeout != 2*time.Second {
		t.Errorf("expected 2s write timeout, got %s", cfg.WebSocket.WriteTimeout)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.Pretty {
		t.Errorf("unexpected log config %+v", cfg.Log)
	}
	if cfg.Chat.MaxMessageLength != 2000 {
		t.Errorf("unset keys should keep defaults, got %d", cfg.Chat.MaxMessageLength)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ROOMCHAT_CHAT_HISTORY_SIZE", "25")
	t.Setenv("ROOMCHAT_CHAT_DEFAULT_ROOMS", "Lobby, Games")
	t.Setenv("ROOMCHAT_REDIS_ADDRESS", "localhost:6379")
	t.Setenv("ROOMCHAT_SERVER_ADDRESS", ":9090")
	t.Setenv("ROOMCHAT_RATELIMIT_TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.1")

	cfg, err := Load(writeConfig(t, "chat:\n  history_size: 50\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chat.HistorySize != 25 {
		t.Errorf("env should win over file, got %d", cfg.Chat.HistorySize)
	}
	if strings.Join(cfg.Chat.DefaultRooms, ",") != "Lobby,Games" {
		t.Errorf("expected [Lobby Games], got %v", cfg.Chat.DefaultRooms)
	}
	if strings.Join(cfg.RateLimit.TrustedProxies, ",") != "10.0.0.0/8,192.0.2.1" {
		t.Errorf("expected two trusted proxies, got %v", cfg.RateLimit.TrustedProxies)
	}
	if !cfg.Redis.Enabled() || cfg.Server.Address != ":9090" {
		t.Errorf("env values not applied: %+v %+v", cfg.Redis, cfg.Server)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(writeConfig(t, "chat: [unclosed\n")); err == nil {
		t.Error("expected malformed yaml to fail")
	}
	if _, err := Load(writeConfig(t, "chat:\n  history_size: 0\n")); err == nil {
		t.Error("expected zero history size to fail validation")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Chat:      ChatConfig{DefaultRooms: []string{"General"}, HistorySize: 10},
			WebSocket: WebSocketConfig{SendBuffer: 1},
			RateLimit: RateLimitConfig{Window: time.Minute},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"negative history", func(c *Config) { c.Chat.HistorySize = -1 }, true},
		{"no default rooms", func(c *Config) { c.Chat.DefaultRooms = nil }, true},
		{"duplicate default room", func(c *Config) { c.Chat.DefaultRooms = []string{"General", "General"} }, true},
		{"empty default room", func(c *Config) { c.Chat.DefaultRooms = []string{""} }, true},
		{"zero send buffer", func(c *Config) { c.WebSocket.SendBuffer = 0 }, true},
		{"zero rate window", func(c *Config) { c.RateLimit.Window = 0 }, true},
		{"trusted proxies", func(c *Config) { c.RateLimit.TrustedProxies = []string{"10.0.0.0/8", "192.0.2.1"} }, false},
		{"bad trusted proxy", func(c *Config) { c.RateLimit.TrustedProxies = []string{"lb.internal"} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// flatten turns nested YAML mappings into dotted keys.
func flatten(prefix string, m map[string]any, out map[string]bool) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flatten(key, sub, out)
			continue
		}
		out[key] = true
	}
}

func TestShippedConfigCoversEveryKey(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "config", "config.yaml"))
	if err != nil {
		t.Fatalf("read shipped config: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parse shipped config: %v", err)
	}

	got := map[string]bool{}
	flatten("", doc, got)

	var missing, unknown []string
	for key := range defaults {
		if !got[key] {
			missing = append(missing, key)
		}
	}
	for key := range got {
		if _, ok := defaults[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	if len(missing) > 0 || len(unknown) > 0 {
		t.Errorf("config.yaml out of sync: missing %v, unknown %v", missing, unknown)
	}

	if _, err := Load(filepath.Join("..", "..", "config")); err != nil {
		t.Errorf("shipped config does not load: %v", err)
	}
}
