// Package config loads server settings from defaults, an optional
// config.yaml and ROOMCHAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/christopherjohns/roomchat/internal/logging"
	"github.com/christopherjohns/roomchat/internal/ratelimit"
)

const envPrefix = "ROOMCHAT"

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Chat      ChatConfig      `mapstructure:"chat"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       logging.Config  `mapstructure:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// ChatConfig holds room and input limits for the presence engine.
type ChatConfig struct {
	DefaultRooms      []string `mapstructure:"default_rooms"`
	HistorySize       int      `mapstructure:"history_size"`
	MaxUsernameLength int      `mapstructure:"max_username_length"`
	MaxRoomNameLength int      `mapstructure:"max_room_name_length"`
	MaxMessageLength  int      `mapstructure:"max_message_length"`
}

// WebSocketConfig tunes the connection manager and origin checks.
type WebSocketConfig struct {
	SendBuffer     int           `mapstructure:"send_buffer"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxConns       int           `mapstructure:"max_conns"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// RateLimitConfig throttles WebSocket connection attempts per client IP.
// Forwarding headers are only honored from TrustedProxies, given as
// addresses or CIDR prefixes.
type RateLimitConfig struct {
	ConnectsPerWindow int           `mapstructure:"connects_per_window"`
	Window            time.Duration `mapstructure:"window"`
	TrustedProxies    []string      `mapstructure:"trusted_proxies"`
}

// RedisConfig points at the optional history mirror. An empty Address
// disables it.
type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	QueueSize int    `mapstructure:"queue_size"`
}

// Enabled reports whether the mirror should run.
func (r RedisConfig) Enabled() bool {
	return r.Address != ""
}

var defaults = map[string]any{
	"server.address":             ":8080",
	"server.read_header_timeout": "10s",
	"server.shutdown_timeout":    "10s",

	"chat.default_rooms":         []string{"General", "Technology", "Random"},
	"chat.history_size":          100,
	"chat.max_username_length":   20,
	"chat.max_room_name_length":  30,
	"chat.max_message_length":    2000,

	"websocket.send_buffer":     16,
	"websocket.write_timeout":   "5s",
	"websocket.idle_timeout":    "0s",
	"websocket.max_conns":       0,
	"websocket.allowed_origins": []string{},

	"ratelimit.connects_per_window": 30,
	"ratelimit.window":              "1m",
	"ratelimit.trusted_proxies":     []string{},

	"redis.address":    "",
	"redis.password":   "",
	"redis.db":         0,
	"redis.key_prefix": "roomchat",
	"redis.queue_size": 256,

	"log.level":        "info",
	"log.pretty":       false,
	"log.service_name": "roomchat",
}

// Load reads config.yaml from the given directories, then "." and
// "./config". A missing file is not an error.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Chat.DefaultRooms = splitList(cfg.Chat.DefaultRooms)
	cfg.WebSocket.AllowedOrigins = splitList(cfg.WebSocket.AllowedOrigins)
	cfg.RateLimit.TrustedProxies = splitList(cfg.RateLimit.TrustedProxies)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Chat.HistorySize <= 0 {
		return fmt.Errorf("chat.history_size must be positive, got %d", c.Chat.HistorySize)
	}
	if len(c.Chat.DefaultRooms) == 0 {
		return errors.New("chat.default_rooms must not be empty")
	}
	seen := make(map[string]bool, len(c.Chat.DefaultRooms))
	for _, name := range c.Chat.DefaultRooms {
		if name == "" {
			return errors.New("chat.default_rooms contains an empty name")
		}
		if seen[name] {
			return fmt.Errorf("chat.default_rooms lists %q twice", name)
		}
		seen[name] = true
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be positive, got %s", c.RateLimit.Window)
	}
	if _, err := ratelimit.ParseTrustedProxies(c.RateLimit.TrustedProxies); err != nil {
		return fmt.Errorf("ratelimit.trusted_proxies: %w", err)
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("websocket.send_buffer must be positive, got %d", c.WebSocket.SendBuffer)
	}
	return nil
}

// splitList trims entries and expands comma-separated ones, which is how
// list values arrive from environment variables.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
