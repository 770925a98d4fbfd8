package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the chat node runtime parameters.
type Config struct {
	ListenAddress       string           `mapstructure:"listen_address"`
	AdminAddress        string           `mapstructure:"admin_address"`
	LogLevel            string           `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration    `mapstructure:"shutdown_grace_period"`
	TypingExpiry        time.Duration    `mapstructure:"typing_expiry"`
	Database            DatabaseConfig   `mapstructure:"database"`
	Encryption          EncryptionConfig `mapstructure:"encryption"`
	WebSocket           WebSocketConfig  `mapstructure:"websocket"`
}

// DatabaseConfig describes the SQLite conversation store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EncryptionConfig describes how message payloads are sealed at rest.
type EncryptionConfig struct {
	Scheme string `mapstructure:"scheme"`
	KeyEnv string `mapstructure:"key_env"`
}

// WebSocketConfig tunes the per-connection transport.
type WebSocketConfig struct {
	SendBuffer      int           `mapstructure:"send_buffer"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	MaxPayloadBytes int64         `mapstructure:"max_payload_bytes"`
}

const (
	defaultListenAddress       = "0.0.0.0:3001"
	defaultAdminAddress        = "127.0.0.1:9091"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultTypingExpiry        = 3 * time.Second
	defaultDatabasePath        = "data/chat.db"
	defaultEncryptionScheme    = "aes-cbc"
	defaultKeyEnv              = "BEACON_ENCRYPTION_KEY"
	defaultSendBuffer          = 32
	defaultPingInterval        = 25 * time.Second
	defaultPongWait            = 60 * time.Second
	defaultWriteWait           = 10 * time.Second
	defaultMaxPayloadBytes     = 1 << 20
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with BEACON_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BEACON")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("admin_address", defaultAdminAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("typing_expiry", defaultTypingExpiry.String())
	v.SetDefault("database.path", defaultDatabasePath)
	v.SetDefault("encryption.scheme", defaultEncryptionScheme)
	v.SetDefault("encryption.key_env", defaultKeyEnv)
	v.SetDefault("websocket.send_buffer", defaultSendBuffer)
	v.SetDefault("websocket.ping_interval", defaultPingInterval.String())
	v.SetDefault("websocket.pong_wait", defaultPongWait.String())
	v.SetDefault("websocket.write_wait", defaultWriteWait.String())
	v.SetDefault("websocket.max_payload_bytes", defaultMaxPayloadBytes)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	durations := []struct {
		key      string
		target   *time.Duration
		fallback time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod, defaultShutdownGracePeriod},
		{"typing_expiry", &cfg.TypingExpiry, defaultTypingExpiry},
		{"websocket.ping_interval", &cfg.WebSocket.PingInterval, defaultPingInterval},
		{"websocket.pong_wait", &cfg.WebSocket.PongWait, defaultPongWait},
		{"websocket.write_wait", &cfg.WebSocket.WriteWait, defaultWriteWait},
	}
	for _, d := range durations {
		if v.IsSet(d.key) {
			dur, err := time.ParseDuration(v.GetString(d.key))
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.target = dur
		} else {
			*d.target = d.fallback
		}
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = defaultDatabasePath
	}
	if cfg.Encryption.Scheme == "" {
		cfg.Encryption.Scheme = defaultEncryptionScheme
	}
	if cfg.Encryption.KeyEnv == "" {
		cfg.Encryption.KeyEnv = defaultKeyEnv
	}
	if cfg.TypingExpiry <= 0 {
		cfg.TypingExpiry = defaultTypingExpiry
	}
	if cfg.WebSocket.SendBuffer <= 0 {
		cfg.WebSocket.SendBuffer = defaultSendBuffer
	}
	if cfg.WebSocket.MaxPayloadBytes <= 0 {
		cfg.WebSocket.MaxPayloadBytes = defaultMaxPayloadBytes
	}

	return cfg, nil
}

// EncryptionKey fetches the payload encryption secret from the configured
// environment variable.
func (c Config) EncryptionKey() (string, error) {
	env := c.Encryption.KeyEnv
	if env == "" {
		env = defaultKeyEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("encryption key env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
