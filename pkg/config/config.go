// Package config provides YAML-based configuration loading for meshrpc.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// NodeName is the logical name of the local node, exchanged during handshake.
	NodeName string `mapstructure:"node_name"`

	// ClusterName the peer must advertise during handshake.
	ClusterName string `mapstructure:"cluster_name"`

	// Log holds logging configuration.
	Log LogConfig `mapstructure:"log"`

	// Transport selects the link kind and bind address.
	Transport TransportConfig `mapstructure:"transport"`

	// RPC holds request-lifecycle tunables.
	RPC RPCConfig `mapstructure:"rpc"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// TransportConfig selects the transport kind and addresses.
type TransportConfig struct {
	// Kind: tcp, quic or mem
	Kind string `mapstructure:"kind"`
	// Listen is the bind address (host:port for tcp/quic)
	Listen string `mapstructure:"listen"`
}

// RPCConfig holds request-lifecycle tunables.
type RPCConfig struct {
	// HandshakeTimeout bounds the identity exchange on new connections.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	// Workers sizes the generic executor pool.
	Workers int `mapstructure:"workers"`
	// QueueSize bounds each executor queue.
	QueueSize int `mapstructure:"queue_size"`
	// TraceInclude/TraceExclude are wildcard patterns controlling per-message
	// trace logging.
	TraceInclude []string `mapstructure:"trace_include"`
	TraceExclude []string `mapstructure:"trace_exclude"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		NodeName:    "node-1",
		ClusterName: "meshrpc",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/meshrpc.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Transport: TransportConfig{
			Kind:   "tcp",
			Listen: ":7600",
		},
		RPC: RPCConfig{
			HandshakeTimeout: 10 * time.Second,
			Workers:          8,
			QueueSize:        1024,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix MESHRPC and `.`/`-` are replaced
// with `_`. Example: MESHRPC_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MESHRPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("node_name", cfg.NodeName)
	v.SetDefault("cluster_name", cfg.ClusterName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.listen", cfg.Transport.Listen)
	v.SetDefault("rpc.handshake_timeout", cfg.RPC.HandshakeTimeout)
	v.SetDefault("rpc.workers", cfg.RPC.Workers)
	v.SetDefault("rpc.queue_size", cfg.RPC.QueueSize)
	v.SetDefault("rpc.trace_include", cfg.RPC.TraceInclude)
	v.SetDefault("rpc.trace_exclude", cfg.RPC.TraceExclude)

	if path == "" {
		if envPath := os.Getenv("MESHRPC_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("meshrpc")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".meshrpc"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.NodeName) == "" {
		c.NodeName = "node-1"
	}
	if strings.TrimSpace(c.ClusterName) == "" {
		c.ClusterName = "meshrpc"
	}
	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	switch c.Transport.Kind {
	case "tcp", "quic", "mem":
		// ok
	default:
		return fmt.Errorf("invalid transport.kind: %q", c.Transport.Kind)
	}
	if c.RPC.Workers <= 0 {
		c.RPC.Workers = 8
	}
	if c.RPC.QueueSize <= 0 {
		c.RPC.QueueSize = 1024
	}
	if c.RPC.HandshakeTimeout <= 0 {
		c.RPC.HandshakeTimeout = 10 * time.Second
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
