// Package config provides configuration management for rdmalink.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (RDMALINK_* prefix)
//  3. Configuration file (rdmalink.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("/etc/rdmalink/rdmalink.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// minChunkSize matches the smallest chunk a receiver accepts for a layer
// that spans several chunks.
const minChunkSize = 512

// Config holds all configuration for rdmalink
type Config struct {
	RDMA     RDMAConfig     `mapstructure:"rdma" yaml:"rdma"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Client   ClientConfig   `mapstructure:"client" yaml:"client"`
	Transfer TransferConfig `mapstructure:"transfer" yaml:"transfer"`
	Admin    AdminConfig    `mapstructure:"admin" yaml:"admin"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// RDMAConfig holds RDMA transport configuration
type RDMAConfig struct {
	// Backend selects the verbs implementation: simulated or hardware
	Backend string `mapstructure:"backend" yaml:"backend"`

	// DeviceName is the RDMA device name (e.g., "mlx5_0")
	DeviceName string `mapstructure:"device_name" yaml:"device_name"`

	// SysfsRoot is where GID tables are read from
	SysfsRoot string `mapstructure:"sysfs_root" yaml:"sysfs_root"`

	// Port is the device port number
	Port int `mapstructure:"port" yaml:"port"`

	// SlotSize is the size of one send or receive slot, rounded up to the page size
	SlotSize int `mapstructure:"slot_size" yaml:"slot_size"`

	// SlotCount is the number of buffer pairs per connection
	SlotCount int `mapstructure:"slot_count" yaml:"slot_count"`
}

// ServerConfig holds bootstrap listener configuration
type ServerConfig struct {
	// ListenAddress is the TCP address handshakes are accepted on
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`

	// Loops is the number of event loops connections are spread over
	Loops int `mapstructure:"loops" yaml:"loops"`
}

// ClientConfig holds bootstrap dialer configuration
type ClientConfig struct {
	PeerAddress   string        `mapstructure:"peer_address" yaml:"peer_address"`
	RetryAttempts int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay"`
}

// TransferConfig holds layer transfer configuration
type TransferConfig struct {
	// Compression is none, zstd, lz4 or gzip
	Compression string `mapstructure:"compression" yaml:"compression"`

	// OutputDir is where received layers are written
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`

	// Level is the compression level, 0 for the algorithm default
	Level int `mapstructure:"level" yaml:"level"`

	// ChunkSize caps the payload of one chunk; 0 fills the slot
	ChunkSize int `mapstructure:"chunk_size" yaml:"chunk_size"`

	// Timeout bounds one whole layer transfer
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// MaxLayerSize is the largest layer the receiver accepts, in bytes
	MaxLayerSize int64 `mapstructure:"max_layer_size" yaml:"max_layer_size"`
}

// AdminConfig holds the admin HTTP endpoint configuration
type AdminConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
}

// Options are command line overrides
type Options struct {
	Backend       string
	DeviceName    string
	ListenAddress string
	PeerAddress   string
	AdminAddress  string
	OutputDir     string
	LogLevel      string
}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load from config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Try to find config in standard locations
		v.SetConfigName("rdmalink")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rdmalink")
		v.AddConfigPath("$HOME/.rdmalink")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	// Environment variables override
	v.SetEnvPrefix("RDMALINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Apply command line options
	overrides := map[string]string{
		"rdma.backend":          opts.Backend,
		"rdma.device_name":      opts.DeviceName,
		"server.listen_address": opts.ListenAddress,
		"client.peer_address":   opts.PeerAddress,
		"admin.address":         opts.AdminAddress,
		"transfer.output_dir":   opts.OutputDir,
		"log_level":             opts.LogLevel,
	}
	for key, value := range overrides {
		if value != "" {
			v.Set(key, value)
		}
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// RDMA defaults
	v.SetDefault("rdma.backend", "simulated")
	v.SetDefault("rdma.device_name", "mlx5_0")
	v.SetDefault("rdma.sysfs_root", "/sys")
	v.SetDefault("rdma.port", 1)
	v.SetDefault("rdma.slot_size", 64*1024)
	v.SetDefault("rdma.slot_count", 16)

	// Bootstrap
	v.SetDefault("server.listen_address", ":18515")
	v.SetDefault("server.loops", 2)
	v.SetDefault("client.peer_address", "127.0.0.1:18515")
	v.SetDefault("client.retry_attempts", 5)
	v.SetDefault("client.retry_delay", 100*time.Millisecond)
	v.SetDefault("client.max_retry_delay", 5*time.Second)

	// Layer transfer
	v.SetDefault("transfer.compression", "zstd")
	v.SetDefault("transfer.level", 0)
	v.SetDefault("transfer.chunk_size", 0)
	v.SetDefault("transfer.output_dir", "./layers")
	v.SetDefault("transfer.timeout", 5*time.Minute)
	v.SetDefault("transfer.max_layer_size", int64(64)<<30)

	// Admin endpoint
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.address", ":9464")

	// Logging
	v.SetDefault("log_level", "info")
}

func (c *Config) validate() error {
	switch c.RDMA.Backend {
	case "simulated", "hardware":
	default:
		return fmt.Errorf("invalid rdma.backend %q: must be simulated or hardware", c.RDMA.Backend)
	}

	if c.RDMA.DeviceName == "" {
		return fmt.Errorf("rdma.device_name is required")
	}

	if c.RDMA.Port < 1 {
		return fmt.Errorf("invalid rdma.port %d: ports are numbered from 1", c.RDMA.Port)
	}

	if c.RDMA.SlotSize <= 0 || c.RDMA.SlotCount <= 0 {
		return fmt.Errorf("rdma.slot_size and rdma.slot_count must be positive")
	}

	if c.Server.Loops < 1 {
		c.Server.Loops = 1
	}

	if c.Client.RetryAttempts < 0 {
		return fmt.Errorf("client.retry_attempts cannot be negative")
	}

	switch c.Transfer.Compression {
	case "none", "zstd", "lz4", "gzip":
	default:
		return fmt.Errorf("invalid transfer.compression %q", c.Transfer.Compression)
	}

	if c.Transfer.ChunkSize < 0 || c.Transfer.ChunkSize > c.RDMA.SlotSize {
		return fmt.Errorf("transfer.chunk_size %d must be between 0 and rdma.slot_size %d",
			c.Transfer.ChunkSize, c.RDMA.SlotSize)
	}

	if c.Transfer.ChunkSize > 0 && c.Transfer.ChunkSize < minChunkSize {
		return fmt.Errorf("transfer.chunk_size %d is below the minimum of %d bytes",
			c.Transfer.ChunkSize, minChunkSize)
	}

	if c.Transfer.MaxLayerSize <= 0 {
		return fmt.Errorf("transfer.max_layer_size must be positive")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	return nil
}

// EnsureOutputDir creates the layer output directory with secure permissions
func (c *Config) EnsureOutputDir() error {
	if err := os.MkdirAll(c.Transfer.OutputDir, 0750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	return nil
}

// Level returns the zerolog level for LogLevel
func (c *Config) Level() zerolog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
