// Package config provides configuration management for the Chat Runner.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/chatrunner/chatrunner/internal/common/constants"
)

// Config holds all configuration sections for the Chat Runner.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Events      EventsConfig      `mapstructure:"events"`
	Docker      DockerConfig      `mapstructure:"docker"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Runner      RunnerConfig      `mapstructure:"runner"`
	Compression CompressionConfig `mapstructure:"compression"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration, used only as an optional
// multi-instance event-bus bridge; an empty URL keeps the bus in-memory.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	Namespace string `mapstructure:"namespace"`
	// BufferSize bounds the per-session subscriber channel.
	BufferSize int `mapstructure:"bufferSize"`
}

// DockerConfig holds Docker client configuration for optional container-isolated
// executor spawning.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	Image          string `mapstructure:"image"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RunnerConfig holds Chat Runner execution limits.
type RunnerConfig struct {
	// AssetDir is the root directory under which per-run directories are created.
	AssetDir string `mapstructure:"assetDir"`
	// MaxAgentChainDepth bounds agent-to-agent mention chains.
	MaxAgentChainDepth int `mapstructure:"maxAgentChainDepth"`
	// SpawnTimeoutSeconds bounds how long a spawned executor may run before cancellation.
	SpawnTimeoutSeconds int `mapstructure:"spawnTimeoutSeconds"`
	// ExitPollIntervalMillis is the cooperative exit-poll cadence.
	ExitPollIntervalMillis int `mapstructure:"exitPollIntervalMillis"`
}

// CompressionConfig holds default context-compression thresholds.
type CompressionConfig struct {
	TokenThreshold        int64 `mapstructure:"tokenThreshold"`
	CompressionPercentage int   `mapstructure:"compressionPercentage"`
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CHATRUNNER_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./chatrunner.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "chatrunner")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "chatrunner")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "chat-runner-cluster")
	v.SetDefault("nats.clientId", "chat-runner")
	v.SetDefault("nats.maxReconnects", 10)

	// Events defaults
	v.SetDefault("events.namespace", "")
	v.SetDefault("events.bufferSize", 1024)

	// Docker defaults
	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.defaultNetwork", "chat-runner-network")
	v.SetDefault("docker.image", "chat-runner/executor-sandbox:latest")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Runner defaults
	v.SetDefault("runner.assetDir", "./.chat-runner/runs")
	v.SetDefault("runner.maxAgentChainDepth", 5)
	v.SetDefault("runner.spawnTimeoutSeconds", 900)
	v.SetDefault("runner.exitPollIntervalMillis", int(constants.ExitPollInterval/time.Millisecond))

	// Compression defaults
	v.SetDefault("compression.tokenThreshold", constants.DefaultCompressionTokenThreshold)
	v.SetDefault("compression.compressionPercentage", constants.DefaultCompressionPercentage)
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CHATRUNNER_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CHATRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "CHATRUNNER_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "CHATRUNNER_EVENTS_NAMESPACE")
	_ = v.BindEnv("runner.assetDir", "CHATRUNNER_ASSET_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/chat-runner/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Runner.MaxAgentChainDepth <= 0 {
		errs = append(errs, "runner.maxAgentChainDepth must be positive")
	}
	if cfg.Compression.CompressionPercentage <= 0 || cfg.Compression.CompressionPercentage > 100 {
		errs = append(errs, "compression.compressionPercentage must be between 1 and 100")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ExpandAssetDir resolves a leading "~" in AssetDir to the user's home directory.
func (r *RunnerConfig) ExpandAssetDir() string {
	if !strings.HasPrefix(r.AssetDir, "~") {
		return r.AssetDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return r.AssetDir
	}
	return filepath.Join(home, strings.TrimPrefix(r.AssetDir, "~"))
}
