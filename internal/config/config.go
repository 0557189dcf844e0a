package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the veckeep service configuration. Every filesystem location is
// an explicit field; nothing is derived by walking for a project root.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Paths   PathsConfig   `yaml:"paths"`
	Engine  EngineConfig  `yaml:"engine"`
	Backup  BackupConfig  `yaml:"backup"`
	Rename  RenameConfig  `yaml:"rename"`
	Cleanup CleanupConfig `yaml:"cleanup"`
	Notify  NotifyConfig  `yaml:"notify"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
}

// AuthConfig holds admin API authentication settings. An empty key list
// disables authentication.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds admin HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// PathsConfig pins every persisted location.
type PathsConfig struct {
	EngineDir          string `yaml:"engine_dir"`           // segment directories, one per collection
	MetaDB             string `yaml:"meta_db"`              // sqlite metadata database
	BackupDir          string `yaml:"backup_dir"`           // one subdirectory per backup id + index file
	QuarantineDir      string `yaml:"quarantine_dir"`       // unreconstructible orphaned directories
	PendingCleanupFile string `yaml:"pending_cleanup_file"` // deferred cleanup queue state
	VersionFile        string `yaml:"version_file"`         // version info record
	OperationLog       string `yaml:"operation_log"`        // append-only NDJSON audit trail
	MigrationLog       string `yaml:"migration_log"`        // append-only NDJSON migration log
}

// EngineConfig holds vector-engine settings.
type EngineConfig struct {
	DefaultDimension int `yaml:"default_dimension"`
}

// BackupConfig holds retention settings.
type BackupConfig struct {
	KeepDays  int `yaml:"keep_days"`
	KeepCount int `yaml:"keep_count"`
}

// RenameConfig holds background rename settings.
type RenameConfig struct {
	Workers         int `yaml:"workers"`
	PruneAfterSec   int `yaml:"prune_after_sec"`
	CleanupAttempts int `yaml:"cleanup_attempts"`
}

// CleanupConfig holds deferred-cleanup settings.
type CleanupConfig struct {
	MaxAttempts  int `yaml:"max_attempts"`
	KeepRecent   int `yaml:"keep_recent"`
	RetryDelayMS int `yaml:"retry_delay_ms"`
}

// NotifyConfig holds optional progress-sink settings. Empty addrs disable the
// Redis sink and progress goes to the log only.
type NotifyConfig struct {
	RedisAddrs    []string `yaml:"redis_addrs"`
	RedisPassword string   `yaml:"redis_password"`
	Channel       string   `yaml:"channel"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// Load reads configuration from a YAML file. ${VAR} and ${VAR:-default}
// references are expanded from the environment before parsing.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(path string) Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to
// "local". Used to pick the logger profile.
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// Default returns a configuration rooted at dataDir with every path filled in.
// Useful for tests and for running without a config file.
func Default(dataDir string) Config {
	cfg := Config{
		Paths: PathsConfig{
			EngineDir:          filepath.Join(dataDir, "engine"),
			MetaDB:             filepath.Join(dataDir, "meta.db"),
			BackupDir:          filepath.Join(dataDir, "backups"),
			QuarantineDir:      filepath.Join(dataDir, "quarantine"),
			PendingCleanupFile: filepath.Join(dataDir, "pending_cleanup.json"),
			VersionFile:        filepath.Join(dataDir, "version_info.json"),
			OperationLog:       filepath.Join(dataDir, "operations.log"),
			MigrationLog:       filepath.Join(dataDir, "migration.log"),
		},
	}
	cfg.HTTP.Port = 8730
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 30
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Engine.DefaultDimension <= 0 {
		c.Engine.DefaultDimension = 1024
	}
	if c.Backup.KeepDays <= 0 {
		c.Backup.KeepDays = 30
	}
	if c.Backup.KeepCount <= 0 {
		c.Backup.KeepCount = 10
	}
	if c.Rename.Workers <= 0 {
		c.Rename.Workers = 2
	}
	if c.Rename.PruneAfterSec <= 0 {
		c.Rename.PruneAfterSec = 300
	}
	if c.Rename.CleanupAttempts <= 0 {
		c.Rename.CleanupAttempts = 3
	}
	if c.Cleanup.MaxAttempts <= 0 {
		c.Cleanup.MaxAttempts = 5
	}
	if c.Cleanup.KeepRecent <= 0 {
		c.Cleanup.KeepRecent = 50
	}
	if c.Cleanup.RetryDelayMS <= 0 {
		c.Cleanup.RetryDelayMS = 1000
	}
	if c.Notify.Channel == "" {
		c.Notify.Channel = "veckeep:rename:progress"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	required := map[string]string{
		"paths.engine_dir":           c.Paths.EngineDir,
		"paths.meta_db":              c.Paths.MetaDB,
		"paths.backup_dir":           c.Paths.BackupDir,
		"paths.quarantine_dir":       c.Paths.QuarantineDir,
		"paths.pending_cleanup_file": c.Paths.PendingCleanupFile,
		"paths.version_file":         c.Paths.VersionFile,
		"paths.operation_log":        c.Paths.OperationLog,
		"paths.migration_log":        c.Paths.MigrationLog,
	}
	for field, val := range required {
		if strings.TrimSpace(val) == "" {
			return fmt.Errorf("%s is required", field)
		}
	}
	return nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
