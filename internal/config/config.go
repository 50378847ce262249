// Package config loads bizsync settings from a YAML file and BIZSYNC_*
// environment variables.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/c0deZ3R0/bizsync/logging"
)

// EnvPrefix prefixes every environment variable; "sync.debounce" is read
// from BIZSYNC_SYNC_DEBOUNCE.
const EnvPrefix = "BIZSYNC"

// FileName is the config file name searched for without an explicit path.
const FileName = "bizsync"

// Config is the complete bizsync configuration.
type Config struct {
	// DataDir holds the local replica.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// Database is the SQLite file of the local replica. Relative paths are
	// resolved against DataDir.
	Database string `mapstructure:"database" yaml:"database"`
	// LocalQuota caps the local replica in bytes.
	LocalQuota int64 `mapstructure:"local_quota" yaml:"local_quota"`

	Sync   Sync           `mapstructure:"sync" yaml:"sync"`
	Remote Remote         `mapstructure:"remote" yaml:"remote"`
	Server Server         `mapstructure:"server" yaml:"server"`
	Log    logging.Config `mapstructure:"log" yaml:"log"`
}

// Sync tunes the coordinator and the local store.
type Sync struct {
	Debounce         time.Duration `mapstructure:"debounce" yaml:"debounce"`
	Heartbeat        time.Duration `mapstructure:"heartbeat" yaml:"heartbeat"`
	StartupTimeout   time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	// TieBreak is "local" or "content".
	TieBreak    string `mapstructure:"tie_break" yaml:"tie_break"`
	ActivityCap int    `mapstructure:"activity_cap" yaml:"activity_cap"`
	QuotaFloor  int    `mapstructure:"quota_floor" yaml:"quota_floor"`
	Watch       bool   `mapstructure:"watch" yaml:"watch"`
}

// Remote names the shared document.
type Remote struct {
	// DSN is a remote/dsn connection string.
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
	Account string `mapstructure:"account" yaml:"account"`
	// Token is the bearer token presented to document servers.
	Token string `mapstructure:"token" yaml:"token"`
	// Secret verifies tokens locally. Empty accepts every session.
	Secret   string `mapstructure:"secret" yaml:"secret"`
	MaxBytes int    `mapstructure:"max_bytes" yaml:"max_bytes"`
}

// Server configures `bizsync serve`.
type Server struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
	// Store is "memory", a directory, or a postgres:// connection string.
	Store          string `mapstructure:"store" yaml:"store"`
	Secret         string `mapstructure:"secret" yaml:"secret"`
	MaxRequestSize int64  `mapstructure:"max_request_size" yaml:"max_request_size"`
	Metrics        bool   `mapstructure:"metrics" yaml:"metrics"`
}

// SetDefaults registers every key with its default. Keys unknown to viper
// are not read from the environment, so each one needs a default.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("database", "bizsync.db")
	v.SetDefault("local_quota", 5*1024*1024)

	v.SetDefault("sync.debounce", 3*time.Second)
	v.SetDefault("sync.heartbeat", 45*time.Second)
	v.SetDefault("sync.startup_timeout", 5*time.Second)
	v.SetDefault("sync.operation_timeout", 30*time.Second)
	v.SetDefault("sync.tie_break", "local")
	v.SetDefault("sync.activity_cap", 500)
	v.SetDefault("sync.quota_floor", 5)
	v.SetDefault("sync.watch", true)

	v.SetDefault("remote.dsn", "memory://")
	v.SetDefault("remote.account", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.secret", "")
	v.SetDefault("remote.max_bytes", 0)

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.store", "memory")
	v.SetDefault("server.secret", "")
	v.SetDefault("server.max_request_size", 10*1024*1024)
	v.SetDefault("server.metrics", true)

	// BIZSYNC_ENV presets apply underneath explicit log settings.
	logDefaults := logging.GetConfigFromEnv()
	v.SetDefault("log.level", logDefaults.Level)
	v.SetDefault("log.format", logDefaults.Format)
	v.SetDefault("log.add_source", logDefaults.AddSource)
	v.SetDefault("log.environment", logDefaults.Environment)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, or the first bizsync.yaml found in the working directory
// and the user config directory when path is empty. A missing file is not an
// error unless path names it explicitly.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "bizsync"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !stderrors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Sync.Debounce <= 0 {
		errs = append(errs, fmt.Errorf("sync.debounce must be positive, got %s", c.Sync.Debounce))
	}
	if c.Sync.Heartbeat <= 0 {
		errs = append(errs, fmt.Errorf("sync.heartbeat must be positive, got %s", c.Sync.Heartbeat))
	}
	if c.Sync.StartupTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sync.startup_timeout must be positive, got %s", c.Sync.StartupTimeout))
	}
	if c.Sync.ActivityCap <= 0 {
		errs = append(errs, fmt.Errorf("sync.activity_cap must be positive, got %d", c.Sync.ActivityCap))
	}
	if c.Sync.QuotaFloor < 0 || c.Sync.QuotaFloor > c.Sync.ActivityCap {
		errs = append(errs, fmt.Errorf("sync.quota_floor must be between 0 and activity_cap, got %d", c.Sync.QuotaFloor))
	}
	switch c.Sync.TieBreak {
	case "local", "content":
	default:
		errs = append(errs, fmt.Errorf("sync.tie_break must be local or content, got %q", c.Sync.TieBreak))
	}
	if c.LocalQuota < 0 {
		errs = append(errs, fmt.Errorf("local_quota must not be negative, got %d", c.LocalQuota))
	}
	return stderrors.Join(errs...)
}

// DatabasePath returns the SQLite path of the local replica.
func (c *Config) DatabasePath() string {
	if c.Database == ":memory:" || filepath.IsAbs(c.Database) {
		return c.Database
	}
	return filepath.Join(c.DataDir, c.Database)
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "bizsync")
	}
	return ".bizsync"
}
