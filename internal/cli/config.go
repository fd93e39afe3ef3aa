package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/cheap/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"
	envPrefix      = "CHEAP"

	cfgKeyBackend  = "backend"
	cfgKeyDSN      = "dsn"
	cfgKeyDataDir  = "data_dir"
	cfgKeyLogLevel = "log_level"

	defaultLogLevel = "warn"
)

// configHeader prefixes the config.yaml written by init.
const configHeader = `# cheap configuration
#
# Every key may be overridden by an environment variable named CHEAP_<KEY>,
# e.g. CHEAP_BACKEND or CHEAP_POOL_MAX_OPEN_CONNS.
#
# pool:  max_open_conns, max_idle_conns, conn_max_lifetime, acquire_timeout
# retry: max_retries, initial_backoff, max_backoff

`

// configFile holds the keys written to config.yaml.
type configFile struct {
	Backend  string `yaml:"backend"`
	DSN      string `yaml:"dsn,omitempty"`
	DataDir  string `yaml:"data_dir,omitempty"`
	LogLevel string `yaml:"log_level"`
}

// loadConfig reads config.yaml from the resolved config directory and sets up
// logging. A missing config.yaml is not an error.
func (a *app) loadConfig() error {
	dir, err := a.resolveConfigDir()
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}

	v := viper.New()
	v.SetDefault(cfgKeyBackend, types.BackendSQLite)
	v.SetDefault(cfgKeyDSN, "")
	v.SetDefault(cfgKeyDataDir, "")
	v.SetDefault(cfgKeyLogLevel, defaultLogLevel)
	v.SetDefault("pool.max_open_conns", types.DefaultMaxOpenConns)
	v.SetDefault("pool.max_idle_conns", types.DefaultMaxIdleConns)
	v.SetDefault("pool.conn_max_lifetime", "0s")
	v.SetDefault("pool.acquire_timeout", types.DefaultAcquireTimeout.String())
	v.SetDefault("retry.max_retries", types.DefaultMaxRetries)
	v.SetDefault("retry.initial_backoff", types.DefaultInitialBackoff.String())
	v.SetDefault("retry.max_backoff", types.DefaultMaxBackoff.String())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	a.v = v

	level := slog.LevelDebug
	if !a.flags.verbose {
		if err := level.UnmarshalText([]byte(v.GetString(cfgKeyLogLevel))); err != nil {
			return usageErrorf("log_level: %v", err)
		}
	}
	a.log = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))
	return nil
}

// storeConfig builds the backend Config: config.yaml and CHEAP_* variables,
// then the --backend and --dsn flags. SQLite without a DSN uses the resolved
// data directory.
func (a *app) storeConfig() (types.Config, error) {
	var cfg types.Config
	if err := a.v.Unmarshal(&cfg); err != nil {
		return cfg, usageErrorf("decode config: %v", err)
	}
	if a.flags.backend != "" {
		cfg.Backend = a.flags.backend
	}
	if a.flags.dsn != "" {
		cfg.DSN = a.flags.dsn
	}
	if cfg.Backend == types.BackendSQLite && cfg.DSN == "" {
		dir, err := a.resolveDataDir()
		if err != nil {
			return cfg, fmt.Errorf("resolve data dir: %w", err)
		}
		cfg.DataDir = dir
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// writeConfigIfMissing creates config.yaml in dir unless it exists. It
// reports whether a file was written.
func writeConfigIfMissing(dir string, cf configFile) (bool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create config directory: %w", err)
	}
	path := filepath.Join(dir, configFileExt)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat config file: %w", err)
	}

	data, err := yaml.Marshal(&cf)
	if err != nil {
		return false, fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(configHeader), data...), 0o644); err != nil {
		return false, err
	}
	return true, nil
}
