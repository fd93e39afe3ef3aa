package types

import (
	"errors"
	"time"
)

// Config holds backend selection and parameters for Store.Attach.
type Config struct {
	Backend string `json:"backend" yaml:"backend" mapstructure:"backend"`
	// DSN is the driver connection string. Required for postgres and mysql;
	// for sqlite it defaults to DataDir/cheap.db.
	DSN     string      `json:"dsn,omitempty" yaml:"dsn,omitempty" mapstructure:"dsn"`
	DataDir string      `json:"data_dir,omitempty" yaml:"data_dir,omitempty" mapstructure:"data_dir"`
	Pool    PoolConfig  `json:"pool" yaml:"pool" mapstructure:"pool"`
	Retry   RetryConfig `json:"retry" yaml:"retry" mapstructure:"retry"`
}

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	// AcquireTimeout bounds how long an operation waits for a free
	// connection before failing with PoolTimeoutError.
	AcquireTimeout time.Duration `json:"acquire_timeout" yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
}

// RetryConfig bounds the retry loop for transient storage failures.
type RetryConfig struct {
	MaxRetries     int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff" mapstructure:"max_backoff"`
}

// Supported backend names.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
)

// Defaults applied by WithDefaults.
const (
	DefaultMaxOpenConns   = 10
	DefaultMaxIdleConns   = 2
	DefaultAcquireTimeout = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 50 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
)

// Config validation errors.
var (
	ErrBackendEmpty   = errors.New("backend must not be empty")
	ErrBackendUnknown = errors.New("unknown backend")
	ErrDSNRequired    = errors.New("dsn is required for this backend")
	ErrPoolInvalid    = errors.New("pool limits must not be negative")
	ErrRetryInvalid   = errors.New("retry limits must not be negative")
)

// knownBackends lists the backends that Validate accepts.
var knownBackends = map[string]bool{
	BackendSQLite:   true,
	BackendPostgres: true,
	BackendMySQL:    true,
}

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package on failure.
func (c Config) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if !knownBackends[c.Backend] {
		return ErrBackendUnknown
	}
	if c.Backend != BackendSQLite && c.DSN == "" {
		return ErrDSNRequired
	}
	p := c.Pool
	if p.MaxOpenConns < 0 || p.MaxIdleConns < 0 || p.ConnMaxLifetime < 0 || p.AcquireTimeout < 0 {
		return ErrPoolInvalid
	}
	r := c.Retry
	if r.MaxRetries < 0 || r.InitialBackoff < 0 || r.MaxBackoff < 0 {
		return ErrRetryInvalid
	}
	return nil
}

// WithDefaults fills zero pool and retry fields.
func (c Config) WithDefaults() Config {
	if c.Pool.MaxOpenConns == 0 {
		c.Pool.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.Pool.MaxIdleConns == 0 {
		c.Pool.MaxIdleConns = min(DefaultMaxIdleConns, c.Pool.MaxOpenConns)
	}
	if c.Pool.AcquireTimeout == 0 {
		c.Pool.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = DefaultMaxRetries
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = DefaultInitialBackoff
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = DefaultMaxBackoff
	}
	return c
}
