package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/soaringjerry/Renova/internal/attest"
)

// Config is the top-level configuration structure.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Oracle  OracleConfig  `mapstructure:"oracle"`
	Attest  AttestConfig  `mapstructure:"attest"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// PublicURL is the externally reachable base the oracle calls back on.
	PublicURL       string        `mapstructure:"public_url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Driver        string `mapstructure:"driver"`
	SQLitePath    string `mapstructure:"sqlite_path"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

type OracleConfig struct {
	URL            string        `mapstructure:"url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	DispatchSecret string        `mapstructure:"dispatch_secret"`
	CallbackSecret string        `mapstructure:"callback_secret"`
}

type AttestConfig struct {
	Scheme           string `mapstructure:"scheme"`
	HMACSecret       string `mapstructure:"hmac_secret"`
	Ed25519PublicKey string `mapstructure:"ed25519_public_key"`
	Issuer           string `mapstructure:"issuer"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type NotifyConfig struct {
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisChannel   string        `mapstructure:"redis_channel"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// LoggingConfig holds settings for the logger.
type LoggingConfig struct {
	Directory  string `mapstructure:"directory"`
	Level      string `mapstructure:"level"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	Console    bool   `mapstructure:"console"`
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.sqlite_path", "data/renova.db")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.migrations_dir", "")

	v.SetDefault("oracle.url", "")
	v.SetDefault("oracle.timeout", 10*time.Second)
	v.SetDefault("oracle.dispatch_secret", "")
	v.SetDefault("oracle.callback_secret", "")

	v.SetDefault("attest.scheme", attest.SchemeHMACSHA3)
	v.SetDefault("attest.hmac_secret", "")
	v.SetDefault("attest.ed25519_public_key", "")
	v.SetDefault("attest.issuer", "")

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("notify.redis_addr", "")
	v.SetDefault("notify.redis_channel", "renova.events")
	v.SetDefault("notify.publish_timeout", 2*time.Second)

	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size", 10) // MB
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 7) // days
	v.SetDefault("logging.compress", true)
	v.SetDefault("logging.console", true)
}

// Loader reads configuration from defaults, an optional config/config.yaml
// under projectRoot and RENOVA_* environment variables.
type Loader struct {
	v   *viper.Viper
	mu  sync.RWMutex
	cur *Config
}

func NewLoader(projectRoot string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.AddConfigPath(filepath.Join(projectRoot, "config"))
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RENOVA") // e.g. RENOVA_STORE_DRIVER
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Load reads and validates the configuration. A missing config file is not
// an error.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cur = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Current returns the most recently loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

// Watch reloads the config file on change. Invalid edits are logged and the
// previous configuration is kept. onChange may be nil.
func (l *Loader) Watch(log *zap.Logger, onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		log.Info("configuration file changed, reloading", zap.String("file", e.Name))
		cfg, err := l.decode()
		if err != nil {
			log.Error("reload configuration", zap.Error(err))
			return
		}
		l.mu.Lock()
		l.cur = cfg
		l.mu.Unlock()
		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	switch c.Attest.Scheme {
	case attest.SchemeHMACSHA3:
		if c.Attest.HMACSecret == "" {
			return errors.New("attest.hmac_secret is required for the hmac-sha3 scheme")
		}
	case attest.SchemeJWTEdDSA:
		if c.Attest.Ed25519PublicKey == "" {
			return errors.New("attest.ed25519_public_key is required for the jwt-eddsa scheme")
		}
	default:
		return fmt.Errorf("unknown attest.scheme %q", c.Attest.Scheme)
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Oracle.Timeout <= 0 {
		return errors.New("oracle.timeout must be positive")
	}
	if c.Notify.RedisAddr != "" && c.Notify.PublishTimeout <= 0 {
		return errors.New("notify.publish_timeout must be positive")
	}
	return nil
}
