package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	LocalStore   LocalStoreConfig
	Redis        RedisConfig
	Authority    AuthorityConfig
	Retry        RetryConfig
	SyncQueue    SyncQueueConfig
	Telemetry    TelemetryConfig
	Cron         CronConfig
	Admin        AdminConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Retry.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadClient parses only what the device-side sync agent needs; it has no server database.
func LoadClient() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg.App); err != nil {
		return nil, fmt.Errorf("parsing app config: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, &cfg.LocalStore); err != nil {
		return nil, fmt.Errorf("parsing local store config: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, &cfg.SyncQueue); err != nil {
		return nil, fmt.Errorf("parsing sync queue config: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, &cfg.Telemetry); err != nil {
		return nil, fmt.Errorf("parsing telemetry config: %w", err)
	}
	if strings.TrimSpace(cfg.SyncQueue.RemoteBaseURL) == "" {
		return nil, fmt.Errorf("%s is required", EnvSyncRemoteBaseURL)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"INVOICESYNC_APP_ENV" required:"true"`
	Port         string `envconfig:"INVOICESYNC_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"INVOICESYNC_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"INVOICESYNC_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"INVOICESYNC_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"INVOICESYNC_DB_DSN"`
	Driver string `envconfig:"INVOICESYNC_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"INVOICESYNC_DB_HOST"`
	LegacyPort     int    `envconfig:"INVOICESYNC_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"INVOICESYNC_DB_USER"`
	LegacyPassword string `envconfig:"INVOICESYNC_DB_PASSWORD"`
	LegacyName     string `envconfig:"INVOICESYNC_DB_NAME"`
	LegacySSLMode  string `envconfig:"INVOICESYNC_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"INVOICESYNC_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"INVOICESYNC_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"INVOICESYNC_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"INVOICESYNC_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// LocalStoreConfig points at the device-local sqlite database used by the sync queue.
type LocalStoreConfig struct {
	Path string `envconfig:"INVOICESYNC_LOCAL_STORE_PATH" default:"invoicesync-local.db"`
}

type RedisConfig struct {
	URL          string        `envconfig:"INVOICESYNC_REDIS_URL"`
	Address      string        `envconfig:"INVOICESYNC_REDIS_ADDR"`
	Password     string        `envconfig:"INVOICESYNC_REDIS_PASSWORD"`
	DB           int           `envconfig:"INVOICESYNC_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"INVOICESYNC_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"INVOICESYNC_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"INVOICESYNC_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"INVOICESYNC_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"INVOICESYNC_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether any Redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

type AuthorityConfig struct {
	BaseURL     string        `envconfig:"INVOICESYNC_AUTHORITY_BASE_URL"`
	Token       string        `envconfig:"INVOICESYNC_AUTHORITY_TOKEN"`
	Environment string        `envconfig:"INVOICESYNC_AUTHORITY_ENV" default:"sandbox"`
	Timeout     time.Duration `envconfig:"INVOICESYNC_AUTHORITY_TIMEOUT" default:"30s"`
	RatePerSec  float64       `envconfig:"INVOICESYNC_AUTHORITY_RATE_PER_SEC" default:"5"`
	RateBurst   int           `envconfig:"INVOICESYNC_AUTHORITY_RATE_BURST" default:"5"`
	VerifyURL   string        `envconfig:"INVOICESYNC_AUTHORITY_VERIFY_URL" default:"https://gw.fbr.gov.pk/verify"`
}

type RetryConfig struct {
	BatchSize          int           `envconfig:"INVOICESYNC_RETRY_BATCH_SIZE" default:"10"`
	PollInterval       time.Duration `envconfig:"INVOICESYNC_RETRY_POLL_INTERVAL" default:"1m"`
	MaxRetries         int           `envconfig:"INVOICESYNC_RETRY_MAX_RETRIES" default:"3"`
	BaseDelay          time.Duration `envconfig:"INVOICESYNC_RETRY_BASE_DELAY" default:"1m"`
	MaxDelay           time.Duration `envconfig:"INVOICESYNC_RETRY_MAX_DELAY" default:"1h"`
	Multiplier         float64       `envconfig:"INVOICESYNC_RETRY_MULTIPLIER" default:"2"`
	StaleLockThreshold time.Duration `envconfig:"INVOICESYNC_RETRY_STALE_LOCK_THRESHOLD" default:"5m"`
	Workers            int           `envconfig:"INVOICESYNC_RETRY_WORKERS" default:"1"`
}

func (r RetryConfig) validate() error {
	switch {
	case r.BatchSize < 1:
		return fmt.Errorf("%s must be positive", EnvRetryBatchSize)
	case r.Workers < 1:
		return fmt.Errorf("%s must be positive", EnvRetryWorkers)
	case r.MaxRetries < 1:
		return fmt.Errorf("%s must be positive", EnvRetryMaxRetries)
	case r.Multiplier < 1:
		return fmt.Errorf("%s must be at least 1", EnvRetryMultiplier)
	}
	return nil
}

type SyncQueueConfig struct {
	RemoteBaseURL  string        `envconfig:"INVOICESYNC_SYNC_REMOTE_BASE_URL"`
	RemoteToken    string        `envconfig:"INVOICESYNC_SYNC_REMOTE_TOKEN"`
	DrainInterval  time.Duration `envconfig:"INVOICESYNC_SYNC_DRAIN_INTERVAL" default:"30s"`
	RetryCeiling   int           `envconfig:"INVOICESYNC_SYNC_RETRY_CEILING" default:"5"`
	BaseDelay      time.Duration `envconfig:"INVOICESYNC_SYNC_BASE_DELAY" default:"5s"`
	MaxDelay       time.Duration `envconfig:"INVOICESYNC_SYNC_MAX_DELAY" default:"10m"`
	JitterFraction float64       `envconfig:"INVOICESYNC_SYNC_JITTER_FRACTION" default:"0.3"`
	MaxAge         time.Duration `envconfig:"INVOICESYNC_SYNC_MAX_AGE" default:"168h"`
	RequestTimeout time.Duration `envconfig:"INVOICESYNC_SYNC_REQUEST_TIMEOUT" default:"30s"`
	ProbeURL       string        `envconfig:"INVOICESYNC_SYNC_PROBE_URL"`
	ProbeInterval  time.Duration `envconfig:"INVOICESYNC_SYNC_PROBE_INTERVAL" default:"15s"`
}

type TelemetryConfig struct {
	Window   time.Duration `envconfig:"INVOICESYNC_TELEMETRY_WINDOW" default:"24h"`
	CacheTTL time.Duration `envconfig:"INVOICESYNC_TELEMETRY_CACHE_TTL" default:"30s"`

	// MetricsAddr, when set, makes background workers serve /metrics on it.
	MetricsAddr string `envconfig:"INVOICESYNC_TELEMETRY_METRICS_ADDR"`
}

type CronConfig struct {
	Interval               time.Duration `envconfig:"INVOICESYNC_CRON_INTERVAL" default:"24h"`
	AttemptRetentionDays   int           `envconfig:"INVOICESYNC_CRON_ATTEMPT_RETENTION_DAYS" default:"90"`
	TelemetrySnapshotEvery time.Duration `envconfig:"INVOICESYNC_CRON_TELEMETRY_INTERVAL" default:"1m"`
}

// AdminConfig guards the operator endpoints. An empty token leaves them open (dev only).
type AdminConfig struct {
	Token       string        `envconfig:"INVOICESYNC_ADMIN_TOKEN"`
	ResetLimit  int           `envconfig:"INVOICESYNC_ADMIN_RESET_LIMIT" default:"5"`
	ResetWindow time.Duration `envconfig:"INVOICESYNC_ADMIN_RESET_WINDOW" default:"1h"`
}

// RequireAdminToken fails in prod when the operator endpoints would be left open.
func (c *Config) RequireAdminToken() error {
	if c.App.IsProd() && strings.TrimSpace(c.Admin.Token) == "" {
		return fmt.Errorf("%s is required in prod", EnvAdminToken)
	}
	return nil
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"INVOICESYNC_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
