// Package config loads the knowledge-graph pipeline's configuration from
// the environment, with an optional YAML file as an override layer.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server that serves the webhook, the
// subscription endpoint, the status-change endpoint, and the
// migration-request endpoint.
type ServerConfig struct {
	Host string `yaml:"host" env:"SERVER_HOST,default=0.0.0.0"`
	Port int    `yaml:"port" env:"SERVER_PORT,default=8080"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig controls the event-log Postgres connection.
type DatabaseConfig struct {
	URL             string `yaml:"url" env:"EVENT_LOG_URL"`
	Host            string `yaml:"host" env:"EVENT_LOG_POSTGRES_HOST,default=localhost"`
	Port            int    `yaml:"port" env:"EVENT_LOG_POSTGRES_PORT,default=5432"`
	User            string `yaml:"user" env:"EVENT_LOG_POSTGRES_USER,default=renku"`
	Password        string `yaml:"password" env:"EVENT_LOG_POSTGRES_PASSWORD"`
	Name            string `yaml:"name" env:"EVENT_LOG_POSTGRES_NAME,default=event_log"`
	SSLMode         string `yaml:"sslmode" env:"EVENT_LOG_POSTGRES_SSLMODE,default=disable"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"EVENT_LOG_POSTGRES_MAX_OPEN_CONNS,default=20"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"EVENT_LOG_POSTGRES_MAX_IDLE_CONNS,default=10"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds" env:"EVENT_LOG_POSTGRES_CONN_MAX_LIFETIME,default=300"`
	MigrateOnStart  bool   `yaml:"migrate_on_start" env:"EVENT_LOG_MIGRATE_ON_START,default=true"`
}

// DSN builds a postgres connection string if URL is not already set.
func (d DatabaseConfig) DSN() string {
	if strings.TrimSpace(d.URL) != "" {
		return d.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL,default=info"`
	Format     string `yaml:"format" env:"LOG_FORMAT,default=json"`
	Output     string `yaml:"output" env:"LOG_OUTPUT,default=stdout"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX,default=event-log"`
}

// HookConfig controls webhook ingress (C5).
type HookConfig struct {
	// TokenSecret is the process-wide secret used to derive the AES-GCM key
	// that decrypts X-Gitlab-Token headers. Rotated by redeploying with a
	// new value; old tokens cease to validate.
	TokenSecret string `yaml:"token_secret" env:"HOOK_TOKEN_SECRET"`
	GitlabURL   string `yaml:"gitlab_base_url" env:"GITLAB_BASE_URL"`
}

// SubscriptionConfig controls subscriber renewal timing (C4).
type SubscriptionConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" env:"EVENT_SUBSCRIPTION_INITIAL_DELAY,default=5s"`
	RenewDelay   time.Duration `yaml:"renew_delay" env:"EVENT_SUBSCRIPTION_RENEW_DELAY,default=1m"`
	// IdleTimeout is how long a subscriber may go without renewing before
	// it is evicted from the registry (§5: subscriber idle timeout 1 min).
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"EVENT_SUBSCRIPTION_IDLE_TIMEOUT,default=1m"`
}

// MigrationConfig holds timeouts for the Migration Coordinator (C6). The
// coordinator does not read them: it uses the fixed
// migration.SentStatusTimeout and migration.RecoverableStatusTimeout.
type MigrationConfig struct {
	SentStatusTimeout        time.Duration `yaml:"sent_status_timeout" env:"MIGRATION_SENT_STATUS_TIMEOUT,default=1m"`
	RecoverableStatusTimeout time.Duration `yaml:"recoverable_status_timeout" env:"MIGRATION_RECOVERABLE_STATUS_TIMEOUT,default=30s"`
}

// ZombieConfig controls the zombie-recovery sweep (C4).
type ZombieConfig struct {
	SweepInterval  time.Duration `yaml:"sweep_interval" env:"ZOMBIE_SWEEP_INTERVAL,default=30s"`
	GracePeriod    time.Duration `yaml:"grace_period" env:"ZOMBIE_GRACE_PERIOD,default=1m"`
}

// ObservabilityConfig controls optional external telemetry sinks.
type ObservabilityConfig struct {
	SentryDSN       string `yaml:"sentry_dsn" env:"SENTRY_DSN"`
	CertificatePath string `yaml:"certificate_path" env:"CERTIFICATE_PATH"`
}

// Config is the root configuration object.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Logging      LoggingConfig
	Hook         HookConfig
	Subscription SubscriptionConfig
	Migration    MigrationConfig
	Zombie       ZombieConfig
	Observability ObservabilityConfig
}

// Load reads configuration from the environment (after loading a .env file
// if one is present) and, if path is non-empty, overlays a YAML file on
// top of the environment-derived defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode environment config: %w", err)
	}

	if strings.TrimSpace(path) != "" {
		if err := overlayFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	return &cfg, nil
}

func overlayFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
