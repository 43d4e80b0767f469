package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Config holds every setting the server reads from the environment.
type Config struct {
	Port         string `envconfig:"PORT" default:"8008"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"collab.db"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	NodeID       string `envconfig:"NODE_ID"`

	JWTSecret   string `envconfig:"JWT_SECRET" default:"development-insecure-secret-change-me"`
	JWTIssuer   string `envconfig:"JWT_ISSUER" default:"workflow-collab-api"`
	JWTAudience string `envconfig:"JWT_AUDIENCE" default:"workflow-collab-clients"`

	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"60s"`
	PresenceFreshness time.Duration `envconfig:"PRESENCE_FRESHNESS" default:"30s"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"10s"`
	SendBuffer        int           `envconfig:"SEND_BUFFER" default:"256"`
	TenantCacheTTL    time.Duration `envconfig:"TENANT_CACHE_TTL" default:"5m"`

	// Empty RedisAddr disables the presence mirror.
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Empty NATSURL disables status ingest.
	NATSURL     string `envconfig:"NATS_URL"`
	NATSSubject string `envconfig:"NATS_SUBJECT" default:"collab.status.>"`
}

// Load reads an optional .env file and then decodes the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "process environment")
	}
	if cfg.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "collab-node"
		}
		cfg.NodeID = host
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the realtime layer cannot run with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if c.HeartbeatTimeout <= 0 {
		return errors.New("HEARTBEAT_TIMEOUT must be positive")
	}
	if c.PresenceFreshness <= 0 {
		return errors.New("PRESENCE_FRESHNESS must be positive")
	}
	if c.SweepInterval <= 0 || c.SweepInterval > c.HeartbeatTimeout {
		return errors.Errorf("SWEEP_INTERVAL must be in (0, %s]", c.HeartbeatTimeout)
	}
	if c.SendBuffer <= 0 {
		return errors.New("SEND_BUFFER must be positive")
	}
	return nil
}
