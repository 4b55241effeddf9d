package main

import (
	"errors"
	"time"

	"github.com/md-rashed-zaman/eventledger/libs/config"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/ledger"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/outbox"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/sweeper"
)

type serviceConfig struct {
	Service  string
	Instance string
	Port     string
	LogLevel string

	StoreDriver string
	DatabaseURL string
	SQLitePath  string
	DBStartup   time.Duration

	ElasticURL      string
	ElasticIndex    string
	ElasticUser     string
	ElasticPassword string
	ElasticRefresh  string

	KafkaBrokers string
	KafkaTopic   string
	KafkaGroupID string

	RedisAddr      string
	RateLimit      int
	BodyLimitBytes int
	RequestTimeout time.Duration
	CORSOrigins    string
	AdminSecret    string

	PublishInterval time.Duration
	PublishBatch    int
	PublishWorkers  int
	PublishLease    time.Duration
	PublishTimeout  time.Duration

	Backoff outbox.Backoff
	Ceiling int

	SweepInterval time.Duration
	SweepBatch    int
	// Retention of PUBLISHED outbox entries; zero keeps them forever.
	Retention time.Duration

	CommitMaxTries int
}

func loadConfig() (serviceConfig, error) {
	cfg := serviceConfig{
		Service:         config.String("SERVICE_NAME", "event-service"),
		Instance:        config.String("INSTANCE_NAME", ""),
		LogLevel:        config.String("LOG_LEVEL", "info"),
		StoreDriver:     config.String("STORE_DRIVER", "postgres"),
		DatabaseURL:     config.String("DATABASE_URL", ""),
		SQLitePath:      config.String("SQLITE_PATH", "eventledger.db"),
		ElasticURL:      config.String("ELASTIC_URL", ""),
		ElasticIndex:    config.String("ELASTIC_INDEX", "events"),
		ElasticUser:     config.String("ELASTIC_USERNAME", ""),
		ElasticPassword: config.String("ELASTIC_PASSWORD", ""),
		ElasticRefresh:  config.String("ELASTIC_REFRESH", ""),
		KafkaBrokers:    config.String("KAFKA_BROKERS", ""),
		KafkaTopic:      config.String("KAFKA_INGEST_TOPIC", ""),
		KafkaGroupID:    config.String("KAFKA_GROUP_ID", "event-service"),
		RedisAddr:       config.String("REDIS_ADDR", ""),
		CORSOrigins:     config.String("CORS_ALLOWED_ORIGINS", ""),
		AdminSecret:     config.String("ADMIN_TOKEN_SECRET", ""),
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	duration := func(key string, fallback time.Duration) time.Duration {
		d, err := config.Duration(key, fallback)
		collect(err)
		return d
	}
	integer := func(key string, fallback int) int {
		n, err := config.Int(key, fallback)
		collect(err)
		return n
	}

	var err error
	cfg.Port, err = config.Port("PORT", "8080")
	collect(err)

	def := outbox.DefaultBackoff()
	cfg.Backoff.Base = duration("RETRY_BASE", def.Base)
	cfg.Backoff.Cap = duration("RETRY_CAP", def.Cap)
	cfg.Backoff.Factor, err = config.Float("RETRY_FACTOR", def.Factor)
	collect(err)
	cfg.Ceiling = integer("RETRY_CEILING", outbox.DefaultCeiling)

	cfg.DBStartup = duration("DB_STARTUP_TIMEOUT", time.Minute)
	cfg.RateLimit = integer("RATE_LIMIT_PER_MINUTE", 0)
	cfg.BodyLimitBytes = integer("MAX_BODY_BYTES", 1<<20)
	cfg.RequestTimeout = duration("REQUEST_TIMEOUT", 10*time.Second)
	cfg.PublishInterval = duration("PUBLISH_INTERVAL", time.Second)
	cfg.PublishBatch = integer("PUBLISH_BATCH_SIZE", 100)
	cfg.PublishWorkers = integer("PUBLISH_WORKERS", 1)
	cfg.PublishTimeout = duration("PUBLISH_TIMEOUT", 10*time.Second)
	cfg.PublishLease = duration("PUBLISH_LEASE", 0)
	cfg.SweepInterval = duration("SWEEP_INTERVAL", 30*time.Second)
	cfg.SweepBatch = integer("SWEEP_BATCH_SIZE", 500)
	cfg.Retention = duration("OUTBOX_RETENTION", 7*24*time.Hour)
	cfg.CommitMaxTries = integer("COMMIT_MAX_TRIES", 3)

	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres"))
		}
	case "sqlite":
	default:
		errs = append(errs, errors.New("STORE_DRIVER must be postgres or sqlite"))
	}
	if cfg.Ceiling <= 0 {
		errs = append(errs, errors.New("RETRY_CEILING must be positive"))
	}
	if cfg.CommitMaxTries < 1 {
		errs = append(errs, errors.New("COMMIT_MAX_TRIES must be at least 1"))
	}
	if cfg.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}
	switch cfg.ElasticRefresh {
	case "", "true", "false", "wait_for":
	default:
		errs = append(errs, errors.New("ELASTIC_REFRESH must be true, false or wait_for"))
	}
	return cfg, errors.Join(errs...)
}

func (c serviceConfig) ledgerConfig() ledger.Config {
	return ledger.Config{MaxTries: uint(c.CommitMaxTries)}
}

func (c serviceConfig) sweeperConfig() sweeper.Config {
	return sweeper.Config{
		Interval:  c.SweepInterval,
		BatchSize: c.SweepBatch,
		Ceiling:   c.Ceiling,
		Retention: c.Retention,
	}
}
