package config

import (
	"time"

	"github.com/Netflix/go-env"
	"github.com/blastline/campaign-engine/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const ConfigTagName = "env"
const ConfigDefaultTagName = "default"

var config *Config

// Configuration This struct holds config envs and values
// which are used across the engine. Only this struct must be used
// to hold any configuration values, no direct access to
// env, ini or any other config source should be made
type Config struct {
	AppEnv   string `env:"APP_ENV" default:"dev"`
	AppName  string `env:"APP_NAME" default:"campaign_engine"`
	AppDebug bool   `env:"APP_DEBUG" default:"1"`

	HttpListenAddr         string `env:"HTTP_LISTEN_ADDR" validation:"mustExists"`
	HttpServerReadTimeout  int    `env:"HTTP_SERVER_READ_TIMEOUT"`
	HttpServerWriteTimeout int    `env:"HTTP_SERVER_WRITE_TIMEOUT"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	RedisAddr               string `env:"REDIS_ADDR"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX"`

	PromNamespace string `env:"PROM_NAMESPACE"`
	MetricsAddr   string `env:"METRICS_ADDR" default:":9100"`

	LogLevel []string `env:"LOG_LEVEL"`

	// Webhook event stream consumed by the reconciler.
	WebhookQueueName              string        `env:"WEBHOOK_QUEUE_NAME" default:"webhooks:events"`
	WebhookQueueConsumerGroup     string        `env:"WEBHOOK_QUEUE_CONSUMER_GROUP" default:"reconciler"`
	WebhookQueueConsumerName      string        `env:"WEBHOOK_QUEUE_CONSUMER_NAME" default:"reconciler-1"`
	WebhookQueueMaxRetries        int           `env:"WEBHOOK_QUEUE_MAX_RETRIES" default:"5"`
	WebhookQueueVisibilityTimeout time.Duration `env:"WEBHOOK_QUEUE_VISIBILITY_TIMEOUT" default:"30s"`
	WebhookQueuePollInterval      time.Duration `env:"WEBHOOK_QUEUE_POLL_INTERVAL" default:"1s"`
	WebhookQueueBatchSize         int64         `env:"WEBHOOK_QUEUE_BATCH_SIZE" default:"50"`
	WebhookQueueMaxLen            int64         `env:"WEBHOOK_QUEUE_MAX_LEN"`
	WebhookQueueEnableDLQ         bool          `env:"WEBHOOK_QUEUE_ENABLE_DLQ" default:"1"`

	// Dispatch engine.
	DispatchTickInterval    time.Duration `env:"DISPATCH_TICK_INTERVAL" default:"5s"`
	DispatchWorkers         int           `env:"DISPATCH_WORKERS" default:"8"`
	DispatchBatchSize       int           `env:"DISPATCH_BATCH_SIZE" default:"50"`
	DispatchLeaseTTL        time.Duration `env:"DISPATCH_LEASE_TTL" default:"60s"`
	DispatchClaimTimeout    time.Duration `env:"DISPATCH_CLAIM_TIMEOUT" default:"5m"`
	DispatchSendTimeout     time.Duration `env:"DISPATCH_SEND_TIMEOUT" default:"10s"`
	DispatchAccountRate     float64       `env:"DISPATCH_ACCOUNT_RATE" default:"2"`
	DispatchAccountBurst    int           `env:"DISPATCH_ACCOUNT_BURST" default:"5"`
	DispatchAccountParallel int           `env:"DISPATCH_ACCOUNT_PARALLEL" default:"2"`
	ActivationSweepSpec     string        `env:"ACTIVATION_SWEEP_SPEC" default:"@every 15s"`
	StaleClaimSweepSpec     string        `env:"STALE_CLAIM_SWEEP_SPEC" default:"@every 1m"`

	// Tenant governor defaults; real limits come from plan bookkeeping.
	TenantDailyLimit       int64 `env:"TENANT_DAILY_LIMIT" default:"10000"`
	TenantConcurrencyLimit int64 `env:"TENANT_CONCURRENCY_LIMIT" default:"3"`

	ProviderURL string `env:"PROVIDER_URL"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	var err error
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		err = godotenv.Load(path)
		if err != nil {
			return errors.New("failed to load configuration file " + path + " error: " + err.Error())
		}
	}

	_, err = env.UnmarshalFromEnviron(c)

	if err != nil {
		return errors.New("failed to map env variables to Configuration object " + " error: " + err.Error())
	}

	config = c
	return nil
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}
