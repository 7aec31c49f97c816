package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Source modes
const (
	SourceWebsocket = "websocket"
	SourceRedisQ    = "redisq"
	SourceR2Z2      = "r2z2"
)

type Config struct {
	Service    Service    `envconfig:"SERVICE"`
	Source     Source     `envconfig:"SOURCE"`
	Pipeline   Pipeline   `envconfig:"PIPELINE"`
	Delivery   Delivery   `envconfig:"DELIVERY"`
	Store      Store      `envconfig:"STORE"`
	Postgres   Postgres   `envconfig:"POSTGRES"`
	ClickHouse ClickHouse `envconfig:"CLICKHOUSE"`
	SQS        SQS        `envconfig:"SQS"`
	ESI        ESI        `envconfig:"ESI"`
}

type Service struct {
	Environment string `envconfig:"ENVIRONMENT" required:"true"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	APIPort     string `envconfig:"API_PORT" default:"8080"`
	UserAgent   string `envconfig:"USER_AGENT" default:"killfeed/1.0"`
}

type Source struct {
	Mode      string    `envconfig:"MODE" default:"websocket"`
	Websocket Websocket `envconfig:"WEBSOCKET"`
	RedisQ    RedisQ    `envconfig:"REDISQ"`
	R2Z2      R2Z2      `envconfig:"R2Z2"`
}

type Websocket struct {
	URL              string        `envconfig:"URL" default:"wss://zkillboard.com/websocket/"`
	Channel          string        `envconfig:"CHANNEL" default:"killstream"`
	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"15s"`
	ReconnectSeed    time.Duration `envconfig:"RECONNECT_SEED" default:"5s"`
	ReconnectMax     time.Duration `envconfig:"RECONNECT_MAX" default:"300s"`
	// IdleTimeout bounds the silence on a connection, pongs included
	IdleTimeout      time.Duration `envconfig:"IDLE_TIMEOUT" default:"90s"`
	PingInterval     time.Duration `envconfig:"PING_INTERVAL" default:"30s"`
}

type RedisQ struct {
	URL            string        `envconfig:"URL" default:"https://zkillredisq.stream/listen.php"`
	QueueID        string        `envconfig:"QUEUE_ID"`
	TimeToWait     int           `envconfig:"TTW" default:"5"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	EmptySleep     time.Duration `envconfig:"EMPTY_SLEEP" default:"5s"`
	RateLimitSleep time.Duration `envconfig:"RATE_LIMIT_SLEEP" default:"5s"`
	BackoffSeed    time.Duration `envconfig:"BACKOFF_SEED" default:"5s"`
	BackoffMax     time.Duration `envconfig:"BACKOFF_MAX" default:"300s"`
}

type R2Z2 struct {
	BaseURL          string        `envconfig:"BASE_URL" default:"https://r2z2.zkillboard.com/ephemeral"`
	CheckpointName   string        `envconfig:"CHECKPOINT_NAME" default:"r2z2"`
	CheckpointStride int           `envconfig:"CHECKPOINT_STRIDE" default:"10"`
	RequestTimeout   time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
	Pace             time.Duration `envconfig:"PACE" default:"100ms"`
	NotFoundWait     time.Duration `envconfig:"NOT_FOUND_WAIT" default:"6s"`
	RateLimitWait    time.Duration `envconfig:"RATE_LIMIT_WAIT" default:"30s"`
	BanWait          time.Duration `envconfig:"BAN_WAIT" default:"10m"`
	BackoffSeed      time.Duration `envconfig:"BACKOFF_SEED" default:"5s"`
	BackoffMax       time.Duration `envconfig:"BACKOFF_MAX" default:"300s"`
}

type Pipeline struct {
	Workers             int           `envconfig:"WORKERS" default:"10"`
	Concurrency         int64         `envconfig:"CONCURRENCY" default:"20"`
	MatchConcurrency    int           `envconfig:"MATCH_CONCURRENCY" default:"100"`
	PollTimeout         time.Duration `envconfig:"POLL_TIMEOUT" default:"1s"`
	DrainTimeout        time.Duration `envconfig:"DRAIN_TIMEOUT" default:"10s"`
	DedupTTL            time.Duration `envconfig:"DEDUP_TTL" default:"10m"`
	DedupFailOpen       bool          `envconfig:"DEDUP_FAIL_OPEN" default:"true"`
	QueueWarnThreshold  int           `envconfig:"QUEUE_WARN_THRESHOLD" default:"500"`
	QueueWarnInterval   time.Duration `envconfig:"QUEUE_WARN_INTERVAL" default:"30s"`
	QueueMilestone      int           `envconfig:"QUEUE_MILESTONE" default:"100"`
	GlobalMinValue      float64       `envconfig:"GLOBAL_MIN_VALUE" default:"1000000"`
	GlobalMaxAge        time.Duration `envconfig:"GLOBAL_MAX_AGE" default:"240h"`
	ImmediateValue      float64       `envconfig:"IMMEDIATE_VALUE" default:"8000000000"`
	SubscriptionTTL     time.Duration `envconfig:"SUBSCRIPTION_TTL" default:"5m"`
	SubscriptionChannel string        `envconfig:"SUBSCRIPTION_CHANNEL" default:"killmail_subscription_changed"`
}

type Delivery struct {
	MaxMessages           int           `envconfig:"MAX_MESSAGES" default:"200"`
	ImmediateFlushCount   int           `envconfig:"IMMEDIATE_FLUSH_COUNT" default:"30"`
	CheckInterval         time.Duration `envconfig:"CHECK_INTERVAL" default:"45s"`
	MaxWait               time.Duration `envconfig:"MAX_WAIT" default:"180s"`
	ExtendedWaitThreshold int           `envconfig:"EXTENDED_WAIT_THRESHOLD" default:"5"`
	MaxMergeItems         int           `envconfig:"MAX_MERGE_ITEMS" default:"80"`
	ShutdownTimeout       time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	ImageDir              string        `envconfig:"IMAGE_DIR" default:"data/msg_images"`
	RecordBatchSize       int           `envconfig:"RECORD_BATCH_SIZE" default:"500"`
	RecordFlushTimeout    time.Duration `envconfig:"RECORD_FLUSH_TIMEOUT" default:"10s"`

	// RenderURL points at an image render service; empty sends text only
	RenderURL     string        `envconfig:"RENDER_URL"`
	RenderTimeout time.Duration `envconfig:"RENDER_TIMEOUT" default:"20s"`
}

type Store struct {
	Backend         string        `envconfig:"BACKEND" default:"pebble"`
	DataDir         string        `envconfig:"DATA_DIR" default:"data/store"`
	JanitorInterval time.Duration `envconfig:"JANITOR_INTERVAL" default:"5m"`
	MessageRefTTL   time.Duration `envconfig:"MESSAGE_REF_TTL" default:"24h"`
}

type Postgres struct {
	DSN             string        `envconfig:"DSN" required:"true"`
	MaxOpenConns    int           `envconfig:"MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns    int           `envconfig:"MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"CONN_MAX_LIFETIME" default:"30m"`
	AutoMigrate     bool          `envconfig:"AUTO_MIGRATE" default:"true"`
}

type ClickHouse struct {
	Enabled         bool   `envconfig:"ENABLED" default:"true"`
	Host            string `envconfig:"HOST" default:"localhost"`
	Port            string `envconfig:"PORT" default:"9000"`
	Database        string `envconfig:"DB" default:"killfeed"`
	User            string `envconfig:"USER" default:""`
	Password        string `envconfig:"PASSWORD" default:""`
	UseTLS          bool   `envconfig:"USE_TLS" default:"false"`
	MaxOpenConns    int    `envconfig:"MAX_OPEN_CONNS" default:"5"`
	MaxIdleConns    int    `envconfig:"MAX_IDLE_CONNS" default:"2"`
	ConnMaxLifetime int    `envconfig:"CONN_MAX_LIFETIME_SEC" default:"3600"`

	// RetentionDays expires push records by TTL; 0 keeps them forever
	RetentionDays int           `envconfig:"RETENTION_DAYS" default:"90"`
	AsyncInsert   bool          `envconfig:"ASYNC_INSERT" default:"true"`
	DialTimeout   time.Duration `envconfig:"DIAL_TIMEOUT" default:"5s"`
}

type SQS struct {
	Endpoint       string   `envconfig:"ENDPOINT"`
	QueueURL       string   `envconfig:"QUEUE_URL" required:"true"`
	Region         string   `envconfig:"REGION" required:"true"`
	MergePlatforms []string `envconfig:"MERGE_PLATFORMS" default:"OneBot V11"`
}

type ESI struct {
	BaseURL  string        `envconfig:"BASE_URL" default:"https://esi.evetech.net/latest"`
	Timeout  time.Duration `envconfig:"TIMEOUT" default:"10s"`
	CacheTTL time.Duration `envconfig:"CACHE_TTL" default:"168h"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks rules that struct tags cannot express
func (c *Config) Validate() error {
	var errs []error

	switch c.Source.Mode {
	case SourceWebsocket, SourceRedisQ, SourceR2Z2:
	default:
		errs = append(errs, fmt.Errorf("unknown source mode %q", c.Source.Mode))
	}

	if c.Pipeline.Workers <= 0 {
		errs = append(errs, errors.New("pipeline workers must be positive"))
	}
	if c.Pipeline.Concurrency <= 0 {
		errs = append(errs, errors.New("pipeline concurrency must be positive"))
	}
	if c.Pipeline.MatchConcurrency <= 0 {
		errs = append(errs, errors.New("match concurrency must be positive"))
	}
	if c.Delivery.MaxMessages <= 0 {
		errs = append(errs, errors.New("delivery max messages must be positive"))
	}
	if c.Delivery.CheckInterval <= 0 {
		errs = append(errs, errors.New("delivery check interval must be positive"))
	}
	if c.Delivery.MaxWait < c.Delivery.CheckInterval {
		errs = append(errs, errors.New("delivery max wait must not be shorter than check interval"))
	}
	if c.Source.R2Z2.CheckpointStride <= 0 {
		errs = append(errs, errors.New("r2z2 checkpoint stride must be positive"))
	}

	switch c.Store.Backend {
	case "pebble", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	return errors.Join(errs...)
}
