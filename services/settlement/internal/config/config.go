package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/config"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	GatewayLive    = "live"
	GatewaySandbox = "sandbox"
)

type DBConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int
	// Migrate creates missing tables on startup.
	Migrate bool
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode, c.MaxConns)
}

// RedisConfig backs the job queue and the rate limiter. An empty Addr
// keeps both in process, which only suits a single replica.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type KafkaTopics struct {
	ChainDeposits    string
	Notifications    string
	SettlementEvents string
	DeadLetter       string
}

// KafkaConfig is optional: without brokers, notifications go to the log and
// chain deposits arrive only over the webhook.
type KafkaConfig struct {
	Brokers       []string
	ClientID      string
	ConsumerGroup string
	MaxAttempts   int
	Topics        KafkaTopics
}

func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	ReapInterval time.Duration
	Visibility   time.Duration
}

type SettlementConfig struct {
	ClaimTTL           time.Duration
	PaymentTimeout     time.Duration
	ProviderAttempts   int
	ProviderBackoff    time.Duration
	Tolerance          decimal.Decimal
	DeactivateOnSettle bool
	ProcessAttempts    int
	RefundAttempts     int
	JobBackoff         time.Duration
	NotifyTimeout      time.Duration
	Workers            WorkerConfig
}

type CounterpartyConfig struct {
	MaxFailures  int
	LockDuration time.Duration
	TemporaryTTL time.Duration
}

type BreakerConfig struct {
	MinRequests  uint32
	FailureRatio float64
	OpenTimeout  time.Duration
}

type GatewayConfig struct {
	Mode    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// WebhookSecret verifies the signature on collection callbacks.
	WebhookSecret string
	Breaker       BreakerConfig
}

type IndexerKey struct {
	Name        string   `mapstructure:"name"`
	KeyHash     string   `mapstructure:"key_hash"`
	IPAllowlist []string `mapstructure:"ip_allowlist"`
}

type AuthConfig struct {
	JWTSecret string
	Indexers  []IndexerKey
}

type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

type Config struct {
	App          base.AppConfig
	DB           DBConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Settlement   SettlementConfig
	Counterparty CounterpartyConfig
	Gateway      GatewayConfig
	Auth         AuthConfig
	RateLimit    RateLimitConfig
}

func Load() (*Config, error) {
	v, err := base.NewViper(os.Getenv(base.PathEnv))
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	appCfg, err := base.FromViper(v)
	if err != nil {
		return nil, err
	}
	setDefaults(v)

	tolerance, err := decimal.NewFromString(v.GetString("settlement.tolerance"))
	if err != nil {
		return nil, fmt.Errorf("settlement.tolerance: %w", err)
	}

	var indexers []IndexerKey
	if err := v.UnmarshalKey("auth.indexers", &indexers); err != nil {
		return nil, fmt.Errorf("auth.indexers: %w", err)
	}
	for i, hash := range envCSV("SETTLE_INDEXER_KEY_HASHES", nil) {
		indexers = append(indexers, IndexerKey{Name: "indexer-" + strconv.Itoa(i+1), KeyHash: hash})
	}

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Driver:   strings.ToLower(v.GetString("db.driver")),
			Host:     envString("POSTGRES_HOST", v.GetString("db.host")),
			Port:     envInt("POSTGRES_PORT", v.GetInt("db.port")),
			Name:     envString("POSTGRES_DB", v.GetString("db.name")),
			User:     envString("POSTGRES_USER", v.GetString("db.user")),
			Password: envString("POSTGRES_PASSWORD", v.GetString("db.password")),
			SSLMode:  envString("POSTGRES_SSLMODE", v.GetString("db.sslmode")),
			MaxConns: v.GetInt("db.max_conns"),
			Migrate:  v.GetBool("db.migrate"),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password: envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:       v.GetInt("redis.db"),
			Prefix:   v.GetString("redis.prefix"),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ClientID:      v.GetString("kafka.client_id"),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			MaxAttempts:   v.GetInt("kafka.max_attempts"),
			Topics: KafkaTopics{
				ChainDeposits:    v.GetString("kafka.topics.chain_deposits"),
				Notifications:    v.GetString("kafka.topics.notifications"),
				SettlementEvents: v.GetString("kafka.topics.settlement_events"),
				DeadLetter:       v.GetString("kafka.topics.dead_letter"),
			},
		},
		Settlement: SettlementConfig{
			ClaimTTL:           v.GetDuration("settlement.claim_ttl"),
			PaymentTimeout:     v.GetDuration("settlement.payment_timeout"),
			ProviderAttempts:   v.GetInt("settlement.provider_attempts"),
			ProviderBackoff:    v.GetDuration("settlement.provider_backoff"),
			Tolerance:          tolerance,
			DeactivateOnSettle: v.GetBool("settlement.deactivate_on_settle"),
			ProcessAttempts:    v.GetInt("settlement.process_attempts"),
			RefundAttempts:     v.GetInt("settlement.refund_attempts"),
			JobBackoff:         v.GetDuration("settlement.job_backoff"),
			NotifyTimeout:      v.GetDuration("settlement.notify_timeout"),
			Workers: WorkerConfig{
				Concurrency:  v.GetInt("settlement.workers.concurrency"),
				PollInterval: v.GetDuration("settlement.workers.poll_interval"),
				ReapInterval: v.GetDuration("settlement.workers.reap_interval"),
				Visibility:   v.GetDuration("settlement.workers.visibility"),
			},
		},
		Counterparty: CounterpartyConfig{
			MaxFailures:  v.GetInt("counterparty.max_failures"),
			LockDuration: v.GetDuration("counterparty.lock_duration"),
			TemporaryTTL: v.GetDuration("counterparty.temporary_ttl"),
		},
		Gateway: GatewayConfig{
			Mode:          strings.ToLower(v.GetString("gateway.mode")),
			BaseURL:       v.GetString("gateway.base_url"),
			APIKey:        envString("GATEWAY_API_KEY", v.GetString("gateway.api_key")),
			Timeout:       v.GetDuration("gateway.timeout"),
			WebhookSecret: envString("GATEWAY_WEBHOOK_SECRET", v.GetString("gateway.webhook_secret")),
			Breaker: BreakerConfig{
				MinRequests:  v.GetUint32("gateway.breaker.min_requests"),
				FailureRatio: v.GetFloat64("gateway.breaker.failure_ratio"),
				OpenTimeout:  v.GetDuration("gateway.breaker.open_timeout"),
			},
		},
		Auth: AuthConfig{
			JWTSecret: envString("JWT_SECRET", v.GetString("auth.jwt_secret")),
			Indexers:  indexers,
		},
		RateLimit: RateLimitConfig{
			Limit:  v.GetInt("rate_limit.limit"),
			Window: v.GetDuration("rate_limit.window"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.DB.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("db.driver must be %s or %s", DriverPostgres, DriverMemory)
	}
	switch c.Gateway.Mode {
	case GatewaySandbox:
	case GatewayLive:
		if c.Gateway.BaseURL == "" || c.Gateway.APIKey == "" {
			return errors.New("gateway.base_url and gateway.api_key are required in live mode")
		}
	default:
		return fmt.Errorf("gateway.mode must be %s or %s", GatewayLive, GatewaySandbox)
	}
	if c.Gateway.WebhookSecret == "" {
		return errors.New("gateway.webhook_secret is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Kafka.Enabled() {
		if c.Kafka.ConsumerGroup == "" {
			return errors.New("kafka consumer group required")
		}
		if c.Kafka.Topics.ChainDeposits == "" || c.Kafka.Topics.SettlementEvents == "" {
			return errors.New("kafka chain deposit and settlement event topics required")
		}
	}
	if !c.Settlement.Tolerance.IsPositive() {
		return errors.New("settlement.tolerance must be positive")
	}
	if c.Settlement.ClaimTTL <= 0 {
		return errors.New("settlement.claim_ttl must be positive")
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("rate_limit.limit and rate_limit.window must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.driver", DriverPostgres)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "settlement")
	v.SetDefault("db.user", "settlement")
	v.SetDefault("db.password", "settlement")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 20)
	v.SetDefault("db.migrate", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "settlement:")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.client_id", "settlement")
	v.SetDefault("kafka.consumer_group", "settlement-service")
	v.SetDefault("kafka.max_attempts", 5)
	v.SetDefault("kafka.topics.chain_deposits", "chain.deposits")
	v.SetDefault("kafka.topics.notifications", "notifications")
	v.SetDefault("kafka.topics.settlement_events", "settlement.events")
	v.SetDefault("kafka.topics.dead_letter", "settlement.dead_letter")

	v.SetDefault("settlement.claim_ttl", "30m")
	v.SetDefault("settlement.payment_timeout", "15s")
	v.SetDefault("settlement.provider_attempts", 2)
	v.SetDefault("settlement.provider_backoff", "500ms")
	v.SetDefault("settlement.tolerance", "0.00000001")
	v.SetDefault("settlement.deactivate_on_settle", true)
	v.SetDefault("settlement.process_attempts", 3)
	v.SetDefault("settlement.refund_attempts", 5)
	v.SetDefault("settlement.job_backoff", "5s")
	v.SetDefault("settlement.notify_timeout", "3s")
	v.SetDefault("settlement.workers.concurrency", 4)
	v.SetDefault("settlement.workers.poll_interval", "500ms")
	v.SetDefault("settlement.workers.reap_interval", "30s")
	v.SetDefault("settlement.workers.visibility", "2m")

	v.SetDefault("counterparty.max_failures", 5)
	v.SetDefault("counterparty.lock_duration", "30m")
	v.SetDefault("counterparty.temporary_ttl", "24h")

	v.SetDefault("gateway.mode", GatewaySandbox)
	v.SetDefault("gateway.timeout", "10s")
	v.SetDefault("gateway.breaker.min_requests", 10)
	v.SetDefault("gateway.breaker.failure_ratio", 0.6)
	v.SetDefault("gateway.breaker.open_timeout", "30s")

	v.SetDefault("rate_limit.limit", 5)
	v.SetDefault("rate_limit.window", "10m")
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
