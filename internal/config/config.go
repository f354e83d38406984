package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

type JWTConfig struct {
	SecretKey   string
	ExpiryHours int
}

type Argon2Config struct {
	Time       uint32
	Memory     uint32
	Threads    uint8
	KeyLength  uint32
	SaltLength int
}

// ProviderConfig selects the AI provider. Mode "simulated" completes jobs
// without calling out, anything else talks to the HTTP API at BaseURL.
type ProviderConfig struct {
	Mode           string
	BaseURL        string
	APIToken       string
	CallbackSecret string
	Timeout        time.Duration
}

type PaymentsConfig struct {
	KeyID     string
	KeySecret string
	Currency  string
}

type StorageConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	PresignTTL      time.Duration
}

type RabbitMQConfig struct {
	URL      string
	Exchange string
}

type WorkerConfig struct {
	OutboxInterval   time.Duration
	OutboxBatchSize  int
	OutboxStaleAfter time.Duration
	PollInterval     time.Duration
	PollBatchSize    int
	DispatchAttempts int
	JobTimeout       time.Duration
	SweepSchedule    string
	AuditSchedule    string
	RefundAttempts   int
	RefundBackoff    time.Duration
}

type RateLimitConfig struct {
	SubmitsPerMinute int
}

type AdminConfig struct {
	Emails []string
}

// IsAdmin reports whether email belongs to an administrator
func (c AdminConfig) IsAdmin(email string) bool {
	for _, e := range c.Emails {
		if strings.EqualFold(strings.TrimSpace(e), email) {
			return true
		}
	}
	return false
}

type Config struct {
	Port      string
	PublicURL string
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Argon2    Argon2Config
	Provider  ProviderConfig
	Payments  PaymentsConfig
	Storage   StorageConfig
	RabbitMQ  RabbitMQConfig
	Worker    WorkerConfig
	RateLimit RateLimitConfig
	Admin     AdminConfig
}

var bindings = map[string]string{
	"port":       "PORT",
	"public_url": "PUBLIC_URL",

	"database.host":     "DATABASE_HOST",
	"database.port":     "DATABASE_PORT",
	"database.user":     "DATABASE_USER",
	"database.password": "DATABASE_PASSWORD",
	"database.name":     "DATABASE_NAME",
	"database.ssl_mode": "DATABASE_SSL_MODE",

	"redis.host":     "REDIS_HOST",
	"redis.port":     "REDIS_PORT",
	"redis.password": "REDIS_PASSWORD",
	"redis.db":       "REDIS_DB",

	"jwt.secret_key":   "JWT_SECRET_KEY",
	"jwt.expiry_hours": "JWT_EXPIRY_HOURS",

	"argon2.time":        "ARGON2_TIME",
	"argon2.memory":      "ARGON2_MEMORY",
	"argon2.threads":     "ARGON2_THREADS",
	"argon2.key_length":  "ARGON2_KEY_LENGTH",
	"argon2.salt_length": "ARGON2_SALT_LENGTH",

	"provider.mode":            "PROVIDER_MODE",
	"provider.base_url":        "PROVIDER_BASE_URL",
	"provider.api_token":       "PROVIDER_API_TOKEN",
	"provider.callback_secret": "PROVIDER_CALLBACK_SECRET",
	"provider.timeout":         "PROVIDER_TIMEOUT",

	"payments.key_id":     "PAYMENTS_KEY_ID",
	"payments.key_secret": "PAYMENTS_KEY_SECRET",
	"payments.currency":   "PAYMENTS_CURRENCY",

	"storage.bucket":            "STORAGE_BUCKET",
	"storage.region":            "STORAGE_REGION",
	"storage.endpoint":          "STORAGE_ENDPOINT",
	"storage.access_key_id":     "STORAGE_ACCESS_KEY_ID",
	"storage.secret_access_key": "STORAGE_SECRET_ACCESS_KEY",
	"storage.use_path_style":    "STORAGE_USE_PATH_STYLE",
	"storage.presign_ttl":       "STORAGE_PRESIGN_TTL",

	"rabbitmq.url":      "RABBITMQ_URL",
	"rabbitmq.exchange": "RABBITMQ_EXCHANGE",

	"worker.outbox_interval":    "WORKER_OUTBOX_INTERVAL",
	"worker.outbox_batch_size":  "WORKER_OUTBOX_BATCH_SIZE",
	"worker.outbox_stale_after": "WORKER_OUTBOX_STALE_AFTER",
	"worker.poll_interval":      "WORKER_POLL_INTERVAL",
	"worker.poll_batch_size":    "WORKER_POLL_BATCH_SIZE",
	"worker.dispatch_attempts":  "WORKER_DISPATCH_ATTEMPTS",
	"worker.job_timeout":        "WORKER_JOB_TIMEOUT",
	"worker.sweep_schedule":     "WORKER_SWEEP_SCHEDULE",
	"worker.audit_schedule":     "WORKER_AUDIT_SCHEDULE",
	"worker.refund_attempts":    "WORKER_REFUND_ATTEMPTS",
	"worker.refund_backoff":     "WORKER_REFUND_BACKOFF",

	"rate_limit.submits_per_minute": "RATE_LIMIT_SUBMITS_PER_MINUTE",

	"admin.emails": "ADMIN_EMAILS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("public_url", "http://localhost:8080")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.name", "pixelmind")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("jwt.expiry_hours", 24)

	v.SetDefault("argon2.time", 1)
	v.SetDefault("argon2.memory", 64*1024)
	v.SetDefault("argon2.threads", 4)
	v.SetDefault("argon2.key_length", 32)
	v.SetDefault("argon2.salt_length", 16)

	v.SetDefault("provider.mode", "simulated")
	v.SetDefault("provider.base_url", "https://api.replicate.com/v1")
	v.SetDefault("provider.timeout", 30*time.Second)

	v.SetDefault("payments.currency", "INR")

	v.SetDefault("storage.bucket", "pixelmind-images")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.use_path_style", false)
	v.SetDefault("storage.presign_ttl", 15*time.Minute)

	v.SetDefault("rabbitmq.exchange", "pixelmind.events")

	v.SetDefault("worker.outbox_interval", 1200*time.Millisecond)
	v.SetDefault("worker.outbox_batch_size", 50)
	v.SetDefault("worker.outbox_stale_after", 2*time.Minute)
	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("worker.poll_batch_size", 100)
	v.SetDefault("worker.dispatch_attempts", 5)
	v.SetDefault("worker.job_timeout", 15*time.Minute)
	v.SetDefault("worker.sweep_schedule", "@every 1m")
	v.SetDefault("worker.audit_schedule", "@hourly")
	v.SetDefault("worker.refund_attempts", 5)
	v.SetDefault("worker.refund_backoff", 200*time.Millisecond)

	v.SetDefault("rate_limit.submits_per_minute", 30)
}

// Load reads .env (if present) and the environment into a Config
func Load() *Config {
	v := viper.New()
	v.SetConfigFile(".env") // explicitly point to .env file
	v.SetConfigType("env")
	v.AutomaticEnv() // allow environment variables to override .env

	for key, env := range bindings {
		v.BindEnv(key, env)
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Printf("[CONFIG] Config file not found, using environment and defaults: %v", err)
	}

	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance
func FromViper(v *viper.Viper) *Config {
	return &Config{
		Port:      v.GetString("port"),
		PublicURL: v.GetString("public_url"),
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetString("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			Name:            v.GetString("database.name"),
			SSLMode:         v.GetString("database.ssl_mode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			SecretKey:   v.GetString("jwt.secret_key"),
			ExpiryHours: v.GetInt("jwt.expiry_hours"),
		},
		Argon2: Argon2Config{
			Time:       v.GetUint32("argon2.time"),
			Memory:     v.GetUint32("argon2.memory"),
			Threads:    uint8(v.GetUint("argon2.threads")),
			KeyLength:  v.GetUint32("argon2.key_length"),
			SaltLength: v.GetInt("argon2.salt_length"),
		},
		Provider: ProviderConfig{
			Mode:           v.GetString("provider.mode"),
			BaseURL:        v.GetString("provider.base_url"),
			APIToken:       v.GetString("provider.api_token"),
			CallbackSecret: v.GetString("provider.callback_secret"),
			Timeout:        v.GetDuration("provider.timeout"),
		},
		Payments: PaymentsConfig{
			KeyID:     v.GetString("payments.key_id"),
			KeySecret: v.GetString("payments.key_secret"),
			Currency:  v.GetString("payments.currency"),
		},
		Storage: StorageConfig{
			Bucket:          v.GetString("storage.bucket"),
			Region:          v.GetString("storage.region"),
			Endpoint:        v.GetString("storage.endpoint"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			UsePathStyle:    v.GetBool("storage.use_path_style"),
			PresignTTL:      v.GetDuration("storage.presign_ttl"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:      v.GetString("rabbitmq.url"),
			Exchange: v.GetString("rabbitmq.exchange"),
		},
		Worker: WorkerConfig{
			OutboxInterval:   v.GetDuration("worker.outbox_interval"),
			OutboxBatchSize:  v.GetInt("worker.outbox_batch_size"),
			OutboxStaleAfter: v.GetDuration("worker.outbox_stale_after"),
			PollInterval:     v.GetDuration("worker.poll_interval"),
			PollBatchSize:    v.GetInt("worker.poll_batch_size"),
			DispatchAttempts: v.GetInt("worker.dispatch_attempts"),
			JobTimeout:       v.GetDuration("worker.job_timeout"),
			SweepSchedule:    v.GetString("worker.sweep_schedule"),
			AuditSchedule:    v.GetString("worker.audit_schedule"),
			RefundAttempts:   v.GetInt("worker.refund_attempts"),
			RefundBackoff:    v.GetDuration("worker.refund_backoff"),
		},
		RateLimit: RateLimitConfig{
			SubmitsPerMinute: v.GetInt("rate_limit.submits_per_minute"),
		},
		Admin: AdminConfig{
			Emails: splitList(v.GetString("admin.emails")),
		},
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Defaults returns the configuration produced with no .env file and no
// environment overrides
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	return FromViper(v)
}
