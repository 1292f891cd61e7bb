package config

import (
	"fmt"
	"sync"
	"time"

	"session-service/internal/util"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	AdminToken   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
}

type ClickhouseConfig struct {
	URL        string
	Username   string
	Password   string
	Database   string
	AuditTable string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
}

type PasswordConfig struct {
	MinLength int
	MinScore  int
}

type LockoutConfig struct {
	Threshold   int
	BaseLockout time.Duration
	MaxLockout  time.Duration
}

type DeviceTrustConfig struct {
	AcceptThreshold    float64
	BiometricThreshold float64
}

type TokenConfig struct {
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	KeyRetention time.Duration
	Issuer       string
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

type LoggingConfig struct {
	Level  string
	Format string
}

type Config struct {
	Environment string
	Server      ServerConfig
	Redis       RedisConfig
	Scylla      ScyllaConfig
	Kafka       KafkaConfig
	Clickhouse  ClickhouseConfig
	KMS         KMSConfig
	Hashing     HashingConfig
	Password    PasswordConfig
	Lockout     LockoutConfig
	DeviceTrust DeviceTrustConfig
	Token       TokenConfig
	Bucketing   BucketingConfig
	Logging     LoggingConfig
}

var (
	global *Config
	mu     sync.RWMutex
)

// LoadConfig reads .env (if present) and builds the configuration from the
// environment. Defaults are tuned for local development; production deploys
// are expected to set everything explicitly.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: util.GetEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         util.GetEnvInt("SERVER_PORT", 8080),
			TLSPort:      util.GetEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    util.GetEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:     util.GetEnvBool("SERVER_AUTO_CERT", false),
			Domain:       util.GetEnv("SERVER_DOMAIN", ""),
			CertFile:     util.GetEnv("SERVER_CERT_FILE", ""),
			KeyFile:      util.GetEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:  util.GetEnv("SERVER_AUTOCERT_DIR", "/var/cache/autocert"),
			Email:        util.GetEnv("SERVER_ACME_EMAIL", ""),
			AdminToken:   util.GetEnv("SERVER_ADMIN_TOKEN", ""),
			ReadTimeout:  util.GetEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: util.GetEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  util.GetEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Redis: RedisConfig{
			URL:      util.GetEnv("REDIS_URL", "redis://localhost:6379"),
			Password: util.GetEnv("REDIS_PASSWORD", ""),
			DB:       util.GetEnvInt("REDIS_DB", 0),
			PoolSize: util.GetEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    util.GetEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: util.GetEnv("SCYLLA_KEYSPACE", "session_core"),
			Username: util.GetEnv("SCYLLA_USERNAME", ""),
			Password: util.GetEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers:    util.GetEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			AuditTopic: util.GetEnv("KAFKA_AUDIT_TOPIC", "auth-decisions"),
		},
		Clickhouse: ClickhouseConfig{
			URL:        util.GetEnv("CLICKHOUSE_URL", "http://localhost:8123"),
			Username:   util.GetEnv("CLICKHOUSE_USERNAME", "default"),
			Password:   util.GetEnv("CLICKHOUSE_PASSWORD", ""),
			Database:   util.GetEnv("CLICKHOUSE_DATABASE", "audit"),
			AuditTable: util.GetEnv("CLICKHOUSE_AUDIT_TABLE", "auth_events"),
		},
		KMS: KMSConfig{
			Enabled: util.GetEnvBool("KMS_ENABLED", false),
			KeyID:   util.GetEnv("KMS_KEY_ID", ""),
			Region:  util.GetEnv("KMS_REGION", "us-east-1"),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  util.GetEnvInt("ARGON2_MEMORY_COST", 65536),
			Argon2TimeCost:    util.GetEnvInt("ARGON2_TIME_COST", 3),
			Argon2Parallelism: util.GetEnvInt("ARGON2_PARALLELISM", 2),
		},
		Password: PasswordConfig{
			MinLength: util.GetEnvInt("PASSWORD_MIN_LENGTH", 10),
			MinScore:  util.GetEnvInt("PASSWORD_MIN_SCORE", 3),
		},
		Lockout: LockoutConfig{
			Threshold:   util.GetEnvInt("LOCKOUT_THRESHOLD", 5),
			BaseLockout: util.GetEnvDuration("LOCKOUT_BASE", 5*time.Minute),
			MaxLockout:  util.GetEnvDuration("LOCKOUT_MAX", 1440*time.Minute),
		},
		DeviceTrust: DeviceTrustConfig{
			AcceptThreshold:    util.GetEnvFloat("DEVICE_TRUST_THRESHOLD", 0.7),
			BiometricThreshold: util.GetEnvFloat("BIOMETRIC_MATCH_THRESHOLD", 0.8),
		},
		Token: TokenConfig{
			AccessTTL:    util.GetEnvDuration("TOKEN_ACCESS_TTL", 15*time.Minute),
			RefreshTTL:   util.GetEnvDuration("TOKEN_REFRESH_TTL", 720*time.Hour),
			KeyRetention: util.GetEnvDuration("TOKEN_KEY_RETENTION", time.Hour),
			Issuer:       util.GetEnv("TOKEN_ISSUER", "session-service"),
		},
		Bucketing: BucketingConfig{
			UserBuckets:  util.GetEnvInt("USER_BUCKETS", 64),
			EventBuckets: util.GetEnvInt("EVENT_BUCKETS", 256),
		},
		Logging: LoggingConfig{
			Level:  util.GetEnv("LOG_LEVEL", "info"),
			Format: util.GetEnv("LOG_FORMAT", "console"),
		},
	}

	mu.Lock()
	global = cfg
	mu.Unlock()

	return cfg
}

// Get returns the last loaded configuration, loading defaults if needed.
func Get() *Config {
	mu.RLock()
	cfg := global
	mu.RUnlock()
	if cfg != nil {
		return cfg
	}
	return LoadConfig()
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// Validate catches configuration that would make the security core unsound.
func (c *Config) Validate() error {
	if c.Lockout.Threshold < 1 {
		return fmt.Errorf("lockout threshold must be at least 1, got %d", c.Lockout.Threshold)
	}
	if c.Lockout.BaseLockout <= 0 || c.Lockout.MaxLockout < c.Lockout.BaseLockout {
		return fmt.Errorf("lockout window misconfigured: base=%s max=%s", c.Lockout.BaseLockout, c.Lockout.MaxLockout)
	}
	if c.DeviceTrust.AcceptThreshold <= 0 || c.DeviceTrust.AcceptThreshold > 1 {
		return fmt.Errorf("device trust threshold must be in (0,1], got %f", c.DeviceTrust.AcceptThreshold)
	}
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= c.Token.AccessTTL {
		return fmt.Errorf("token TTLs misconfigured: access=%s refresh=%s", c.Token.AccessTTL, c.Token.RefreshTTL)
	}
	if c.Token.KeyRetention <= 0 {
		return fmt.Errorf("key retention must be positive, got %s", c.Token.KeyRetention)
	}
	return nil
}
