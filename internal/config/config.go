package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "github.com/acme/outbound-dispatch/pkg/errors"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App          AppConfig           `mapstructure:"app"`
	HTTP         HTTPConfig          `mapstructure:"http"`
	Postgres     PostgresConfig      `mapstructure:"postgres"`
	Scylla       ScyllaConfig        `mapstructure:"scylla"`
	Kafka        KafkaConfig         `mapstructure:"kafka"`
	Redis        RedisConfig         `mapstructure:"redis"`
	Telemetry    TelemetryConfig     `mapstructure:"telemetry"`
	Store        StoreConfig         `mapstructure:"store"`
	Queue        QueueConfig         `mapstructure:"queue"`
	Dispatcher   DispatcherConfig    `mapstructure:"dispatcher"`
	Governor     GovernorConfig      `mapstructure:"governor"`
	Pool         PoolConfig          `mapstructure:"pool"`
	PhoneNumbers []PhoneNumberConfig `mapstructure:"phone_numbers"`
	Voice        VoiceConfig         `mapstructure:"voice"`
	Metrics      MetricsConfig       `mapstructure:"metrics"`
	Campaign     CampaignConfig      `mapstructure:"campaign"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	HealthQuery     string        `mapstructure:"health_query"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type ScyllaConfig struct {
	Hosts             []string      `mapstructure:"hosts"`
	Port              int           `mapstructure:"port"`
	Keyspace          string        `mapstructure:"keyspace"`
	Consistency       string        `mapstructure:"consistency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	LocalDC           string        `mapstructure:"local_dc"`
	ReplicationFactor int           `mapstructure:"replication_factor"`
	DisableInitSchema bool          `mapstructure:"disable_init_schema"`
}

type KafkaConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Brokers           []string      `mapstructure:"brokers"`
	ClientID          string        `mapstructure:"client_id"`
	OutcomeTopic      string        `mapstructure:"outcome_topic"`
	ConsumerGroupID   string        `mapstructure:"consumer_group_id"`
	CommitInterval    time.Duration `mapstructure:"commit_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ForwardBuffer     int           `mapstructure:"forward_buffer"`
	Partitions        int           `mapstructure:"partitions"`
	ReplicationFactor int           `mapstructure:"replication_factor"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects the persistence backends.
type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `mapstructure:"driver"`
	// AttemptLog is "memory" or "scylla".
	AttemptLog string `mapstructure:"attempt_log"`
}

// QueueConfig selects the lead queue backend.
type QueueConfig struct {
	// Backend is "memory" or "redis".
	Backend   string `mapstructure:"backend"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type DispatcherConfig struct {
	MaxWorkersPerCampaign int           `mapstructure:"max_workers_per_campaign"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	CallTimeout           time.Duration `mapstructure:"call_timeout"`
	ProviderPollInterval  time.Duration `mapstructure:"provider_poll_interval"`
	StoreErrorDelay       time.Duration `mapstructure:"store_error_delay"`
	RefreshInterval       time.Duration `mapstructure:"refresh_interval"`
}

type GovernorConfig struct {
	// Backend is "local" or "redis".
	Backend                string        `mapstructure:"backend"`
	GlobalCallsPerMinute   int           `mapstructure:"global_calls_per_minute"`
	CampaignCallsPerMinute int           `mapstructure:"campaign_calls_per_minute"`
	MinBackoff             time.Duration `mapstructure:"min_backoff"`
	MaxBackoff             time.Duration `mapstructure:"max_backoff"`
	SlotTTL                time.Duration `mapstructure:"slot_ttl"`
}

type PoolConfig struct {
	// TimeZone decides where a calendar day starts for daily caps.
	TimeZone string `mapstructure:"time_zone"`
	// Source is "config" or "postgres".
	Source string `mapstructure:"source"`
}

type PhoneNumberConfig struct {
	ID       string `mapstructure:"id"`
	Number   string `mapstructure:"number"`
	DailyCap int    `mapstructure:"daily_cap"`
}

type VoiceConfig struct {
	// Provider is "mock" or "vapi".
	Provider    string        `mapstructure:"provider"`
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MockLatency time.Duration `mapstructure:"mock_latency"`
	MockSeed    int64         `mapstructure:"mock_seed"`
}

type MetricsConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	BusBuffer       int           `mapstructure:"bus_buffer"`
}

type CampaignConfig struct {
	DefaultConcurrency int `mapstructure:"default_concurrency"`
}

// Load reads configuration from an optional .env file, the given YAML file and
// OUTBOUND_* environment variables. An empty path skips the file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("OUTBOUND")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "outbound-dispatch")
	v.SetDefault("app.env", "development")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	// Keys without a useful default are still registered so env overrides reach Unmarshal.
	for _, key := range []string{
		"postgres.host", "postgres.user", "postgres.password", "postgres.database",
		"redis.password", "voice.api_key", "voice.base_url", "telemetry.endpoint",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("scylla.hosts", []string{})
	v.SetDefault("telemetry.tracing_enabled", false)

	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.health_query", "SELECT 1")
	v.SetDefault("postgres.auto_migrate", true)

	v.SetDefault("scylla.port", 9042)
	v.SetDefault("scylla.keyspace", "outbound")
	v.SetDefault("scylla.consistency", "quorum")
	v.SetDefault("scylla.timeout", 5*time.Second)
	v.SetDefault("scylla.local_dc", "")
	v.SetDefault("scylla.replication_factor", 1)

	v.SetDefault("kafka.client_id", "outbound-dispatch")
	v.SetDefault("kafka.outcome_topic", "call-outcomes")
	v.SetDefault("kafka.consumer_group_id", "outbound-statusworker")
	v.SetDefault("kafka.commit_interval", time.Second)
	v.SetDefault("kafka.write_timeout", 5*time.Second)
	v.SetDefault("kafka.forward_buffer", 1024)
	v.SetDefault("kafka.partitions", 3)
	v.SetDefault("kafka.replication_factor", 1)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("telemetry.service_name", "outbound-dispatch")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.shutdown_timeout", 5*time.Second)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.attempt_log", "memory")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.key_prefix", "outbound:queue")

	v.SetDefault("dispatcher.max_workers_per_campaign", 50)
	v.SetDefault("dispatcher.poll_interval", time.Second)
	v.SetDefault("dispatcher.call_timeout", 30*time.Second)
	v.SetDefault("dispatcher.provider_poll_interval", 2*time.Second)
	v.SetDefault("dispatcher.store_error_delay", 30*time.Second)
	v.SetDefault("dispatcher.refresh_interval", 5*time.Second)

	v.SetDefault("governor.backend", "local")
	v.SetDefault("governor.global_calls_per_minute", 0)
	v.SetDefault("governor.campaign_calls_per_minute", 0)
	v.SetDefault("governor.min_backoff", time.Second)
	v.SetDefault("governor.max_backoff", 5*time.Minute)
	v.SetDefault("governor.slot_ttl", 10*time.Minute)

	v.SetDefault("pool.time_zone", "UTC")
	v.SetDefault("pool.source", "config")

	v.SetDefault("voice.provider", "mock")
	v.SetDefault("voice.timeout", 10*time.Second)
	v.SetDefault("voice.mock_latency", 2*time.Second)

	v.SetDefault("metrics.refresh_interval", 5*time.Second)
	v.SetDefault("metrics.bus_buffer", 1024)

	v.SetDefault("campaign.default_concurrency", 5)
}

// Validate reports configuration that must stop the process at boot.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		add("store.driver %q must be memory or postgres", c.Store.Driver)
	}
	switch c.Store.AttemptLog {
	case "memory", "scylla":
	default:
		add("store.attempt_log %q must be memory or scylla", c.Store.AttemptLog)
	}
	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		add("queue.backend %q must be memory or redis", c.Queue.Backend)
	}
	switch c.Governor.Backend {
	case "local", "redis":
	default:
		add("governor.backend %q must be local or redis", c.Governor.Backend)
	}
	switch c.Voice.Provider {
	case "mock":
	case "vapi":
		if c.Voice.APIKey == "" {
			add("voice.api_key is required for the vapi provider")
		}
	default:
		add("voice.provider %q must be mock or vapi", c.Voice.Provider)
	}
	switch c.Pool.Source {
	case "config":
		if len(c.PhoneNumbers) == 0 {
			add("phone_numbers must list at least one number")
		}
	case "postgres":
		if c.Store.Driver != "postgres" {
			add("pool.source postgres requires store.driver postgres")
		}
	default:
		add("pool.source %q must be config or postgres", c.Pool.Source)
	}
	if _, err := time.LoadLocation(c.Pool.TimeZone); err != nil {
		add("pool.time_zone %q: %v", c.Pool.TimeZone, err)
	}
	for i, pn := range c.PhoneNumbers {
		if pn.ID == "" || pn.Number == "" {
			add("phone_numbers[%d] needs id and number", i)
		}
		if pn.DailyCap < 0 {
			add("phone_numbers[%d].daily_cap must not be negative", i)
		}
	}
	if c.Dispatcher.MaxWorkersPerCampaign <= 0 {
		add("dispatcher.max_workers_per_campaign must be positive")
	}
	if c.Dispatcher.PollInterval <= 0 || c.Dispatcher.CallTimeout <= 0 {
		add("dispatcher intervals must be positive")
	}
	if c.Governor.MinBackoff <= 0 || c.Governor.MaxBackoff < c.Governor.MinBackoff {
		add("governor backoff bounds are invalid")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		add("kafka.brokers is required when kafka is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s: %w", strings.Join(problems, "; "), apperrors.ErrValidation)
	}
	return nil
}
